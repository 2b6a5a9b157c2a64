package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/project-peak/peak/src/common"
	"github.com/project-peak/peak/src/fusion"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the
	// Badger track database.
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the optional log file.
	DefaultLogFile = "peak.log"
)

// Default configuration values.
const (
	DefaultLogLevel       = "debug"
	DefaultBindAddr       = "127.0.0.1:7642"
	DefaultControllerAddr = "127.0.0.1:7650"
	DefaultServiceAddr    = "127.0.0.1:8000"
	DefaultTTLMax         = 5
	DefaultCacheSize      = 1024
	DefaultHopLatency     = 2000 * time.Millisecond
	DefaultAccumulation   = 10 * time.Second
	DefaultQuorum         = 3
	DefaultTxPowerDBm     = -30.0
	DefaultPathLoss       = 2.5
	DefaultVelocityAlpha  = 0.3
	DefaultSerialBaud     = 57600
	DefaultStore          = false
)

// Config contains all the configuration properties of a PEAK node or
// controller.
type Config struct {
	// DataDir is the top-level directory containing PEAK configuration and
	// data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, tees log output to a file via a logrus hook.
	LogFile string `mapstructure:"log-file"`

	// NodeID is this node's 16-bit mesh identifier. It scopes packet ids,
	// so it must be unique across the deployment.
	NodeID uint16 `mapstructure:"node-id"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// BindAddr is the local address:port for the UDP mesh transport. It is
	// ignored when the node talks to a serial LoRa modem instead.
	BindAddr string `mapstructure:"listen"`

	// ControllerAddr is the address a final-hop node delivers packets to.
	ControllerAddr string `mapstructure:"controller"`

	// Peers lists the addresses of the nodes in radio range on the UDP
	// transport. On a real radio the medium defines the neighbourhood and
	// this list is empty.
	Peers []string `mapstructure:"peers"`

	// SerialPort, when set, selects the serial LoRa modem transport instead
	// of UDP (e.g. /dev/ttyUSB0).
	SerialPort string `mapstructure:"serial-port"`

	// SerialBaud is the modem line rate.
	SerialBaud int `mapstructure:"serial-baud"`

	// NoService disables the HTTP API service on the controller.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the controller HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// TTLMax is the packet life counter assigned to locally originated
	// packets. It bounds how many hops a flooded packet may travel.
	TTLMax uint8 `mapstructure:"ttl"`

	// CacheSize is the max number of packet ids held in the relay dedup
	// cache. It bounds memory on constrained nodes.
	CacheSize int `mapstructure:"cache-size"`

	// HopLatency is the worst-case latency of one radio hop. The dedup
	// cache evicts entries older than TTLMax * HopLatency, after which a
	// re-appearing packet id can no longer be a flood duplicate.
	HopLatency time.Duration `mapstructure:"hop-latency"`

	// Fusion holds the observation matcher tolerances.
	Fusion fusion.Config `mapstructure:",squash"`

	// AccumulationWindow is how long the controller waits for additional
	// observations before emitting a provisional track result anyway.
	AccumulationWindow time.Duration `mapstructure:"accumulation-window"`

	// Quorum is the number of distinct observer positions required before
	// a track position is triangulated.
	Quorum int `mapstructure:"quorum"`

	// TxPowerDBm is the assumed emitter power at 1m used by the path-loss
	// range model.
	TxPowerDBm float64 `mapstructure:"tx-power"`

	// PathLossExponent is the propagation environment exponent: 2 for free
	// space, up to ~4 indoors.
	PathLossExponent float64 `mapstructure:"path-loss"`

	// VelocityAlpha is the EMA smoothing factor for velocity estimates.
	VelocityAlpha float64 `mapstructure:"velocity-alpha"`

	// Store activates persistent track storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing track database files.
	DatabaseDir string `mapstructure:"db"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		BindAddr:           DefaultBindAddr,
		ControllerAddr:     DefaultControllerAddr,
		ServiceAddr:        DefaultServiceAddr,
		TTLMax:             DefaultTTLMax,
		CacheSize:          DefaultCacheSize,
		HopLatency:         DefaultHopLatency,
		Fusion:             fusion.DefaultConfig(),
		AccumulationWindow: DefaultAccumulation,
		Quorum:             DefaultQuorum,
		TxPowerDBm:         DefaultTxPowerDBm,
		PathLossExponent:   DefaultPathLoss,
		VelocityAlpha:      DefaultVelocityAlpha,
		SerialBaud:         DefaultSerialBaud,
		Store:              DefaultStore,
		DatabaseDir:        DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level PEAK directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// DedupHorizon is how long a packet id stays in the relay dedup cache: the
// longest time a flood duplicate can still be in flight.
func (c *Config) DedupHorizon() time.Duration {
	return time.Duration(c.TTLMax) * c.HopLatency
}

// Logger returns a formatted logrus Entry, with prefix set to "peak".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "peak")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level PEAK config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Peak")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Peak")
		} else {
			return filepath.Join(home, ".peak")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
