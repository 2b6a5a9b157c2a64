package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/project-peak/peak/src/peak"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRunCmd returns the command that starts a sensing node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sensing node",
		RunE:  runNode,
	}

	addRunFlags(cmd)

	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Uint16("node-id", _config.NodeID, "16-bit mesh identifier for this node")
	cmd.Flags().String("moniker", _config.Moniker, "Friendly name of this node")
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Bind address:port for the UDP mesh transport")
	cmd.Flags().StringP("controller", "c", _config.ControllerAddr, "Address the final hop delivers packets to")
	cmd.Flags().StringSlice("peers", _config.Peers, "Addresses of nodes in radio range")
	cmd.Flags().String("serial-port", _config.SerialPort, "Serial LoRa modem device (selects serial transport)")
	cmd.Flags().Int("serial-baud", _config.SerialBaud, "Serial modem line rate")
	cmd.Flags().Uint8("ttl", _config.TTLMax, "Life counter assigned to locally originated packets")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Max packet ids held in the dedup cache")
	cmd.Flags().Duration("hop-latency", _config.HopLatency, "Worst-case latency of one radio hop")
	cmd.Flags().Duration("fusion-window", _config.Fusion.Window, "Max timestamp spread of fusable observations")
	cmd.Flags().Uint32("freq-tolerance", _config.Fusion.FreqToleranceKHz, "Frequency tolerance of fusable observations (kHz)")
}

func runNode(cmd *cobra.Command, args []string) error {
	conf, err := parseConfig(cmd)
	if err != nil {
		return err
	}

	conf.Logger().WithFields(logrus.Fields{
		"node_id":     conf.NodeID,
		"moniker":     conf.Moniker,
		"listen":      conf.BindAddr,
		"controller":  conf.ControllerAddr,
		"peers":       conf.Peers,
		"serial_port": conf.SerialPort,
		"ttl":         conf.TTLMax,
		"cache_size":  conf.CacheSize,
	}).Debug("RUN")

	engine := peak.NewNode(conf)

	if err := engine.Init(); err != nil {
		conf.Logger().WithError(err).Error("Error initializing node")
		return err
	}

	go shutdownOnInterrupt(engine.Shutdown, conf.Logger())

	engine.Run()

	return nil
}

func shutdownOnInterrupt(shutdown func(), logger *logrus.Entry) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info("Interrupt, shutting down")
	shutdown()
}
