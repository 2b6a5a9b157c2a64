package commands

import (
	"github.com/project-peak/peak/src/peak"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewControllerCmd returns the command that starts the controller.
func NewControllerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the controller",
		RunE:  runController,
	}

	addControllerFlags(cmd)

	return cmd
}

func addControllerFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("controller", "c", _config.ControllerAddr, "Bind address:port for packet deliveries")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Address:port of the HTTP API service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().Duration("accumulation-window", _config.AccumulationWindow, "How long to wait for observations before emitting a provisional result")
	cmd.Flags().Int("quorum", _config.Quorum, "Distinct observer positions required to triangulate")
	cmd.Flags().Float64("tx-power", _config.TxPowerDBm, "Assumed emitter power at 1m (dBm)")
	cmd.Flags().Float64("path-loss", _config.PathLossExponent, "Path-loss exponent of the propagation environment")
	cmd.Flags().Float64("velocity-alpha", _config.VelocityAlpha, "EMA smoothing factor for velocity estimates")
	cmd.Flags().Bool("store", _config.Store, "Use badger store for persistent tracks")
	cmd.Flags().String("db", _config.DatabaseDir, "Directory of the track database")
}

func runController(cmd *cobra.Command, args []string) error {
	conf, err := parseConfig(cmd)
	if err != nil {
		return err
	}

	conf.Logger().WithFields(logrus.Fields{
		"controller":          conf.ControllerAddr,
		"service_listen":      conf.ServiceAddr,
		"no_service":          conf.NoService,
		"accumulation_window": conf.AccumulationWindow,
		"quorum":              conf.Quorum,
		"store":               conf.Store,
		"db":                  conf.DatabaseDir,
	}).Debug("CONTROLLER")

	engine := peak.NewControllerEngine(conf)

	if err := engine.Init(); err != nil {
		conf.Logger().WithError(err).Error("Error initializing controller")
		return err
	}

	go shutdownOnInterrupt(engine.Shutdown, conf.Logger())

	engine.Run()

	return nil
}
