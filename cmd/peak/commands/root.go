package commands

import (
	"os"

	"github.com/project-peak/peak/src/config"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for the peak CLI.
var RootCmd = &cobra.Command{
	Use:   "peak",
	Short: "PEAK distributed signal sensing mesh",
}

func init() {
	RootCmd.PersistentFlags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	RootCmd.PersistentFlags().String("log", _config.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	RootCmd.PersistentFlags().String("log-file", _config.LogFile, "Tee log output to this file")
}

// bindFlagsLoadViper binds the command's flags and reads the optional
// peak.toml from the datadir.
func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("peak")
	viper.AddConfigPath(viper.GetString("datadir"))

	if err := viper.ReadInConfig(); err == nil {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		logrus.Debug("No config file found")
	} else {
		return err
	}

	return nil
}

func parseConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return nil, err
	}

	conf := config.NewDefaultConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	conf.SetDataDir(viper.GetString("datadir"))

	addLogFileHook(conf)

	return conf, nil
}

// addLogFileHook tees log output to the configured file, keeping stderr as
// the primary destination.
func addLogFileHook(conf *config.Config) {
	if conf.LogFile == "" {
		return
	}

	if _, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err != nil {
		conf.Logger().WithError(err).Warnf("Failed to open %s, using stderr only", conf.LogFile)
		return
	}

	pathMap := lfshook.PathMap{}
	for _, level := range logrus.AllLevels {
		pathMap[level] = conf.LogFile
	}

	conf.Logger().Logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}
