package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/opd-ai/mixsession/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	cfg        config.Config
	log        = logrus.New()
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Drive and inspect a mix-network messenger session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if configPath == "" {
				configPath = os.Getenv("MIXSESSION_CONFIG")
			}

			cfg = config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if logLevel != "" {
				lvl, err := logrus.ParseLevel(logLevel)
				if err != nil {
					return fmt.Errorf("--log-level: %w", err)
				}
				cfg.LogLevel = lvl.String()
			}
			log.SetLevel(cfg.Level())
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (default $MIXSESSION_CONFIG)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config")

	root.AddCommand(runCmd(), healthCmd(), backupCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}
