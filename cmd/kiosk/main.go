package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kiosk/internal/config"
	"kiosk/internal/logging"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "kiosk",
	Short: "Live multi-camera face tracking with identity resolution",
	Long: `kiosk watches one or more cameras, tracks the faces it sees across
frames, resolves who they are through a face matcher and keeps a
deduplicated activity log of recognized and unknown visitors.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("KIOSK_CONFIG"), "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before the configuration")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}

// loadConfig reads the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
