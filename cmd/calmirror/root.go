package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cyp0633/calmirror/internal/config"
	"github.com/cyp0633/calmirror/internal/logging"
)

var (
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "calmirror",
	Short:         "Mirror CalDAV calendars and push changes to live clients",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		configPath, _ := cmd.Flags().GetString("config")

		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		loaded, err := loadConfig(configPath, os.LookupEnv)
		if err != nil {
			return err
		}
		cfg = loaded

		l, closer, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		logger, logCloser = l, closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "calmirror.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("env-file", ".env", "Optional .env file with environment overrides")
}

// loadEnvFile loads path into the process environment. A missing file is
// not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadConfig(path string, lookup func(string) (string, bool)) (*config.Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv(lookup)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
