// Package cli holds the cobra commands of the docflow binary.
package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/docflow-io/docflow/internal/core/config"
)

// Exit codes are the automation contract of the one-shot commands.
const (
	ExitOK          = 0
	ExitPartial     = 1
	ExitFailed      = 2
	ExitConfigError = 3
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Docflow document processing worker",
	Long:  `Docflow orchestrates document processing runs: crash-safe sessions, a bounded worker pool, failure classification and retry.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig loads the YAML config, falling back to built-in defaults
// when the file does not exist, and initializes logging. A present but
// unreadable config is a configuration error.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	var cfg *config.AppConfig
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			stylelog.InitDefault()
			slog.Error("Failed to load config", "path", cfgPath, "error", err)
			os.Exit(ExitConfigError)
		}
		cfg = loaded
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	return cfg
}
