package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	configPath string
	deviceID   string
	logLevel   string
)

func main() {
	configureAgentLogger()

	rootCmd := &cobra.Command{
		Use:           "bitmesh",
		Short:         "BitNet device agent for the makerspace message bus",
		Long:          "Enroll for a client certificate, join the shared topic, and answer peers with local BitNet inference",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device-id", "", "Device ID (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(
		serviceCmd(),
		sendCmd(),
		testCmd(),
		validateCmd(),
		registerCmd(),
		configCmd(),
		historyCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies file, environment, and flag settings in that order.
func loadConfig() (*config.DeviceConfig, error) {
	if configPath == "" {
		log.Info().Msg("Using default configuration. Run 'config init' to save a template.")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if deviceID != "" {
		cfg.Device.ID = deviceID
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := applyAgentLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("BITMESH_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("BITMESH_LOG_FORMAT")))

	logger := newAgentLogger(format, os.Stderr)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

// applyAgentLogging reconfigures the global logger from config. A log file,
// when set, receives JSON lines alongside the console output.
func applyAgentLogging(cfg config.LoggingConfig) error {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	var out io.Writer = os.Stderr
	if !cfg.JSON && cfg.HumanReadable {
		out = consoleWriter(os.Stderr)
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(level)
	zerolog.SetGlobalLevel(level)
	return nil
}

func newAgentLogger(format string, out io.Writer) zerolog.Logger {
	if format == "json" {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(consoleWriter(out)).With().Timestamp().Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}
