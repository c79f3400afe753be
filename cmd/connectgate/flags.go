package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
	Probe           string
	ProbeInput      string
	ProbeURL        string

	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("CONNECTGATE_CONFIG", "configs/connectgate.yaml"),
		"Path to configuration file (env: CONNECTGATE_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("CONNECTGATE_CONFIG", "configs/connectgate.yaml"),
		"Path to configuration file (env: CONNECTGATE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CONNECTGATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CONNECTGATE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CONNECTGATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: CONNECTGATE_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("CONNECTGATE_DEBUG", false),
		"Enable debug logging (env: CONNECTGATE_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CONNECTGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: CONNECTGATE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration, run contract discovery and exit")
	fs.StringVar(&cfg.Probe, "probe", "", "Call one procedure on a running gateway, print the response and exit")
	fs.StringVar(&cfg.ProbeInput, "probe-input", "{}", "JSON request for --probe")
	fs.StringVar(&cfg.ProbeURL, "probe-url",
		getEnv("CONNECTGATE_PROBE_URL", ""),
		"Gateway base URL for --probe, derived from gateway.listen_address when empty (env: CONNECTGATE_PROBE_URL)")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	if cfg.Probe != "" && cfg.Validate {
		return fmt.Errorf("--probe and --validate are exclusive")
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Connect RPC gateway for GraphQL contracts

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/etc/connectgate/config.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Check the config and the contract tree without serving
  %s --validate

  # Call a read-only contract on a running gateway
  %s --probe=/employees.v1.HrService/GetEmployeeById --probe-input='{"id":1}'

  # Reload contracts of a running gateway
  kill -HUP <pid>

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
