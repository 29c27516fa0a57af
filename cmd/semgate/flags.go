package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	LogFile     string
	Addr        string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("SEMGATE_CONFIG", "configs/semgate.yaml"),
		"Path to configuration file (env: SEMGATE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("SEMGATE_CONFIG", "configs/semgate.yaml"),
		"Path to configuration file (env: SEMGATE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SEMGATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SEMGATE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SEMGATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: SEMGATE_LOG_FORMAT)")
	fs.StringVar(&cfg.LogFile, "log-file",
		getEnv("SEMGATE_LOG_FILE", ""),
		"Also write logs to this file, rotated (env: SEMGATE_LOG_FILE)")

	fs.StringVar(&cfg.Addr, "addr", "", "Listen address, overrides server.addr")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("SEMGATE_DEBUG", false),
		"Enable debug mode (env: SEMGATE_DEBUG)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

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
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - service health, circuit breaking and proxy gateway

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a config file
  %s --config=/etc/semgate/semgate.yaml

  # Debug logging to the console and a rotated file
  %s --log-level=debug --log-format=text --log-file=/var/log/semgate.log

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

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
