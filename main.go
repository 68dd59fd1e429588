package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/spf13/cobra"
)

var version string

type rootOptions struct {
	configPath string
	envfile    string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:   "umleitung",
		Short: "Intercepting HTTP(S) proxy with a rule engine and management API",
		Long: `umleitung forwards HTTP and HTTPS traffic, records every exchange and
rewrites matching requests and responses according to user-defined rules.
Without a subcommand it runs the proxy and the management API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envfile != "" {
				if err := loadEnvFile(opts.envfile); err != nil {
					return fmt.Errorf("failed to load envfile: %w", err)
				}
				logger.Info("Loaded environment variables from %s", opts.envfile)
			}
			if opts.debug {
				logger.SetLevel(logger.DEBUG)
				logger.Debug("Debug logging enabled")
			}
			return nil
		},
		RunE: serve.RunE,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	root.PersistentFlags().StringVar(&opts.envfile, "envfile", "", "Path to env file to load environment variables")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		serve,
		newVersionCmd(),
		newCACmd(opts),
		newRulesCmd(opts),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if v == "" {
				v = "dev"
			}
			fmt.Fprintln(cmd.OutOrStdout(), "umleitung version:", v)
		},
	}
}

// loadConfig reads the configuration file, falling back to defaults and
// environment variables when the file cannot be loaded.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	logger.Debug("Using configuration file: %s", opts.configPath)
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	applyLogConfig(cfg.Log, opts.debug)
	return cfg, nil
}

func applyLogConfig(cfg config.LogConfig, debug bool) {
	if !debug && cfg.Level != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.Level))
	}
	if err := logger.SetFile(logger.FileOptions{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}); err != nil {
		logger.Error("Failed to configure log file: %v", err)
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(strings.TrimSpace(key), val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
