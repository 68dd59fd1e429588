package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/api"
	"github.com/codefionn/umleitung/umleitung-srv/ca"
	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/eventbus"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/matcher"
	"github.com/codefionn/umleitung/umleitung-srv/metrics"
	"github.com/codefionn/umleitung/umleitung-srv/pipeline"
	"github.com/codefionn/umleitung/umleitung-srv/proxy"
	"github.com/codefionn/umleitung/umleitung-srv/store"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the management API",
		Long: `Runs the intercepting proxy and the management API until SIGINT or SIGTERM.
SIGHUP reloads the configuration file and applies the app settings and
log configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger.Info("Starting umleitung")
			return runServe(cmd.Context(), cfg, opts)
		},
	}
}

// components is everything one serve process wires together.
type components struct {
	settings *config.AppSettings
	store    *store.Store
	bus      *eventbus.Bus
	ca       *ca.Manager
	metrics  *metrics.Metrics
	proxy    *proxy.Proxy
	api      *api.Server
}

func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{settings: config.NewAppSettings(cfg.App)}

	if cfg.Metrics.Enabled {
		c.metrics = metrics.New()
	}

	persister, err := store.NewPersister(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	c.store, err = store.New(ctx, persister)
	if err != nil {
		_ = persister.Close()
		return nil, err
	}

	c.ca, err = ca.LoadOrCreate(cfg.CA)
	if err != nil {
		_ = c.store.Close()
		return nil, err
	}
	c.ca.OnIssue(c.metrics.ObserveCertificate)

	c.bus = eventbus.New(c.settings, eventbus.DefaultBufferSize)
	c.bus.OnEvict(c.metrics.RecordEvicted)

	var observer pipeline.Observer
	if c.metrics != nil {
		observer = c.metrics
	}

	c.proxy, err = proxy.New(cfg, proxy.Deps{
		Settings: c.settings,
		Rules:    c.store,
		Matcher:  matcher.New(),
		Pipeline: pipeline.New(observer),
		Bus:      c.bus,
		CA:       c.ca,
		Metrics:  c.metrics,
	})
	if err != nil {
		_ = c.store.Close()
		return nil, err
	}

	c.api, err = api.New(cfg.API, api.Deps{
		Settings: c.settings,
		Store:    c.store,
		Bus:      c.bus,
		CA:       c.ca,
		Metrics:  c.metrics,
	})
	if err != nil {
		_ = c.store.Close()
		return nil, err
	}

	c.metrics.RegisterGauge("rules", "Number of stored rules.", func() float64 {
		return float64(c.store.Snapshot().Len())
	})
	c.metrics.RegisterGauge("request_log_size", "Number of exchanges in the request log.", func() float64 {
		return float64(c.bus.Len())
	})
	c.metrics.RegisterGauge("request_log_subscribers", "Number of live request log subscribers.", func() float64 {
		return float64(c.bus.Subscribers())
	})
	c.metrics.RegisterGauge("certificate_cache_size", "Number of cached leaf certificates.", func() float64 {
		return float64(c.ca.CacheSize())
	})
	return c, nil
}

func (c *components) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := c.proxy.Stop(ctx); err != nil {
		logger.Error("Error stopping proxy: %v", err)
	}
	if err := c.api.Stop(ctx); err != nil {
		logger.Error("Error stopping API server: %v", err)
	}
	if err := c.store.Close(); err != nil {
		logger.Error("Error closing rule store: %v", err)
	}
}

// runServe starts both listeners and handles reload and shutdown signals.
func runServe(ctx context.Context, cfg *config.Config, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- c.proxy.Start()
	}()
	go func() {
		errCh <- c.api.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	currentCfg := cfg
	for {
		select {
		case err := <-errCh:
			c.shutdown()
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
			c.shutdown()
			return nil
		case sig := <-sigChan:
			if sig != syscall.SIGHUP {
				logger.Info("Received signal %v, shutting down...", sig)
				c.shutdown()
				logger.Info("Shutdown complete")
				return nil
			}
			currentCfg = reload(c, currentCfg, opts)
		}
	}
}

// reload applies a changed configuration file. Only the app settings and
// the log configuration change at runtime.
func reload(c *components, current *config.Config, opts *rootOptions) *config.Config {
	logger.Info("Received SIGHUP: reloading configuration...")
	next, err := config.LoadConfig(opts.configPath)
	if err != nil {
		logger.Error("Failed to reload config: %v (keeping current config)", err)
		return current
	}
	if !config.HasChanged(current, next) {
		logger.Info("Config unchanged after reload")
		return current
	}
	if err := c.settings.Replace(next.App); err != nil {
		logger.Error("Rejected app settings from reloaded config: %v", err)
		return current
	}
	applyLogConfig(next.Log, opts.debug)
	if next.ListenAddress != current.ListenAddress || next.API != current.API ||
		next.Storage != current.Storage || next.CA != current.CA {
		logger.Warn("Listener, storage and CA changes take effect after a restart")
	}
	logger.Info("Configuration reloaded")
	return next
}
