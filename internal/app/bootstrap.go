package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"tether/internal/config"
	"tether/pkg/logging"
)

// Application is one configured server instance: the loaded
// configuration plus the component graph built from it.
type Application struct {
	opts     Options
	services *Services

	mu  sync.Mutex
	cfg config.Config
}

// NewApplication loads the configuration, initializes logging, and
// constructs every component. The returned application has not started
// any transport yet; call Run.
func NewApplication(ctx context.Context, opts Options) (*Application, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	path := opts.ConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolving default config path: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration from %s: %w", path, err)
	}
	if opts.Transport != "" {
		cfg.Transport = opts.Transport
	}

	initLogging(opts, cfg)
	logging.Info("Bootstrap", "Loaded configuration from %s", path)

	services, err := initializeServices(ctx, opts, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing services: %w", err)
	}

	app := &Application{opts: opts, services: services, cfg: cfg}

	services.Watcher = config.NewWatcher(config.WatcherConfig{
		Path:     path,
		OnReload: app.applyReload,
	})

	return app, nil
}

// initLogging routes logs to stderr when the stdio transport owns
// stdout as the protocol channel.
func initLogging(opts Options, cfg config.Config) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	if opts.Debug {
		level = logging.LevelDebug
	}

	var out io.Writer = os.Stdout
	if cfg.Transport == config.TransportStdio {
		out = os.Stderr
	}
	if opts.Silent {
		out = io.Discard
	}

	logging.InitForServer(level, out, cfg.LogFormat == config.LogFormatJSON)
}

// Config returns the currently effective configuration.
func (a *Application) Config() config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Services exposes the constructed components for commands and tests.
func (a *Application) Services() *Services {
	return a.services
}

// applyReload merges a freshly loaded configuration into the running
// one. Only runtime-safe fields take effect; the rest keep their
// running values until restart.
func (a *Application) applyReload(next config.Config) {
	a.mu.Lock()
	merged, ignored := config.ApplyRuntime(a.cfg, next)
	a.cfg = merged
	a.mu.Unlock()

	for _, field := range ignored {
		logging.Warn("App", "Config change to %s requires a restart; keeping the running value", field)
	}

	if !a.opts.Debug {
		if level, err := logging.ParseLevel(merged.LogLevel); err == nil {
			logging.SetLevel(level)
		}
	}
	if a.services.Clients != nil {
		a.services.Clients.UpdateAllowedRedirectHosts(merged.Auth.AllowedRedirectHosts)
	}
	logging.Info("App", "Configuration reloaded")
}
