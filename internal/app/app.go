package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"apiary/internal/config"
	"apiary/internal/provider"
	"apiary/internal/proxy"
	"apiary/pkg/logging"
)

// shutdownTimeout bounds how long Stop waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// Options are the serve-command overrides applied on top of the loaded
// configuration file.
type Options struct {
	ConfigPath string // explicit config file, empty for the default
	Host       string // overrides config host when non-empty
	Port       int    // overrides config port when > 0
	Debug      bool   // forces debug logging
}

// Application owns the long-lived components of the apiary server:
// the provider repository, the provider container and the facing MCP
// server. It is built by explicit construction; components receive their
// dependencies as arguments.
type Application struct {
	cfg        config.Config
	repository *provider.FileRepository
	container  *proxy.Container
	server     *proxy.Server
}

// New loads the configuration and wires the application together.
func New(opts Options) (*Application, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Port = opts.Port
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if opts.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	repository := provider.NewFileRepository(cfg.ProviderListPath)
	container := proxy.NewContainer(repository)
	server := proxy.NewServer(proxy.ServerConfig{
		Name:    "apiary",
		Version: "1.0.0",
		Host:    cfg.Host,
		Port:    cfg.Port,
	}, container)

	return &Application{
		cfg:        cfg,
		repository: repository,
		container:  container,
		server:     server,
	}, nil
}

// Run starts every component and blocks until the context is cancelled
// or a termination signal arrives, then stops the facing server and the
// container.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.repository.Watch(ctx); err != nil {
		// Out-of-band edits will not be picked up until the next reload
		// period; everything else keeps working.
		logging.Warn("App", "Provider list watcher unavailable: %v", err)
	}

	if err := a.container.Start(ctx); err != nil {
		return fmt.Errorf("failed to start provider container: %w", err)
	}
	if err := a.server.Start(ctx); err != nil {
		a.container.Stop()
		return fmt.Errorf("failed to start MCP server: %w", err)
	}

	logging.Info("App", "apiary is serving MCP on %s (provider list: %s)", a.server.Endpoint(), a.cfg.ProviderListPath)
	<-ctx.Done()
	logging.Info("App", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The facing server and the container stop concurrently; the
	// container waits for every provider's teardown confirmation.
	var g errgroup.Group
	g.Go(func() error { return a.server.Stop(shutdownCtx) })
	g.Go(func() error { return a.container.Stop() })
	return g.Wait()
}
