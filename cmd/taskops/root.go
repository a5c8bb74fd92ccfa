package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/taskops/config"
	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/registry"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "taskops",
		Short:         "taskops - provider-agnostic task queue and workers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default: taskops.yaml in . or /etc/taskops)")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "dotenv files loaded before configuration")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override observe.logging.level (debug, info, warn, error)")

	root.AddCommand(
		workerCmd(g),
		enqueueCmd(g),
		statusCmd(g),
		purgeCmd(g),
		sizeCmd(g),
		serveCmd(g),
		configCmd(g),
	)
	return root
}

// loadConfig loads .env files, then the configuration, then applies flag
// overrides.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(g.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Observe.Logging.Level = g.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// app holds what a command needs once services are up.
type app struct {
	cfg      *config.Config
	obs      observe.Observer
	logger   observe.Logger
	registry *registry.Registry
}

// open loads configuration, resolves secrets, sets up observability and
// initializes the process-wide registry.
func (g *globalFlags) open(ctx context.Context) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	resolver, err := cfg.SecretResolver()
	if err != nil {
		return nil, err
	}
	err = cfg.ResolveSecrets(ctx, resolver)
	if cerr := resolver.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	cfg.Observe.Version = Version
	obs, err := observe.NewObserver(ctx, cfg.Observe)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}
	mw, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, fmt.Errorf("setup middleware: %w", err)
	}

	reg, err := registry.InitializeServices(ctx, cfg,
		registry.WithLogger(obs.Logger()),
		registry.WithMiddleware(mw))
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}
	return &app{cfg: cfg, obs: obs, logger: obs.Logger(), registry: reg}, nil
}

// close tears services down within the configured shutdown timeout.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(registry.CleanupServices(ctx), a.obs.Shutdown(ctx))
}

// withApp runs fn against an opened app and always closes it.
func (g *globalFlags) withApp(ctx context.Context, fn func(*app) error) (err error) {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// shutdownTimeout returns the server drain timeout, with a floor for
// configurations that leave it unset.
func (a *app) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return a.cfg.Server.ShutdownTimeout
}
