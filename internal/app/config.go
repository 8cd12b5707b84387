package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/loykin/tapline/internal/provider"
	"github.com/loykin/tapline/internal/signal"
	"github.com/loykin/tapline/internal/topology"
	"github.com/loykin/tapline/internal/watcher"
)

// ApplicationConfig is the loaded configuration together with the running
// main topology and any internal topologies.
type ApplicationConfig struct {
	ConfigPaths        []config.Path
	Topology           *pipeline.RunningTopology
	Crashes            <-chan error
	InternalTopologies []*pipeline.RunningTopology

	API           config.APIConfig
	History       config.HistoryConfig
	MetricsListen string
	Extra         pipeline.Extra

	logger *slog.Logger
	// bgCtx outlives the caller's context and scopes background workers
	// such as the config watcher.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// FromOptions loads the configuration named by opts and starts the topology.
// Config providers are registered with h and the config watcher sends on a
// sender cloned from it.
func FromOptions(ctx context.Context, opts Options, h *signal.Handler) (*ApplicationConfig, error) {
	logger := opts.logger()
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))

	cfg, paths, err := loadConfigs(ctx, bgCtx, opts, h)
	if err != nil {
		bgCancel()
		return nil, err
	}
	ac, err := FromConfig(ctx, paths, cfg, opts.Extra, logger)
	if err != nil {
		bgCancel()
		return nil, err
	}
	ac.ConfigPaths = opts.ConfigPaths
	ac.bgCancel()
	ac.bgCtx, ac.bgCancel = bgCtx, bgCancel
	return ac, nil
}

// FromConfig starts a topology for an already loaded config.
func FromConfig(ctx context.Context, paths []config.Path, cfg *config.Config, extra pipeline.Extra, logger *slog.Logger) (*ApplicationConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	topo, crashes, err := pipeline.Start(ctx, cfg, extra, pipeline.WithLogger(logger))
	if err != nil {
		logStartError(logger, err)
		return nil, exitErr(ExitConfig, err)
	}
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	return &ApplicationConfig{
		ConfigPaths:   paths,
		Topology:      topo,
		Crashes:       crashes,
		API:           cfg.API,
		History:       cfg.History,
		MetricsListen: cfg.Global.MetricsListen,
		Extra:         extra,
		logger:        logger,
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
	}, nil
}

// AddInternalConfig starts cfg as an internal topology. Internal topologies
// are never reloaded and their component failures do not stop the application.
func (ac *ApplicationConfig) AddInternalConfig(ctx context.Context, cfg *config.Config) error {
	topo, _, err := pipeline.Start(ctx, cfg, ac.Extra, pipeline.WithLogger(ac.logger.With("topology", "internal")))
	if err != nil {
		logStartError(ac.logger, err)
		return exitErr(ExitConfig, err)
	}
	ac.InternalTopologies = append(ac.InternalTopologies, topo)
	return nil
}

// stopAll tears down every topology. Used when startup fails half way.
func (ac *ApplicationConfig) stopAll(ctx context.Context) {
	_ = ac.Topology.Stop(ctx)
	for _, t := range ac.InternalTopologies {
		_ = t.Stop(ctx)
	}
	ac.bgCancel()
}

func loadConfigs(ctx, bgCtx context.Context, opts Options, h *signal.Handler) (*config.Config, []config.Path, error) {
	logger := opts.logger()
	paths, err := config.ProcessPaths(opts.ConfigPaths)
	if err != nil {
		logger.Error("No config files found in given paths.", "error", err)
		return nil, nil, exitErr(ExitConfig, err)
	}
	logger.Info("Loading configs.", "paths", pathStrings(paths))

	cfg, errs := loadFromPaths(ctx, paths, h, opts.loadOptions(), logger)
	if len(errs) > 0 {
		logConfigErrors(logger, errs)
		return nil, nil, exitErr(ExitConfig, errors.New(errs[0]))
	}

	if opts.WatchConfig {
		wcfg := watcher.Config{
			Method:       opts.WatchConfigMethod,
			PollInterval: opts.WatchPollInterval,
			Logger:       logger,
		}
		if err := watcher.Spawn(bgCtx, wcfg, h.Sender(), pathStrings(paths), cfg.FilesToWatch()); err != nil {
			logger.Error("Unable to start config watcher.", "error", err)
			return nil, nil, exitErr(ExitConfig, err)
		}
	}

	if !cfg.HealthChecks.Enabled {
		logger.Info("Health checks are disabled.")
	}
	cfg.SetRequireHealthy(opts.RequireHealthy)
	cfg.GracefulShutdownDuration = opts.GracefulShutdownDuration()
	return cfg, paths, nil
}

// loadFromPaths loads paths and, when they declare a config provider,
// replaces the result with the provider's document. Previously registered
// providers are stopped first so only the current one keeps polling.
func loadFromPaths(ctx context.Context, paths []config.Path, h *signal.Handler, lo config.LoadOptions, logger *slog.Logger) (*config.Config, []string) {
	h.Clear()
	cfg, errs := config.Load(ctx, paths, lo)
	if len(errs) > 0 {
		return nil, errs
	}
	if cfg.Provider == nil {
		return cfg, nil
	}

	p, err := provider.New(*cfg.Provider, logger)
	if err != nil {
		return nil, []string{err.Error()}
	}
	b, err := p.Fetch(ctx)
	if err != nil {
		return nil, []string{err.Error()}
	}
	provided, errs := b.Build(ctx, lo)
	if len(errs) > 0 {
		return nil, errs
	}
	h.AddProvider(p.Run)
	return provided, nil
}

// reloadLoader is the loader used for reloads from disk.
func reloadLoader(h *signal.Handler, lo config.LoadOptions, logger *slog.Logger) topology.Loader {
	return func(ctx context.Context, paths []config.Path) (*config.Config, []string) {
		return loadFromPaths(ctx, paths, h, lo, logger)
	}
}

func logConfigErrors(logger *slog.Logger, errs []string) {
	for _, e := range errs {
		logger.Error("Configuration error.", "error", e)
	}
}

func logStartError(logger *slog.Logger, err error) {
	var rej *pipeline.RejectedError
	if errors.As(err, &rej) {
		logConfigErrors(logger, rej.Errors)
		return
	}
	logger.Error("Failed to start the topology.", "error", err)
}

func pathStrings(paths []config.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Path
	}
	return out
}
