// Package app drives the daemon through its lifecycle: Prepare loads the
// configuration and starts the topology, Start brings up the API and the
// heartbeat, Main reacts to signals until something ends the run and
// Shutdown stops everything and picks the exit code.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tapline/internal/api"
	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/history"
	"github.com/loykin/tapline/internal/history/factory"
	"github.com/loykin/tapline/internal/metrics"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/loykin/tapline/internal/signal"
	"github.com/loykin/tapline/internal/topology"
)

// Version is reported in the startup log. Overridden at build time.
var Version = "dev"

const heartbeatInterval = time.Second

// services are the process wide helpers that live from Start to Shutdown.
type services struct {
	handler    *signal.Handler
	internal   []*pipeline.RunningTopology
	api        *api.Server
	recorder   *history.Recorder
	collector  *metrics.ResourceCollector
	metricsSrv *metrics.Server
	bgCancel   context.CancelFunc
	loadOpts   config.LoadOptions
	logger     *slog.Logger
}

// record stores a lifecycle event for the topology's current generation.
func (s *services) record(t history.EventType, topo *pipeline.RunningTopology, detail string) {
	if s.recorder == nil {
		return
	}
	snap := topo.Snapshot()
	s.recorder.Record(history.NewEvent(t, snap.Generation, len(snap.Components), detail))
}

// Application is a prepared daemon: configuration is loaded and the topology
// is running, but nothing reacts to signals yet.
type Application struct {
	opts    Options
	config  *ApplicationConfig
	handler *signal.Handler
	rx      *signal.Receiver
}

// Prepare loads the configuration from opts, starts the topology and starts
// translating OS signals.
func Prepare(ctx context.Context, opts Options) (*Application, error) {
	h, rx := signal.NewPair(ctx, opts.logger())
	a, err := NewApplication(ctx, opts, h, rx)
	if err != nil {
		h.Close()
		return nil, err
	}
	return a, nil
}

// NewApplication is Prepare with a caller supplied signal handler, for
// embedding and tests that must not listen to OS signals.
func NewApplication(ctx context.Context, opts Options, h *signal.Handler, rx *signal.Receiver) (*Application, error) {
	ac, err := FromOptions(ctx, opts, h)
	if err != nil {
		return nil, err
	}
	for _, p := range opts.InternalConfigPaths {
		cfg, errs := config.Load(ctx, []config.Path{p}, opts.loadOptions())
		if len(errs) > 0 {
			logConfigErrors(opts.logger(), errs)
			ac.stopAll(ctx)
			return nil, exitErr(ExitConfig, fmt.Errorf("internal config %s: %s", p, errs[0]))
		}
		cfg.GracefulShutdownDuration = opts.GracefulShutdownDuration()
		if err := ac.AddInternalConfig(ctx, cfg); err != nil {
			ac.stopAll(ctx)
			return nil, err
		}
	}
	return &Application{opts: opts, config: ac, handler: h, rx: rx}, nil
}

// Config exposes the loaded configuration and running topologies.
func (a *Application) Config() *ApplicationConfig { return a.config }

// Start brings up metrics, the heartbeat, lifecycle history and the API
// server and returns the application ready to run. An API server that fails
// to start aborts the topology, which ends Main with an error.
func (a *Application) Start(ctx context.Context) *StartedApplication {
	if a.config == nil {
		panic("application already consumed")
	}
	ac, h, rx := a.config, a.handler, a.rx
	a.config, a.handler, a.rx = nil, nil, nil

	logger := ac.logger
	topo := ac.Topology
	svc := &services{
		handler:  h,
		internal: ac.InternalTopologies,
		bgCancel: ac.bgCancel,
		loadOpts: a.opts.loadOptions(),
		logger:   logger,
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("Failed to register metrics.", "error", err)
	}
	svc.collector = startHeartbeat(ac.bgCtx, logger)
	logger.Info("Tapline has started.",
		"version", Version,
		"arch", runtime.GOARCH,
		"os", runtime.GOOS,
		"threads", runtime.GOMAXPROCS(0),
	)

	if ac.MetricsListen != "" {
		svc.metricsSrv = metrics.NewServer(ac.MetricsListen, logger)
		svc.metricsSrv.Start()
		go func() {
			if err, ok := <-svc.metricsSrv.Err(); ok && err != nil {
				topo.Abort(fmt.Errorf("metrics server: %w", err))
			}
		}()
	}

	if ac.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(ac.History.DSN, ac.History.Table)
		if err != nil {
			logger.Warn("Lifecycle history is disabled.", "error", err)
		} else {
			svc.recorder = history.NewRecorder(sink, logger)
		}
	}
	svc.record(history.EventStarted, topo, "")

	ctrl := &topology.Controller{
		Topology:       topo,
		ConfigPaths:    ac.ConfigPaths,
		RequireHealthy: a.opts.RequireHealthy,
		Logger:         logger,
	}
	shared := topology.NewShared(ctrl)

	if ac.API.Enabled {
		srv := api.New(ac.API, shared.Clone(), h.Sender(), topo.Abort, logger)
		if err := srv.Start(); err != nil {
			logger.Error("An error occurred that Tapline couldn't handle.", "error", err)
			topo.Abort(err)
			_ = srv.Stop(ctx)
		} else {
			ctrl.API = srv
			svc.api = srv
		}
	} else {
		logger.Info("API is disabled, enable by setting `api.enabled` to `true` and use commands like `tapline reload`.")
	}

	return &StartedApplication{
		svc:     svc,
		shared:  shared,
		crashes: ac.Crashes,
		rx:      rx,
		loader:  reloadLoader(h, svc.loadOpts, logger),
	}
}

func startHeartbeat(ctx context.Context, logger *slog.Logger) *metrics.ResourceCollector {
	c, err := metrics.NewResourceCollector(metrics.ResourceConfig{Interval: heartbeatInterval, Logger: logger})
	if err != nil {
		logger.Warn("Process resource sampling is unavailable.", "error", err)
		return nil
	}
	if err := c.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("Failed to register resource metrics.", "error", err)
	}
	c.Start(ctx)
	return c
}

// Run prepares, starts, runs and shuts the application down, returning the
// exit code for the process.
func Run(ctx context.Context, opts Options) ExitCode {
	a, err := Prepare(ctx, opts)
	if err != nil {
		return CodeOf(err)
	}
	return a.Start(ctx).Main(ctx).Shutdown(context.WithoutCancel(ctx))
}
