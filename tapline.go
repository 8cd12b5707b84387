// Package tapline embeds the tapline daemon: register custom components, then
// hand a set of config paths to Run.
package tapline

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tapline/internal/app"
	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/metrics"
	"github.com/loykin/tapline/internal/pipeline"
)

// Re-export core types for external consumers.

type Options = app.Options

type ExitCode = app.ExitCode

type ExitError = app.ExitError

const (
	ExitOK          = app.ExitOK
	ExitUsage       = app.ExitUsage
	ExitUnavailable = app.ExitUnavailable
	ExitConfig      = app.ExitConfig
)

// ExitStatus maps code to the process exit status.
func ExitStatus(code ExitCode) int { return app.ExitStatus(code) }

type ConfigPath = config.Path

type (
	Event        = pipeline.Event
	Extra        = pipeline.Extra
	BuildContext = pipeline.BuildContext
	Output       = pipeline.Output
	Source       = pipeline.Source
	Transform    = pipeline.Transform
	Sink         = pipeline.Sink
)

// Run prepares, starts and runs the daemon until it stops, then returns the
// process exit code.
func Run(ctx context.Context, opts Options) ExitCode { return app.Run(ctx, opts) }

// Prepare loads the configuration and builds the topology without starting
// the control loop. The caller drives Start, Main and Shutdown.
func Prepare(ctx context.Context, opts Options) (*app.Application, error) {
	return app.Prepare(ctx, opts)
}

func ParseConfigPath(s string) ConfigPath { return config.ParsePath(s) }

// Validate loads paths and checks the component graph. It returns every
// problem found.
func Validate(ctx context.Context, paths []ConfigPath) []string {
	expanded, err := config.ProcessPaths(paths)
	if err != nil {
		return []string{err.Error()}
	}
	cfg, errs := config.Load(ctx, expanded, config.LoadOptions{})
	if len(errs) > 0 {
		return errs
	}
	return pipeline.Validate(cfg)
}

func RegisterSource(typ string, f func(BuildContext) (Source, error)) {
	pipeline.RegisterSource(typ, f)
}

func RegisterTransform(typ string, f func(BuildContext) (Transform, error)) {
	pipeline.RegisterTransform(typ, f)
}

func RegisterSink(typ string, f func(BuildContext) (Sink, error)) {
	pipeline.RegisterSink(typ, f)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
