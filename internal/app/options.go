package app

import (
	"log/slog"
	"time"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/loykin/tapline/internal/watcher"
)

// DefaultGracefulShutdownLimit bounds the topology drain on shutdown.
const DefaultGracefulShutdownLimit = 60 * time.Second

// Options are the run options of the daemon, usually filled from the command line.
type Options struct {
	ConfigPaths []config.Path
	// InternalConfigPaths are started as separate internal topologies next to
	// the main one. They are not reloaded.
	InternalConfigPaths []config.Path
	// RequireHealthy overrides healthchecks.require_healthy when set.
	RequireHealthy   *bool
	AllowEmptyConfig bool

	GracefulShutdownLimit   time.Duration
	NoGracefulShutdownLimit bool

	WatchConfig       bool
	WatchConfigMethod watcher.Method
	WatchPollInterval time.Duration

	Logger *slog.Logger
	// Extra is handed to every component factory.
	Extra pipeline.Extra
}

// GracefulShutdownDuration resolves the drain bound. Zero means unbounded.
func (o Options) GracefulShutdownDuration() time.Duration {
	if o.NoGracefulShutdownLimit {
		return 0
	}
	if o.GracefulShutdownLimit <= 0 {
		return DefaultGracefulShutdownLimit
	}
	return o.GracefulShutdownLimit
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) loadOptions() config.LoadOptions {
	return config.LoadOptions{AllowEmpty: o.AllowEmptyConfig, Logger: o.logger()}
}
