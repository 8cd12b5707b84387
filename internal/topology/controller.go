package topology

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/metrics"
	"github.com/loykin/tapline/internal/pipeline"
)

// APIServer is the part of the introspection server the controller drives.
type APIServer interface {
	UpdateConfig(ctx context.Context, cfg *config.Config) error
	Stop(ctx context.Context) error
}

// Loader turns config paths into a config. It returns human readable errors.
type Loader func(ctx context.Context, paths []config.Path) (*config.Config, []string)

// Controller owns the running topology and applies reload requests to it.
// It is not safe for concurrent use; share it through Shared.
type Controller struct {
	Topology *pipeline.RunningTopology
	// ConfigPaths are the paths given on the command line, before expansion.
	ConfigPaths []config.Path
	// RequireHealthy overrides healthchecks.require_healthy when set.
	RequireHealthy *bool
	API            APIServer
	Logger         *slog.Logger
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Reload applies cfg to the running topology.
func (c *Controller) Reload(ctx context.Context, cfg *config.Config) Outcome {
	started := time.Now()
	cfg.SetRequireHealthy(c.RequireHealthy)
	cfg.GracefulShutdownDuration = c.Topology.Config().GracefulShutdownDuration

	res, err := c.Topology.Reload(ctx, cfg)
	var out Outcome
	var rej *pipeline.RejectedError
	switch {
	case errors.As(err, &rej):
		out = c.rejected(rej.Errors)
	case err != nil:
		c.logger().Error("Reload failed, the running topology is in an unknown state.", "error", err)
		out = Outcome{Kind: FatalError, Err: err}
	case res == pipeline.ReloadNoop:
		c.logger().Info("No changes in configuration, nothing reloaded.")
		out = Outcome{Kind: NoOp}
	default:
		c.logger().Info("Configuration reloaded.", "generation", c.Topology.Generation())
		out = Outcome{Kind: Applied}
		if c.API != nil {
			if err := c.API.UpdateConfig(ctx, cfg); err != nil {
				c.logger().Warn("API server did not accept the new config", "error", err)
			}
		}
	}
	return c.record(out, started)
}

// ReloadFromDisk expands ConfigPaths, loads them and applies the result.
func (c *Controller) ReloadFromDisk(ctx context.Context, load Loader) Outcome {
	started := time.Now()
	paths, err := config.ProcessPaths(c.ConfigPaths)
	if err != nil {
		return c.record(c.rejected([]string{err.Error()}), started)
	}
	cfg, errs := load(ctx, paths)
	if len(errs) > 0 {
		return c.record(c.rejected(errs), started)
	}
	return c.Reload(ctx, cfg)
}

// ReloadFromBuilder builds an in-memory config and applies it.
func (c *Controller) ReloadFromBuilder(ctx context.Context, b *config.Builder, opts config.LoadOptions) Outcome {
	started := time.Now()
	cfg, errs := b.Build(ctx, opts)
	if len(errs) > 0 {
		return c.record(c.rejected(errs), started)
	}
	c.logger().Info("Reloading config from provider.", "source", b.Source())
	return c.Reload(ctx, cfg)
}

// ReloadComponents marks names for restart and reloads from disk. The marks
// stay in effect for later reloads.
func (c *Controller) ReloadComponents(ctx context.Context, names []string, load Loader) Outcome {
	c.Topology.ExtendReloadSet(names...)
	c.logger().Info("Reloading components.", "components", names)
	return c.ReloadFromDisk(ctx, load)
}

// Stop stops the API server and then the topology.
func (c *Controller) Stop(ctx context.Context) error {
	var apiErr error
	if c.API != nil {
		apiErr = c.API.Stop(ctx)
	}
	return errors.Join(apiErr, c.Topology.Stop(ctx))
}

func (c *Controller) rejected(errs []string) Outcome {
	for _, e := range errs {
		c.logger().Error(e)
	}
	c.logger().Warn("Reload rejected, continuing with the running configuration.")
	return Outcome{Kind: Rejected, Errors: errs}
}

func (c *Controller) record(out Outcome, started time.Time) Outcome {
	metrics.IncReload(out.Kind.String())
	metrics.ObserveReload(time.Since(started))
	return out
}
