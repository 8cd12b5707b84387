package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/tapline/internal/history"
	"github.com/loykin/tapline/internal/metrics"
	"github.com/loykin/tapline/internal/signal"
	"github.com/loykin/tapline/internal/topology"
)

// StartedApplication is running and waits in Main for a reason to stop.
type StartedApplication struct {
	svc     *services
	shared  *topology.Shared
	crashes <-chan error
	rx      *signal.Receiver
	loader  topology.Loader
}

// Main applies reload signals until a shutdown or quit signal arrives, a
// component crashes, every source finishes or ctx is done. Cancelling ctx is
// treated as a graceful shutdown request.
func (s *StartedApplication) Main(ctx context.Context) *FinishedApplication {
	if s.svc == nil {
		panic("started application already consumed")
	}
	svc, shared, crashes := s.svc, s.shared, s.crashes
	s.svc, s.shared, s.crashes = nil, nil, nil
	lockCtx := context.WithoutCancel(ctx)

	var term signal.Signal
	for done := false; !done; {
		ctrl, unlock, err := shared.Lock(lockCtx)
		if err != nil {
			// The handle is ours until Main returns, so this cannot happen.
			panic(err)
		}
		topo := ctrl.Topology
		finished := topo.SourcesFinished()
		if !topo.HasSources() {
			finished = nil
		}
		unlock()

		select {
		case <-s.rx.Notify():
			term, done = s.handleSignal(ctx, svc, shared)
		case err, ok := <-crashes:
			if !ok {
				crashes = nil
				continue
			}
			svc.record(history.EventCrashed, topo, fmt.Sprint(err))
			term, done = signal.NewShutdown(err), true
		case <-finished:
			svc.logger.Info("All sources have finished.")
			term, done = signal.NewShutdown(nil), true
		case <-ctx.Done():
			term, done = signal.NewShutdown(nil), true
		}
	}

	if svc.api != nil {
		svc.api.ReleaseController()
	}
	return &FinishedApplication{svc: svc, shared: shared, rx: s.rx, signal: term}
}

// handleSignal takes one entry off the signal channel. Reloads are applied
// inline; terminating signals are returned with done set.
func (s *StartedApplication) handleSignal(ctx context.Context, svc *services, shared *topology.Shared) (signal.Signal, bool) {
	sig, err := s.rx.TryRecv()
	var lag *signal.LaggedError
	switch {
	case errors.Is(err, signal.ErrEmpty):
		return signal.Signal{}, false
	case errors.As(err, &lag):
		svc.logger.Warn(fmt.Sprintf("Overflow, dropped %d signals.", lag.Skipped))
		metrics.AddSignalsDropped(lag.Skipped)
		return signal.Signal{}, false
	case err != nil:
		// Every sender is gone.
		return signal.NewShutdown(nil), true
	}

	metrics.IncSignal(sig.Kind.String())
	switch sig.Kind {
	case signal.ReloadFromDisk, signal.ReloadComponents, signal.ReloadFromConfigBuilder:
		out := s.reload(ctx, svc, shared, sig)
		if out.IsFatal() {
			return signal.NewShutdown(out.Err), true
		}
		return signal.Signal{}, false
	case signal.Shutdown, signal.Quit:
		return sig, true
	default:
		svc.logger.Warn("Ignoring unknown signal.", "signal", sig.String())
		return signal.Signal{}, false
	}
}

func (s *StartedApplication) reload(ctx context.Context, svc *services, shared *topology.Shared, sig signal.Signal) topology.Outcome {
	// Reloads are not interrupted by ctx.
	rctx := context.WithoutCancel(ctx)
	ctrl, unlock, err := shared.Lock(rctx)
	if err != nil {
		panic(err)
	}
	defer unlock()

	var out topology.Outcome
	switch sig.Kind {
	case signal.ReloadFromDisk:
		out = ctrl.ReloadFromDisk(rctx, s.loader)
	case signal.ReloadComponents:
		out = ctrl.ReloadComponents(rctx, sig.Components, s.loader)
	case signal.ReloadFromConfigBuilder:
		if sig.Config == nil {
			svc.logger.Warn("Ignoring reload without a config.")
			return topology.Outcome{Kind: topology.NoOp}
		}
		out = ctrl.ReloadFromBuilder(rctx, sig.Config, svc.loadOpts)
	}

	switch out.Kind {
	case topology.Applied:
		svc.record(history.EventReloaded, ctrl.Topology, sig.String())
	case topology.Rejected:
		svc.record(history.EventReloadRejected, ctrl.Topology, strings.Join(out.Errors, "; "))
	case topology.FatalError:
		svc.record(history.EventCrashed, ctrl.Topology, out.Err.Error())
	}
	return out
}
