package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/tapline/internal/history"
	"github.com/loykin/tapline/internal/signal"
	"github.com/loykin/tapline/internal/topology"
)

const cleanupTimeout = 5 * time.Second

// FinishedApplication has left the run loop and knows why.
type FinishedApplication struct {
	svc    *services
	shared *topology.Shared
	rx     *signal.Receiver
	signal signal.Signal
}

// Signal is the request that ended the run: Shutdown, possibly carrying the
// error that caused it, or Quit.
func (f *FinishedApplication) Signal() signal.Signal { return f.signal }

// Shutdown stops the application. On a graceful shutdown the topology drains
// unless another signal arrives first, which forces an immediate exit. It
// panics if any other holder of the controller is still alive.
func (f *FinishedApplication) Shutdown(ctx context.Context) ExitCode {
	if f.svc == nil {
		panic("finished application already consumed")
	}
	svc, shared := f.svc, f.shared
	f.svc, f.shared = nil, nil

	ctrl, err := shared.TryIntoInner()
	if err != nil {
		panic(fmt.Sprintf("cannot shut down: %v", err))
	}

	var code ExitCode
	var event history.EventType
	switch f.signal.Kind {
	case signal.Shutdown:
		code, event = f.stop(ctx, svc, ctrl)
	default:
		code, event = quit(svc)
	}
	svc.record(event, ctrl.Topology, "")

	for _, t := range svc.internal {
		if err := t.Stop(ctx); err != nil {
			svc.logger.Warn("Internal topology did not stop cleanly.", "error", err)
		}
	}
	cleanup(svc)
	return code
}

// stop races a graceful stop of the controller against the next signal.
func (f *FinishedApplication) stop(ctx context.Context, svc *services, ctrl *topology.Controller) (ExitCode, history.EventType) {
	if err := f.signal.Err; err != nil {
		svc.logger.Error("Tapline has stopped due to an error.", "error", err)
	} else {
		svc.logger.Info("Tapline has stopped.")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- ctrl.Stop(ctx) }()

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	forced := make(chan struct{})
	go func() {
		_, err := f.rx.Recv(recvCtx)
		var lag *signal.LaggedError
		if err == nil || errors.As(err, &lag) {
			close(forced)
		}
	}()

	select {
	case err := <-stopped:
		if err != nil {
			svc.logger.Error("Topology did not stop cleanly.", "error", err)
		}
		return ExitOK, history.EventStopped
	case <-forced:
		return quit(svc)
	}
}

func quit(svc *services) (ExitCode, history.EventType) {
	svc.logger.Info("Tapline has quit.")
	return ExitUnavailable, history.EventQuit
}

// cleanup releases what Start set up. The API server is stopped here too in
// case the controller never got to it.
func cleanup(svc *services) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if svc.api != nil {
		_ = svc.api.Stop(ctx)
	}
	svc.handler.Close()
	svc.bgCancel()
	if svc.collector != nil {
		svc.collector.Stop()
	}
	if svc.metricsSrv != nil {
		if err := svc.metricsSrv.Shutdown(ctx); err != nil {
			svc.logger.Warn("Metrics endpoint did not stop cleanly.", "error", err)
		}
	}
	if err := svc.recorder.Close(ctx); err != nil {
		svc.logger.Warn("Lifecycle history was not flushed.", "error", err)
	}
}
