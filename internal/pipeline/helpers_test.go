package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/tapline/internal/config"
	"github.com/stretchr/testify/require"
)

func init() {
	RegisterSink("test_capture", newCaptureSink)
	RegisterSink("test_fail_open", func(BuildContext) (Sink, error) { return failOpenSink{}, nil })
	RegisterSink("test_unhealthy", func(BuildContext) (Sink, error) { return unhealthySink{}, nil })
	RegisterSink("test_stuck", func(BuildContext) (Sink, error) { return stuckSink{}, nil })
	RegisterSource("test_crash", func(BuildContext) (Source, error) { return crashSource{}, nil })
	RegisterSource("test_panic", func(BuildContext) (Source, error) { return panicSource{}, nil })
}

// capture collects events per sink name. Tests hand it to sinks through Extra.
type capture struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newCapture() *capture { return &capture{events: map[string][]Event{}} }

func (c *capture) add(name string, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[name] = append(c.events[name], ev)
}

func (c *capture) get(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events[name]...)
}

type captureSink struct {
	name string
	c    *capture
}

func newCaptureSink(bc BuildContext) (Sink, error) {
	c, ok := bc.Extra["capture"].(*capture)
	if !ok {
		return nil, errors.New("capture missing from extra")
	}
	return &captureSink{name: bc.Name, c: c}, nil
}

func (s *captureSink) Run(_ context.Context, in <-chan Event) error {
	for ev := range in {
		s.c.add(s.name, ev)
	}
	return nil
}

type failOpenSink struct{}

func (failOpenSink) Open(context.Context) error { return errors.New("cannot open") }
func (failOpenSink) Run(_ context.Context, in <-chan Event) error {
	for range in {
	}
	return nil
}

type unhealthySink struct{}

func (unhealthySink) Healthcheck(context.Context) error { return errors.New("downstream unreachable") }
func (unhealthySink) Run(_ context.Context, in <-chan Event) error {
	for range in {
	}
	return nil
}

// stuckSink never reads its input and only returns on hard cancellation.
type stuckSink struct{}

func (stuckSink) Run(ctx context.Context, _ <-chan Event) error {
	<-ctx.Done()
	return ctx.Err()
}

type crashSource struct{}

func (crashSource) Run(context.Context, Output) error { return errors.New("disk on fire") }

type panicSource struct{}

func (panicSource) Run(context.Context, Output) error { panic("unexpected") }

func component(typ string, inputs []string, opts map[string]any) config.ComponentConfig {
	return config.ComponentConfig{Type: typ, Inputs: inputs, Options: opts}
}

// finiteGen emits n events as fast as possible and finishes.
func finiteGen(n int) config.ComponentConfig {
	return component("generator", nil, map[string]any{"count": n, "interval": "0s"})
}

// endlessGen emits until cancelled.
func endlessGen() config.ComponentConfig {
	return component("generator", nil, map[string]any{"interval": "5ms"})
}

func captureSinkOf(inputs ...string) config.ComponentConfig {
	return component("test_capture", inputs, nil)
}

func newConfig(sources, transforms, sinks map[string]config.ComponentConfig) *config.Config {
	cfg := config.New()
	for k, v := range sources {
		cfg.Sources[k] = v
	}
	for k, v := range transforms {
		cfg.Transforms[k] = v
	}
	for k, v := range sinks {
		cfg.Sinks[k] = v
	}
	return cfg
}

func startTopology(t *testing.T, cfg *config.Config, c *capture) (*RunningTopology, <-chan error) {
	t.Helper()
	topo, crashes, err := Start(context.Background(), cfg, Extra{"capture": c})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = topo.Stop(ctx)
	})
	return topo, crashes
}

func instanceIDs(s Snapshot) map[string]string {
	out := map[string]string{}
	for _, c := range s.Components {
		out[c.Name] = c.InstanceID
	}
	return out
}

func waitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}
