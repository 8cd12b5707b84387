package topology

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/stretchr/testify/require"
)

func init() {
	pipeline.RegisterSink("topology_test_fail_open", func(pipeline.BuildContext) (pipeline.Sink, error) {
		return failOpenSink{}, nil
	})
	pipeline.RegisterSink("topology_test_unhealthy", func(pipeline.BuildContext) (pipeline.Sink, error) {
		return unhealthySink{}, nil
	})
}

type drain struct{}

func (drain) Run(_ context.Context, in <-chan pipeline.Event) error {
	for range in {
	}
	return nil
}

type failOpenSink struct{ drain }

func (failOpenSink) Open(context.Context) error { return errors.New("cannot open") }

type unhealthySink struct{ drain }

func (unhealthySink) Healthcheck(context.Context) error { return errors.New("unreachable") }

type fakeAPI struct {
	mu      sync.Mutex
	updates int
	stopped bool
}

func (f *fakeAPI) UpdateConfig(context.Context, *config.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func (f *fakeAPI) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func baseConfig() *config.Config {
	cfg := config.New()
	cfg.Sources["in"] = config.ComponentConfig{Type: "generator", Options: map[string]any{"interval": "5ms"}}
	cfg.Sinks["out"] = config.ComponentConfig{Type: "blackhole", Inputs: []string{"in"}}
	return cfg
}

func withSink(cfg *config.Config, name, typ string) *config.Config {
	next := cfg.Clone()
	next.Sinks[name] = config.ComponentConfig{Type: typ, Inputs: []string{"in"}}
	return next
}

func newController(t *testing.T, cfg *config.Config) (*Controller, *fakeAPI) {
	t.Helper()
	topo, _, err := pipeline.Start(context.Background(), cfg, nil)
	require.NoError(t, err)
	api := &fakeAPI{}
	c := &Controller{Topology: topo, API: api}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = topo.Stop(ctx)
	})
	return c, api
}

func loadAll(ctx context.Context, paths []config.Path) (*config.Config, []string) {
	return config.Load(ctx, paths, config.LoadOptions{})
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func tempConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tapline.toml")
	writeConfig(t, p, content)
	return p
}

func idOf(s pipeline.Snapshot, name string) string {
	for _, c := range s.Components {
		if c.Name == name {
			return c.InstanceID
		}
	}
	return ""
}
