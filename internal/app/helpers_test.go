package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/loykin/tapline/internal/signal"
)

const baseDoc = `
[sources.in]
type = "generator"
interval = "5ms"

[sinks.out]
type = "blackhole"
inputs = ["in"]
`

func init() {
	pipeline.RegisterSource("app_test_crash", func(pipeline.BuildContext) (pipeline.Source, error) {
		return crashSource{}, nil
	})
	pipeline.RegisterSink("app_test_slow", func(bc pipeline.BuildContext) (pipeline.Sink, error) {
		release, _ := bc.Extra["release"].(chan struct{})
		return slowSink{release: release}, nil
	})
}

type crashSource struct{}

func (crashSource) Run(context.Context, pipeline.Output) error { return errors.New("boom") }

// slowSink drains its input and then holds the shutdown until released.
type slowSink struct{ release chan struct{} }

func (s slowSink) Run(_ context.Context, in <-chan pipeline.Event) error {
	for range in {
	}
	if s.release != nil {
		<-s.release
	}
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func tempConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tapline.toml")
	writeFile(t, p, content)
	return p
}

func optionsFor(paths ...string) Options {
	opts := Options{Logger: quietLogger(), GracefulShutdownLimit: 5 * time.Second}
	for _, p := range paths {
		opts.ConfigPaths = append(opts.ConfigPaths, config.Path{Path: p})
	}
	return opts
}

// newApp prepares an application driven by a private signal channel instead
// of OS signals.
func newApp(t *testing.T, opts Options) (*Application, *signal.Handler) {
	t.Helper()
	tx, rx := signal.NewChannel(signal.DefaultCapacity)
	h := signal.NewHandler(tx, quietLogger())
	a, err := NewApplication(context.Background(), opts, h, rx)
	require.NoError(t, err)
	return a, h
}

// runMain runs Main in the background and returns the channel it reports on.
func runMain(ctx context.Context, s *StartedApplication) <-chan *FinishedApplication {
	ch := make(chan *FinishedApplication, 1)
	go func() { ch <- s.Main(ctx) }()
	return ch
}

func waitFinished(t *testing.T, ch <-chan *FinishedApplication) *FinishedApplication {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(10 * time.Second):
		t.Fatal("Main did not return")
		return nil
	}
}
