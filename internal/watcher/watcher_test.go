package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/signal"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func recv(t *testing.T, rx *signal.Receiver) signal.Signal {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sig, err := rx.Recv(ctx)
	require.NoError(t, err)
	return sig
}

func assertQuiet(t *testing.T, rx *signal.Receiver, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	sig, err := rx.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected signal %s", sig)
}

type setup struct {
	dir, cfgPath, tplPath string
	rx                    *signal.Receiver
	cancel                context.CancelFunc
}

func start(t *testing.T, cfg Config) *setup {
	t.Helper()
	dir := t.TempDir()
	s := &setup{dir: dir, cfgPath: filepath.Join(dir, "tapline.toml"), tplPath: filepath.Join(dir, "enrich.json")}
	write(t, s.cfgPath, "[sources.in]\ntype = \"generator\"\n")
	write(t, s.tplPath, `{"env":"prod"}`)

	tx, rx := signal.NewChannel(signal.DefaultCapacity)
	s.rx = rx
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	t.Cleanup(cancel)
	err := Spawn(ctx, cfg, tx, []string{s.cfgPath}, []config.ComponentFiles{
		{Name: "enrich", Files: []string{s.tplPath}},
		{Name: "audit", Files: []string{s.tplPath}},
	})
	require.NoError(t, err)
	return s
}

func TestNotifyConfigChange(t *testing.T) {
	s := start(t, Config{Method: MethodRecommended, Debounce: 50 * time.Millisecond})
	write(t, s.cfgPath, "[sources.in]\ntype = \"generator\"\n[sinks.out]\ntype = \"blackhole\"\n")
	assert.Equal(t, signal.ReloadFromDisk, recv(t, s.rx).Kind)
}

func TestNotifyComponentChange(t *testing.T) {
	s := start(t, Config{Method: MethodRecommended, Debounce: 50 * time.Millisecond})
	write(t, s.tplPath, `{"env":"staging"}`)
	sig := recv(t, s.rx)
	assert.Equal(t, signal.ReloadComponents, sig.Kind)
	assert.Equal(t, []string{"audit", "enrich"}, sig.Components)
}

func TestNotifyAtomicReplace(t *testing.T) {
	s := start(t, Config{Method: MethodRecommended, Debounce: 50 * time.Millisecond})
	tmp := filepath.Join(s.dir, ".tapline.toml.swp")
	write(t, tmp, "[sources.other]\ntype = \"generator\"\n")
	require.NoError(t, os.Rename(tmp, s.cfgPath))
	assert.Equal(t, signal.ReloadFromDisk, recv(t, s.rx).Kind)
}

func TestNotifyIgnoresUnchangedContent(t *testing.T) {
	s := start(t, Config{Method: MethodRecommended, Debounce: 30 * time.Millisecond})
	write(t, s.cfgPath, "[sources.in]\ntype = \"generator\"\n")
	write(t, filepath.Join(s.dir, "unrelated.txt"), "x")
	assertQuiet(t, s.rx, 300*time.Millisecond)
}

func TestPoll(t *testing.T) {
	s := start(t, Config{Method: MethodPoll, PollInterval: 20 * time.Millisecond})
	assertQuiet(t, s.rx, 100*time.Millisecond)

	write(t, s.cfgPath, "[sources.in]\ntype = \"generator\"\ncount = 1\n")
	assert.Equal(t, signal.ReloadFromDisk, recv(t, s.rx).Kind)

	require.NoError(t, os.Remove(s.tplPath))
	sig := recv(t, s.rx)
	assert.Equal(t, signal.ReloadComponents, sig.Kind)
}

func TestClosesSenderOnCancel(t *testing.T) {
	s := start(t, Config{Method: MethodPoll, PollInterval: time.Hour})
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.rx.Recv(ctx)
	assert.ErrorIs(t, err, signal.ErrClosed)
}

func TestSpawnErrors(t *testing.T) {
	tx, rx := signal.NewChannel(signal.DefaultCapacity)
	err := Spawn(context.Background(), Config{}, tx, []string{filepath.Join(t.TempDir(), "missing", "tapline.toml")}, nil)
	require.Error(t, err)
	_, err = rx.TryRecv()
	assert.ErrorIs(t, err, signal.ErrClosed)

	tx, _ = signal.NewChannel(signal.DefaultCapacity)
	err = Spawn(context.Background(), Config{Method: "inotify"}, tx, nil, nil)
	assert.Error(t, err)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodRecommended, m)
	m, err = ParseMethod("poll")
	require.NoError(t, err)
	assert.Equal(t, MethodPoll, m)
	_, err = ParseMethod("kqueue")
	assert.Error(t, err)
}
