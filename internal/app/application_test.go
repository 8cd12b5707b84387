package app

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/loykin/tapline/internal/signal"
	"github.com/loykin/tapline/internal/watcher"
	"github.com/loykin/tapline/pkg/client"
)

func TestShutdownSignalStopsGracefully(t *testing.T) {
	a, h := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	s := a.Start(context.Background())

	h.Send(signal.NewShutdown(nil))
	f := s.Main(context.Background())
	require.Equal(t, signal.Shutdown, f.Signal().Kind)
	assert.NoError(t, f.Signal().Err)
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
}

func TestQuitExitsUnavailable(t *testing.T) {
	a, h := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	s := a.Start(context.Background())

	h.Send(signal.NewQuit())
	f := s.Main(context.Background())
	require.Equal(t, signal.Quit, f.Signal().Kind)
	assert.Equal(t, ExitUnavailable, f.Shutdown(context.Background()))
}

func TestSecondSignalForcesQuit(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	opts := optionsFor(tempConfig(t, baseDoc+`
[sinks.slow]
type = "app_test_slow"
inputs = ["in"]
`))
	opts.Extra = pipeline.Extra{"release": release}
	a, h := newApp(t, opts)
	s := a.Start(context.Background())

	// The second request is still queued when the drain starts.
	h.Send(signal.NewShutdown(nil))
	h.Send(signal.NewShutdown(nil))
	f := s.Main(context.Background())
	assert.Equal(t, ExitUnavailable, f.Shutdown(context.Background()))
}

func TestCrashShutsDownWithError(t *testing.T) {
	a, _ := newApp(t, optionsFor(tempConfig(t, baseDoc+`
[sources.broken]
type = "app_test_crash"
`)))
	s := a.Start(context.Background())

	f := waitFinished(t, runMain(context.Background(), s))
	require.Equal(t, signal.Shutdown, f.Signal().Kind)
	require.Error(t, f.Signal().Err)
	assert.Contains(t, f.Signal().Err.Error(), "boom")
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
}

func TestAllSourcesFinished(t *testing.T) {
	a, _ := newApp(t, optionsFor(tempConfig(t, `
[sources.in]
type = "generator"
interval = "1ms"
count = 3

[sinks.out]
type = "blackhole"
inputs = ["in"]
`)))
	s := a.Start(context.Background())

	f := waitFinished(t, runMain(context.Background(), s))
	require.Equal(t, signal.Shutdown, f.Signal().Kind)
	assert.NoError(t, f.Signal().Err)
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
}

func TestEmptyTopologyRunsUntilSignalled(t *testing.T) {
	opts := optionsFor(tempConfig(t, ""))
	opts.AllowEmptyConfig = true
	a, h := newApp(t, opts)
	s := a.Start(context.Background())

	done := runMain(context.Background(), s)
	select {
	case <-done:
		t.Fatal("Main returned without a reason")
	case <-time.After(200 * time.Millisecond):
	}
	h.Send(signal.NewShutdown(nil))
	assert.Equal(t, ExitOK, waitFinished(t, done).Shutdown(context.Background()))
}

func TestClosedChannelShutsDown(t *testing.T) {
	a, h := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	s := a.Start(context.Background())

	h.Close()
	f := waitFinished(t, runMain(context.Background(), s))
	require.Equal(t, signal.Shutdown, f.Signal().Kind)
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
}

func TestContextCancelShutsDown(t *testing.T) {
	a, _ := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	s := a.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := runMain(ctx, s)
	cancel()
	f := waitFinished(t, done)
	require.Equal(t, signal.Shutdown, f.Signal().Kind)
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
}

func TestLaggingReceiverKeepsRunning(t *testing.T) {
	a, h := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	s := a.Start(context.Background())

	for i := 0; i < signal.DefaultCapacity+50; i++ {
		h.Send(signal.NewReloadFromDisk())
	}
	h.Send(signal.NewShutdown(nil))

	f := waitFinished(t, runMain(context.Background(), s))
	require.Equal(t, signal.Shutdown, f.Signal().Kind)
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
}

func historyEvents(t *testing.T, path string) []string {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	rows, err := db.Query("SELECT event FROM tapline_history ORDER BY rowid")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var e string
		require.NoError(t, rows.Scan(&e))
		out = append(out, e)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestReloadsAreAppliedInline(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	cfgPath := filepath.Join(dir, "tapline.toml")
	header := fmt.Sprintf("[history]\ndsn = %q\n", dbPath)
	writeFile(t, cfgPath, header+baseDoc)

	a, h := newApp(t, optionsFor(cfgPath))
	topo := a.Config().Topology
	s := a.Start(context.Background())
	done := runMain(context.Background(), s)

	writeFile(t, cfgPath, header+baseDoc+"\n[sinks.audit]\ntype = \"blackhole\"\ninputs = [\"in\"]\n")
	h.Send(signal.NewReloadFromDisk())
	require.Eventually(t, func() bool { return topo.Generation() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, topo.Config().Sinks, "audit")

	writeFile(t, cfgPath, "[sources.in\n")
	h.Send(signal.NewReloadFromDisk())
	h.Send(signal.NewReloadFromConfigBuilder(config.NewBuilder("test", []byte(baseDoc), config.FormatTOML)))
	require.Eventually(t, func() bool { return topo.Generation() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, topo.Config().Sinks, "audit")

	h.Send(signal.NewShutdown(nil))
	require.Equal(t, ExitOK, waitFinished(t, done).Shutdown(context.Background()))

	assert.Equal(t, []string{"started", "reloaded", "reload_rejected", "reloaded", "stopped"}, historyEvents(t, dbPath))
}

func TestReloadComponentsRestartsNamedComponents(t *testing.T) {
	a, h := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	topo := a.Config().Topology
	before := topo.Snapshot()
	s := a.Start(context.Background())
	done := runMain(context.Background(), s)

	h.Send(signal.NewReloadComponents("out"))
	require.Eventually(t, func() bool { return topo.Generation() == 2 }, 5*time.Second, 10*time.Millisecond)
	after := topo.Snapshot()
	ids := func(sn pipeline.Snapshot) map[string]string {
		m := map[string]string{}
		for _, c := range sn.Components {
			m[c.Name] = c.InstanceID
		}
		return m
	}
	assert.Equal(t, ids(before)["in"], ids(after)["in"])
	assert.NotEqual(t, ids(before)["out"], ids(after)["out"])
	assert.Equal(t, []string{"out"}, topo.ReloadSet())

	h.Send(signal.NewShutdown(nil))
	assert.Equal(t, ExitOK, waitFinished(t, done).Shutdown(context.Background()))
}

func TestWatchConfigReloads(t *testing.T) {
	cfgPath := tempConfig(t, baseDoc)
	opts := optionsFor(cfgPath)
	opts.WatchConfig = true
	opts.WatchConfigMethod = watcher.MethodPoll
	opts.WatchPollInterval = 20 * time.Millisecond
	a, h := newApp(t, opts)
	topo := a.Config().Topology
	s := a.Start(context.Background())
	done := runMain(context.Background(), s)

	writeFile(t, cfgPath, baseDoc+"\n[sinks.audit]\ntype = \"blackhole\"\ninputs = [\"in\"]\n")
	require.Eventually(t, func() bool { return topo.Generation() == 2 }, 5*time.Second, 10*time.Millisecond)

	h.Send(signal.NewShutdown(nil))
	assert.Equal(t, ExitOK, waitFinished(t, done).Shutdown(context.Background()))
}

func TestProviderConfigReplacesFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(baseDoc + "\n[sinks.remote]\ntype = \"blackhole\"\ninputs = [\"in\"]\n"))
	}))
	defer srv.Close()

	a, h := newApp(t, optionsFor(tempConfig(t, fmt.Sprintf("[provider]\nurl = %q\n", srv.URL+"/pipeline.toml"))))
	assert.Contains(t, a.Config().Topology.Config().Sinks, "remote")

	s := a.Start(context.Background())
	h.Send(signal.NewShutdown(nil))
	assert.Equal(t, ExitOK, s.Main(context.Background()).Shutdown(context.Background()))
}

func TestInternalTopologiesStopWithTheApplication(t *testing.T) {
	opts := optionsFor(tempConfig(t, baseDoc))
	opts.InternalConfigPaths = []config.Path{{Path: tempConfig(t, baseDoc)}}
	a, h := newApp(t, opts)
	require.Len(t, a.Config().InternalTopologies, 1)
	internal := a.Config().InternalTopologies[0]

	s := a.Start(context.Background())
	h.Send(signal.NewQuit())
	assert.Equal(t, ExitUnavailable, s.Main(context.Background()).Shutdown(context.Background()))

	// Stopped topologies hand out closed watch streams.
	ch, cancel := internal.Watch()
	defer cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestAPIShutdownRequest(t *testing.T) {
	a, _ := newApp(t, optionsFor(tempConfig(t, baseDoc+"\n[api]\nenabled = true\naddress = \"127.0.0.1:0\"\n")))
	s := a.Start(context.Background())
	require.NotNil(t, s.svc.api)
	addr := s.svc.api.Addr().String()
	done := runMain(context.Background(), s)

	c := client.New(client.Config{BaseURL: "http://" + addr})
	require.True(t, c.IsReachable(context.Background()))
	topo, err := c.Topology(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, topo.Generation)
	require.NoError(t, c.Shutdown(context.Background()))

	f := waitFinished(t, done)
	require.Equal(t, signal.Shutdown, f.Signal().Kind)
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
	assert.False(t, c.IsReachable(context.Background()))
}

func TestAPIStartFailureAborts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	a, _ := newApp(t, optionsFor(tempConfig(t, baseDoc+fmt.Sprintf("\n[api]\nenabled = true\naddress = %q\n", l.Addr().String()))))
	s := a.Start(context.Background())
	assert.Nil(t, s.svc.api)

	f := waitFinished(t, runMain(context.Background(), s))
	require.Error(t, f.Signal().Err)
	assert.Contains(t, f.Signal().Err.Error(), "api listen")
	assert.Equal(t, ExitOK, f.Shutdown(context.Background()))
}

func TestPrepareFailuresAreConfigErrors(t *testing.T) {
	cases := map[string]Options{
		"missing file":   optionsFor(filepath.Join(t.TempDir(), "nope.toml")),
		"no sources":     optionsFor(tempConfig(t, "")),
		"unknown type":   optionsFor(tempConfig(t, "[sources.in]\ntype = \"nope\"\n")),
		"bad watch mode": func() Options { o := optionsFor(tempConfig(t, baseDoc)); o.WatchConfig = true; o.WatchConfigMethod = "inotify"; return o }(),
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			tx, rx := signal.NewChannel(signal.DefaultCapacity)
			h := signal.NewHandler(tx, quietLogger())
			defer h.Close()
			_, err := NewApplication(context.Background(), opts, h, rx)
			require.Error(t, err)
			assert.Equal(t, ExitConfig, CodeOf(err))
		})
	}
}

func TestPhasesAreConsumed(t *testing.T) {
	a, h := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	s := a.Start(context.Background())
	assert.PanicsWithValue(t, "application already consumed", func() { a.Start(context.Background()) })

	h.Send(signal.NewShutdown(nil))
	f := s.Main(context.Background())
	assert.PanicsWithValue(t, "started application already consumed", func() { s.Main(context.Background()) })

	f.Shutdown(context.Background())
	assert.PanicsWithValue(t, "finished application already consumed", func() { f.Shutdown(context.Background()) })
}

func TestShutdownPanicsWhileControllerIsShared(t *testing.T) {
	a, h := newApp(t, optionsFor(tempConfig(t, baseDoc)))
	topo := a.Config().Topology
	t.Cleanup(func() {
		h.Close()
		_ = topo.Stop(context.Background())
	})
	s := a.Start(context.Background())
	h.Send(signal.NewShutdown(nil))
	f := s.Main(context.Background())

	extra := f.shared.Clone()
	defer extra.Release()
	assert.Panics(t, func() { f.Shutdown(context.Background()) })
}
