package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tapline/internal/app"
	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/logger"
	"github.com/loykin/tapline/internal/watcher"
)

func newRunCmd(t *testing.T, args ...string) (*cobra.Command, *GlobalFlags, *RunFlags) {
	t.Helper()
	g, f := &GlobalFlags{}, &RunFlags{}
	cmd := &cobra.Command{Use: "test"}
	addGlobalFlags(cmd.Flags(), g)
	addRunFlags(cmd, f)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, g, f
}

func TestConfigPaths(t *testing.T) {
	g := &GlobalFlags{}
	assert.Equal(t, []config.Path{{Path: DefaultConfigPath}}, g.configPaths())

	g = &GlobalFlags{
		Config:     []string{"a.toml"},
		ConfigYAML: []string{"b.conf"},
		ConfigJSON: []string{"c"},
		ConfigDirs: []string{"conf.d"},
	}
	paths := g.configPaths()
	require.Len(t, paths, 4)
	assert.Equal(t, "a.toml", paths[0].Path)
	assert.Equal(t, config.Path{Path: "b.conf", Format: config.FormatYAML}, paths[1])
	assert.Equal(t, config.Path{Path: "c", Format: config.FormatJSON}, paths[2])
	assert.Equal(t, config.Path{Path: "conf.d"}, paths[3])
}

func TestBindEnv(t *testing.T) {
	t.Setenv("TAPLINE_WATCH_CONFIG", "true")
	t.Setenv("TAPLINE_CONFIG", "a.toml, b.toml")
	t.Setenv("TAPLINE_GRACEFUL_SHUTDOWN_LIMIT_SECS", "15")

	cmd, g, f := newRunCmd(t, "--graceful-shutdown-limit-secs", "5")
	require.NoError(t, bindEnv(cmd))

	assert.True(t, f.WatchConfig)
	assert.Equal(t, []string{"a.toml", "b.toml"}, g.Config)
	// Flags given on the command line win over the environment.
	assert.Equal(t, uint64(5), f.GracefulShutdownLimitSecs)
}

func TestBindEnvInvalid(t *testing.T) {
	t.Setenv("TAPLINE_THREADS", "many")
	cmd, _, _ := newRunCmd(t)
	err := bindEnv(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TAPLINE_THREADS")
}

func TestOptions(t *testing.T) {
	cmd, g, f := newRunCmd(t, "-c", "x.toml", "--graceful-shutdown-limit-secs", "7", "-w",
		"--watch-config-method", "poll", "--internal-config", "internal.yaml")
	opts, err := f.options(cmd, g, nil)
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, opts.GracefulShutdownLimit)
	assert.True(t, opts.WatchConfig)
	assert.Equal(t, watcher.MethodPoll, opts.WatchConfigMethod)
	assert.Equal(t, 30*time.Second, opts.WatchPollInterval)
	assert.Nil(t, opts.RequireHealthy)
	require.Len(t, opts.InternalConfigPaths, 1)
	assert.Equal(t, "internal.yaml", opts.InternalConfigPaths[0].Path)

	cmd, g, f = newRunCmd(t, "--require-healthy=false")
	opts, err = f.options(cmd, g, nil)
	require.NoError(t, err)
	require.NotNil(t, opts.RequireHealthy)
	assert.False(t, *opts.RequireHealthy)
}

func TestOptionsErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--graceful-shutdown-limit-secs", "0"},
		{"--watch-config-method", "inotify"},
		{"--watch-config-poll-interval-seconds", "0"},
	} {
		cmd, g, f := newRunCmd(t, args...)
		_, err := f.options(cmd, g, nil)
		require.Error(t, err, args)
		assert.Equal(t, app.ExitUsage, app.CodeOf(err), args)
	}
}

func TestLoggerConfig(t *testing.T) {
	none := func(string) (string, bool) { return "", false }

	_, _, f := newRunCmd(t, "-qq", "--log-format", "json", "--color", "always", "--log-file", "/tmp/t.log")
	cfg, deprecated, err := f.loggerConfig(none)
	require.NoError(t, err)
	assert.False(t, deprecated)
	assert.Equal(t, logger.LevelError, cfg.Slog.Level)
	assert.Equal(t, logger.FormatJSON, cfg.Slog.Format)
	assert.True(t, cfg.Slog.Color)
	assert.Equal(t, "/tmp/t.log", cfg.File.Path)

	_, _, f = newRunCmd(t, "-v")
	cfg, deprecated, err = f.loggerConfig(func(k string) (string, bool) {
		if k == logger.EnvLevelDeprecated {
			return "warn", true
		}
		return "", false
	})
	require.NoError(t, err)
	assert.True(t, deprecated)
	assert.Equal(t, logger.LevelWarn, cfg.Slog.Level)

	_, _, f = newRunCmd(t, "--color", "sometimes")
	_, _, err = f.loggerConfig(none)
	assert.Equal(t, app.ExitUsage, app.CodeOf(err))

	_, _, f = newRunCmd(t, "--log-format", "xml")
	_, _, err = f.loggerConfig(none)
	assert.Equal(t, app.ExitUsage, app.CodeOf(err))
}
