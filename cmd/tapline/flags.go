package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/tapline/internal/app"
	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/logger"
	"github.com/loykin/tapline/internal/watcher"
)

// envPrefix is the prefix of environment variables that stand in for flags,
// e.g. TAPLINE_WATCH_CONFIG for --watch-config.
const envPrefix = "tapline"

// DefaultConfigPath is used when no config location is given.
const DefaultConfigPath = "/etc/tapline/tapline.toml"

// GlobalFlags are shared by every command that reads config files.
type GlobalFlags struct {
	Config     []string
	ConfigTOML []string
	ConfigYAML []string
	ConfigJSON []string
	ConfigDirs []string
}

// RunFlags configure the daemon itself.
type RunFlags struct {
	RequireHealthy              bool
	AllowEmptyConfig            bool
	GracefulShutdownLimitSecs   uint64
	NoGracefulShutdownLimit     bool
	WatchConfig                 bool
	WatchConfigMethod           string
	WatchConfigPollIntervalSecs uint64
	InternalConfig              []string
	Threads                     int

	Verbose   int
	Quiet     int
	LogFormat string
	Color     string
	LogFile   string

	Daemonize bool
	PidFile   string
}

// ClientFlags select the API of a running daemon.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func addGlobalFlags(fs *pflag.FlagSet, f *GlobalFlags) {
	fs.StringArrayVarP(&f.Config, "config", "c", nil, "read configuration from a file; the format follows the extension (repeatable, globs allowed)")
	fs.StringArrayVar(&f.ConfigTOML, "config-toml", nil, "read configuration from a TOML file (repeatable)")
	fs.StringArrayVar(&f.ConfigYAML, "config-yaml", nil, "read configuration from a YAML file (repeatable)")
	fs.StringArrayVar(&f.ConfigJSON, "config-json", nil, "read configuration from a JSON file (repeatable)")
	fs.StringArrayVarP(&f.ConfigDirs, "config-dir", "C", nil, "read every config file in a directory (repeatable)")
}

func addRunFlags(cmd *cobra.Command, f *RunFlags) {
	fs := cmd.Flags()
	fs.BoolVar(&f.RequireHealthy, "require-healthy", false, "exit on startup or reject a reload if any sink fails its healthcheck")
	fs.BoolVar(&f.AllowEmptyConfig, "allow-empty-config", false, "allow a config without any source")
	fs.Uint64Var(&f.GracefulShutdownLimitSecs, "graceful-shutdown-limit-secs", 60, "seconds to wait for the topology to drain on shutdown")
	fs.BoolVar(&f.NoGracefulShutdownLimit, "no-graceful-shutdown-limit", false, "wait for the topology to drain without a time limit")
	fs.BoolVarP(&f.WatchConfig, "watch-config", "w", false, "reload when a config file or a component's watch_files change")
	fs.StringVar(&f.WatchConfigMethod, "watch-config-method", string(watcher.MethodRecommended), "how to watch config files: recommended or poll")
	fs.Uint64Var(&f.WatchConfigPollIntervalSecs, "watch-config-poll-interval-seconds", 30, "poll interval for --watch-config-method=poll")
	fs.StringArrayVar(&f.InternalConfig, "internal-config", nil, "start an additional internal topology from a file (repeatable)")
	fs.IntVarP(&f.Threads, "threads", "t", 0, "number of worker threads (default: number of CPUs)")

	fs.CountVarP(&f.Verbose, "verbose", "v", "more log output (repeatable)")
	fs.CountVarP(&f.Quiet, "quiet", "q", "less log output (repeatable)")
	fs.StringVar(&f.LogFormat, "log-format", string(logger.FormatText), "log format: text or json")
	fs.StringVar(&f.Color, "color", "auto", "colored log output: auto, always or never")
	fs.StringVar(&f.LogFile, "log-file", "", "also write logs to a rotated file")

	fs.BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	fs.StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")

	cmd.MarkFlagsMutuallyExclusive("graceful-shutdown-limit-secs", "no-graceful-shutdown-limit")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

func addClientFlags(fs *pflag.FlagSet, f *ClientFlags) {
	fs.StringVar(&f.APIUrl, "api-url", "", "URL of the daemon API (default http://127.0.0.1:8686)")
	fs.DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

// bindEnv fills every flag that was not given on the command line from its
// TAPLINE_* environment variable. List flags take comma separated values.
func bindEnv(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		val := v.GetString(f.Name)
		values := []string{val}
		if strings.HasSuffix(f.Value.Type(), "Array") || strings.HasSuffix(f.Value.Type(), "Slice") {
			values = strings.Split(val, ",")
		}
		for _, s := range values {
			if serr := cmd.Flags().Set(f.Name, strings.TrimSpace(s)); serr != nil {
				err = fmt.Errorf("invalid value %q for %s_%s: %w", val, strings.ToUpper(envPrefix), strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), serr)
				return
			}
		}
	})
	return err
}

// configPaths collects every config location in the order given, falling
// back to DefaultConfigPath.
func (g *GlobalFlags) configPaths() []config.Path {
	var out []config.Path
	for _, s := range g.Config {
		out = append(out, config.ParsePath(s))
	}
	for _, s := range g.ConfigTOML {
		out = append(out, config.Path{Path: s, Format: config.FormatTOML})
	}
	for _, s := range g.ConfigYAML {
		out = append(out, config.Path{Path: s, Format: config.FormatYAML})
	}
	for _, s := range g.ConfigJSON {
		out = append(out, config.Path{Path: s, Format: config.FormatJSON})
	}
	for _, s := range g.ConfigDirs {
		out = append(out, config.Path{Path: s})
	}
	if len(out) == 0 {
		out = append(out, config.Path{Path: DefaultConfigPath})
	}
	return out
}

func usageErr(format string, args ...any) error {
	return &app.ExitError{Code: app.ExitUsage, Err: fmt.Errorf(format, args...)}
}

// options turns the flags into application options.
func (f *RunFlags) options(cmd *cobra.Command, g *GlobalFlags, log *slog.Logger) (app.Options, error) {
	if f.GracefulShutdownLimitSecs == 0 {
		return app.Options{}, usageErr("--graceful-shutdown-limit-secs must be greater than 0")
	}
	method, err := watcher.ParseMethod(f.WatchConfigMethod)
	if err != nil {
		return app.Options{}, usageErr("%v", err)
	}
	if f.WatchConfigPollIntervalSecs == 0 {
		return app.Options{}, usageErr("--watch-config-poll-interval-seconds must be greater than 0")
	}

	opts := app.Options{
		ConfigPaths:             g.configPaths(),
		AllowEmptyConfig:        f.AllowEmptyConfig,
		GracefulShutdownLimit:   time.Duration(f.GracefulShutdownLimitSecs) * time.Second,
		NoGracefulShutdownLimit: f.NoGracefulShutdownLimit,
		WatchConfig:             f.WatchConfig,
		WatchConfigMethod:       method,
		WatchPollInterval:       time.Duration(f.WatchConfigPollIntervalSecs) * time.Second,
		Logger:                  log,
	}
	if cmd.Flags().Changed("require-healthy") {
		v := f.RequireHealthy
		opts.RequireHealthy = &v
	}
	for _, s := range f.InternalConfig {
		opts.InternalConfigPaths = append(opts.InternalConfigPaths, config.ParsePath(s))
	}
	return opts, nil
}

// logLevel maps -v/-q to a level. TAPLINE_LOG (or the deprecated LOG) wins.
func (f *RunFlags) logLevel() logger.Level {
	switch {
	case f.Verbose >= 1:
		return logger.LevelDebug
	case f.Quiet == 1:
		return logger.LevelWarn
	case f.Quiet >= 2:
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// loggerConfig builds the logging setup and reports whether the deprecated
// LOG variable picked the level.
func (f *RunFlags) loggerConfig(lookup func(string) (string, bool)) (logger.Config, bool, error) {
	level, deprecated := logger.ResolveLevel(f.logLevel(), lookup)
	cfg := logger.DefaultConfig()
	cfg.Slog.Level = level
	switch logger.Format(f.LogFormat) {
	case logger.FormatText, logger.FormatJSON:
		cfg.Slog.Format = logger.Format(f.LogFormat)
	default:
		return cfg, false, usageErr("unknown log format %q (want text or json)", f.LogFormat)
	}
	switch f.Color {
	case "always":
		cfg.Slog.Color = true
	case "never":
	case "auto":
		cfg.Slog.Color = isatty.IsTerminal(os.Stderr.Fd())
	default:
		return cfg, false, usageErr("unknown color mode %q (want auto, always or never)", f.Color)
	}
	cfg.File.Path = f.LogFile
	return cfg, deprecated, nil
}
