package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/tapline/internal/app"
	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/loykin/tapline/pkg/client"
)

// runDaemon sets up logging and runs the application until it stops.
func runDaemon(cmd *cobra.Command, g *GlobalFlags, f *RunFlags) (app.ExitCode, error) {
	logCfg, deprecated, err := f.loggerConfig(os.LookupEnv)
	if err != nil {
		return app.ExitUsage, err
	}
	log := logCfg.NewSlogger()
	slog.SetDefault(log)
	if deprecated {
		log.Warn("DEPRECATED: use TAPLINE_LOG instead of LOG to set the log level.")
	}

	opts, err := f.options(cmd, g, log)
	if err != nil {
		return app.ExitUsage, err
	}
	if f.Threads != 0 {
		if err := app.InitWorkerThreads(f.Threads); err != nil {
			return app.CodeOf(err), err
		}
	}

	if f.Daemonize {
		if err := daemonize(f.PidFile, f.LogFile); err != nil {
			return app.ExitUnavailable, &app.ExitError{Code: app.ExitUnavailable, Err: err}
		}
		return app.ExitOK, nil
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			log.Warn("Failed to write PID file.", "path", f.PidFile, "error", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	return app.Run(cmd.Context(), opts), nil
}

// createValidateCommand checks config files without starting anything.
func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	var allowEmpty bool
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate configuration files and exit",
		Long: `Load the given configuration the same way the daemon does and check the
component graph. Exits with status 78 when the configuration is invalid.

Examples:
  tapline validate /etc/tapline/tapline.toml
  tapline validate --config-dir /etc/tapline/conf.d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			g := *globalFlags
			g.Config = append(append([]string(nil), g.Config...), args...)
			return validate(cmd, g.configPaths(), allowEmpty)
		},
	}
	cmd.Flags().BoolVar(&allowEmpty, "allow-empty-config", false, "allow a config without any source")
	return cmd
}

func validate(cmd *cobra.Command, paths []config.Path, allowEmpty bool) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	fail := func(errs []string) error {
		for _, e := range errs {
			_, _ = fmt.Fprintf(errOut, "x %s\n", e)
		}
		return &app.ExitError{Code: app.ExitConfig, Err: fmt.Errorf("validation failed: %d error(s)", len(errs))}
	}

	expanded, err := config.ProcessPaths(paths)
	if err != nil {
		return fail([]string{err.Error()})
	}
	cfg, errs := config.Load(cmd.Context(), expanded, config.LoadOptions{AllowEmpty: allowEmpty, Logger: slog.New(slog.DiscardHandler)})
	if len(errs) > 0 {
		return fail(errs)
	}
	for _, p := range expanded {
		_, _ = fmt.Fprintf(out, "√ Loaded %q\n", p.Path)
	}
	if errs := pipeline.Validate(cfg); len(errs) > 0 {
		return fail(errs)
	}
	_, _ = fmt.Fprintf(out, "√ Component graph: %d source(s), %d transform(s), %d sink(s)\n",
		len(cfg.Sources), len(cfg.Transforms), len(cfg.Sinks))
	_, _ = fmt.Fprintln(out, "Validated")
	return nil
}

func newClient(f *ClientFlags) *client.Client {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	cfg.Timeout = f.APITimeout
	return client.New(cfg)
}

func unavailable(err error) error {
	return &app.ExitError{Code: app.ExitUnavailable, Err: err}
}

// createReloadCommand asks a running daemon to reload.
func createReloadCommand(clientFlags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload [components...]",
		Short: "Reload the configuration of a running daemon",
		Long: `Ask a running daemon to reload its configuration from disk. When component
ids are given those components are restarted even if their configuration did
not change.

Examples:
  tapline reload
  tapline reload enrich audit --api-url=http://10.0.0.5:8686`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(clientFlags)
			var err error
			if len(args) > 0 {
				err = c.ReloadComponents(cmd.Context(), args...)
			} else {
				err = c.Reload(cmd.Context())
			}
			if err != nil {
				return unavailable(fmt.Errorf("reload: %w", err))
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Reload requested")
			return nil
		},
	}
	addClientFlags(cmd.Flags(), clientFlags)
	return cmd
}

// createStopCommand asks a running daemon to shut down gracefully.
func createStopCommand(clientFlags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(clientFlags).Shutdown(cmd.Context()); err != nil {
				return unavailable(fmt.Errorf("stop: %w", err))
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
			return nil
		},
	}
	addClientFlags(cmd.Flags(), clientFlags)
	return cmd
}

// createStatusCommand prints the component graph of a running daemon.
func createStatusCommand(clientFlags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running components of a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := newClient(clientFlags).Topology(cmd.Context())
			if err != nil {
				return unavailable(fmt.Errorf("status: %w", err))
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "generation %d\n", topo.Generation)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tKIND\tTYPE\tINPUTS\tRUNNING")
			for _, c := range topo.Components {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", c.Name, c.Kind, c.Type, strings.Join(c.Inputs, ","), c.Running)
			}
			return w.Flush()
		},
	}
	addClientFlags(cmd.Flags(), clientFlags)
	return cmd
}
