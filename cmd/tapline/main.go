package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/tapline/internal/app"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var code app.ExitCode
	root := buildRoot(&code)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		var ee *app.ExitError
		if errors.As(err, &ee) {
			return app.ExitStatus(ee.Code)
		}
		// Flag parsing and argument errors.
		return app.ExitStatus(app.ExitUsage)
	}
	return app.ExitStatus(code)
}

// buildRoot creates the command tree. The daemon's exit code is stored in code.
func buildRoot(code *app.ExitCode) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	clientFlags := &ClientFlags{}

	root := createRootCommand(globalFlags, runFlags, code)
	root.AddCommand(
		createValidateCommand(globalFlags),
		createReloadCommand(clientFlags),
		createStopCommand(clientFlags),
		createStatusCommand(clientFlags),
	)
	return root
}

// createRootCommand runs the daemon when no subcommand is given.
func createRootCommand(globalFlags *GlobalFlags, runFlags *RunFlags, code *app.ExitCode) *cobra.Command {
	root := &cobra.Command{
		Use:   "tapline",
		Short: "Telemetry pipeline daemon",
		Long: `tapline runs a pipeline of sources, transforms and sinks and keeps it running:
configuration changes are applied without dropping in-flight data, a component
crash shuts the pipeline down in order, and a second interrupt forces an exit.

Every flag can also be set through a TAPLINE_* environment variable, e.g.
TAPLINE_WATCH_CONFIG=true for --watch-config. TAPLINE_LOG sets the log level.

Examples:
  tapline --config /etc/tapline/tapline.toml
  tapline -c 'conf.d/*.yaml' --watch-config
  tapline validate --config pipeline.toml
  tapline reload                      # ask a running daemon to reload`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindEnv(cmd); err != nil {
				return usageErr("%v", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := runDaemon(cmd, globalFlags, runFlags)
			*code = c
			return err
		},
	}
	addGlobalFlags(root.PersistentFlags(), globalFlags)
	addRunFlags(root, runFlags)
	return root
}
