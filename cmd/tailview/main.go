// tailview imports, filters, searches and follows event buffer files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

// run executes one command line and releases everything the command
// opened, whether or not it failed.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tailview",
		Short: "Inspect, filter and follow event buffer files",
		Long: `tailview works with event buffer files: an append-only data file of
encoded records plus a fixed-width index that gives random access by row.

Filters and searches run as background tasks with progress, and can keep
following a file while another process appends to it.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: search ./config.* then the user config dir)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "hide progress bars")

	root.AddCommand(
		newImportCmd(a),
		newInfoCmd(a),
		newReindexCmd(a),
		newFilterCmd(a),
		newFindCmd(a),
		newExportCmd(a),
		newTailCmd(a),
		newCatalogCmd(a),
		newConfigCmd(a),
	)
	return root
}
