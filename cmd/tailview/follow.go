package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"tailview/internal/event"
	"tailview/internal/filtering"
	"tailview/internal/tail"
	"tailview/internal/view"
)

func newTailCmd(a *app) *cobra.Command {
	var (
		cf     conditionFlags
		lines  uint64
		output string
	)

	cmd := &cobra.Command{
		Use:   "tail <data-file>",
		Short: "Follow a data file and print matching records as they are appended",
		Long: `Tail prints the last --lines matching records and then every matching
record another process appends, until interrupted. When metrics.listen_addr
is set the engine metrics are served on /metrics while tailing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.build()
			if err != nil {
				return err
			}
			printer, err := newRecordPrinter(cmd.OutOrStdout(), output)
			if err != nil {
				return err
			}

			fb, err := a.openBuffer(args[0], false)
			if err != nil {
				return err
			}
			defer fb.Close()
			defer a.touch(fb)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if addr := a.cfg.Metrics.ListenAddr; addr != "" && a.registry != nil {
				bound, done, err := a.registry.Serve(ctx, addr)
				if err != nil {
					return fmt.Errorf("serve metrics: %w", err)
				}
				a.log.Info("serving metrics", "addr", bound.String())
				defer func() {
					cancel()
					if err := <-done; err != nil {
						a.log.Warn("metrics server", "error", err)
					}
				}()
			}

			rows := make(chan uint64, 1)
			v := view.New(a.mgr, fb, view.Options{
				Name:         filepath.Base(fb.DataFilePath()),
				BatchSize:    a.cfg.Filter.BatchSize,
				Follow:       true,
				PollInterval: a.cfg.PollInterval(),
				OnRowsChanged: func(n uint64) {
					select {
					case <-rows:
					default:
					}
					rows <- n
				},
				Metrics: a.metrics,
			})
			defer v.Close()
			if err := v.SetFilter(c); err != nil {
				return err
			}

			follower, err := tail.Follow(fb, tail.Options{
				Debounce: a.cfg.TailDebounce(),
				Interval: a.cfg.TailInterval(),
				OnRefresh: func(size uint64) {
					a.log.Debug("data file grew", "records", size)
				},
			})
			if err != nil {
				return err
			}
			defer follower.Stop()

			var printed uint64
			first := true
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-follower.Errors():
					a.log.Warn("follow", "error", err)
				case n := <-rows:
					if first {
						first = false
						if n > lines {
							printed = n - lines
						}
					}
					if n < printed {
						printed = n
					}
					for ; printed < n; printed++ {
						rec, err := v.Row(printed)
						if err != nil {
							return err
						}
						if err := printer.print(sourceRow(v, printed), rec); err != nil {
							return err
						}
					}
				}
			}
		},
	}

	cf.register(cmd)
	flags := cmd.Flags()
	flags.Uint64VarP(&lines, "lines", "n", 10, "number of existing records to print first")
	flags.StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

// sourceRow maps a displayed row of v to its row in the data file.
func sourceRow(v *view.View, row uint64) uint64 {
	if fb, ok := v.Displayed().(*filtering.Buffer[*event.Record]); ok {
		if src, err := fb.SourceIndex(row); err == nil {
			return src
		}
	}
	return row
}
