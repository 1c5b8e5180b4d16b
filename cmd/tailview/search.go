package main

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/spf13/cobra"

	"tailview/internal/buffer"
	"tailview/internal/condition"
	"tailview/internal/event"
	"tailview/internal/export"
	"tailview/internal/filebuffer"
	"tailview/internal/filtering"
	"tailview/internal/find"
)

var errNoCondition = errors.New("no condition given (use --condition or a shorthand flag such as --level)")

func describe(c condition.Condition) string {
	if c == nil {
		return "all records"
	}
	return c.String()
}

// filter runs a filter task over src to completion and returns the rows
// it matched. The caller disposes the result.
func (a *app) filter(ctx context.Context, src buffer.Buffer[*event.Record], c condition.Condition) (*filtering.Buffer[*event.Record], error) {
	target := filtering.NewBuffer[*event.Record](src, c)
	ft := &filtering.Task[*event.Record]{
		Target:       target,
		BatchSize:    a.cfg.Filter.BatchSize,
		PollInterval: a.cfg.PollInterval(),
		Metrics:      a.metrics,
	}
	_, err := a.runTask(ctx, ft, "filter", "Filtering", map[string]string{"condition": describe(c)})
	if err != nil {
		target.Dispose()
		return nil, err
	}
	return target, nil
}

func newFilterCmd(a *app) *cobra.Command {
	var (
		cf        conditionFlags
		limit     uint64
		output    string
		countOnly bool
	)

	cmd := &cobra.Command{
		Use:   "filter <data-file>",
		Short: "Print the records matching a condition",
		Example: `  tailview filter app.data --level warn --logger db.
  tailview filter app.data -c '{"type":"message_regex","pattern":"timeout after \\d+ms"}'
  tailview filter app.data -c @slow-queries.json --output json`,
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

			matched, err := a.filter(cmd.Context(), fb, c)
			if err != nil {
				return err
			}
			defer matched.Dispose()

			n := matched.Size()
			if countOnly {
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}
			for i := uint64(0); i < n && (limit == 0 || i < limit); i++ {
				row, err := matched.SourceIndex(i)
				if err != nil {
					return err
				}
				rec, err := matched.Get(i)
				if err != nil {
					return err
				}
				if err := printer.print(row, rec); err != nil {
					return err
				}
			}
			if !a.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render(
					fmt.Sprintf("%d of %d records match %s", n, fb.Size(), describe(c))))
			}
			return nil
		},
	}

	cf.register(cmd)
	flags := cmd.Flags()
	flags.Uint64VarP(&limit, "limit", "n", 0, "print at most this many records (0 for all)")
	flags.StringVarP(&output, "output", "o", "text", "output format: text or json")
	flags.BoolVar(&countOnly, "count", false, "print only the number of matching records")
	return cmd
}

func newFindCmd(a *app) *cobra.Command {
	var (
		cf       conditionFlags
		from     int64
		backward bool
		count    int
		output   string
	)

	cmd := &cobra.Command{
		Use:   "find <data-file>",
		Short: "Find the next records matching a condition from a row",
		Long: `Find scans from --from, inclusive, towards the end of the file (or the
start with --backward) and prints the first matching records. The scan
does not wrap around.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.build()
			if err != nil {
				return err
			}
			if c == nil {
				return errNoCondition
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

			dir := find.Forward
			start := from
			if backward {
				dir = find.Backward
				if start < 0 {
					start = int64(fb.Size()) - 1
				}
			} else if start < 0 {
				start = 0
			}

			found := 0
			for found < count {
				ft := &find.Task[*event.Record]{
					Buffer:    fb,
					Start:     start,
					Direction: dir,
					Predicate: c,
					BatchSize: a.cfg.Find.BatchSize,
					Metrics:   a.metrics,
				}
				result, err := a.runTask(cmd.Context(), ft, "find",
					fmt.Sprintf("Searching %s", dir), map[string]string{"condition": c.String()})
				if err != nil {
					return err
				}
				row := result.(int64)
				if row == find.NotFound {
					break
				}
				rec, err := fb.Get(uint64(row))
				if err != nil {
					return err
				}
				if err := printer.print(uint64(row), rec); err != nil {
					return err
				}
				found++
				if dir == find.Forward {
					start = row + 1
				} else {
					start = row - 1
				}
			}

			if found == 0 && !a.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("no match for "+c.String()))
			}
			return nil
		},
	}

	cf.register(cmd)
	flags := cmd.Flags()
	flags.Int64Var(&from, "from", -1, "row to start at (default: first row, or last row with --backward)")
	flags.BoolVarP(&backward, "backward", "b", false, "search towards the start of the file")
	flags.IntVarP(&count, "count", "n", 1, "number of matches to print")
	flags.StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		cf          conditionFlags
		codecName   string
		compression string
	)

	cmd := &cobra.Command{
		Use:   "export <data-file> <dest-file>",
		Short: "Copy the records matching a condition into a new data file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.build()
			if err != nil {
				return err
			}
			if codecName == "" {
				codecName = a.cfg.Storage.Codec
			}
			codec, err := event.CodecByName(codecName)
			if err != nil {
				return err
			}

			fb, err := a.openBuffer(args[0], false)
			if err != nil {
				return err
			}
			defer fb.Close()

			var src buffer.Buffer[*event.Record] = fb
			if c != nil {
				matched, err := a.filter(cmd.Context(), fb, c)
				if err != nil {
					return err
				}
				defer matched.Dispose()
				src = matched
			}

			dest := a.cfg.ResolvePath(args[1])
			opts := a.bufferOptions()
			if compression != "" {
				opts.Compression = compression
			}
			opts.Metadata = maps.Clone(fb.Header().Metadata)
			delete(opts.Metadata, filebuffer.MetaCodec)
			delete(opts.Metadata, filebuffer.MetaCompression)

			ft := &export.FileTask{
				Source:    src,
				Path:      dest,
				Codec:     codec,
				Options:   opts,
				BatchSize: a.cfg.Filter.BatchSize,
			}
			result, err := a.runTask(cmd.Context(), ft, "export", "Exporting",
				map[string]string{"path": dest, "condition": describe(c)})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %d records to %s\n",
				successStyle.Render("exported"), result.(uint64), dest)
			if out, err := a.openBuffer(dest, false); err == nil {
				out.Close()
			}
			return nil
		},
	}

	cf.register(cmd)
	flags := cmd.Flags()
	flags.StringVar(&codecName, "codec", "", "record codec: json or cbor (default from config)")
	flags.StringVar(&compression, "compression", "", "record compression: none, gzip or zstd (default from config)")
	return cmd
}
