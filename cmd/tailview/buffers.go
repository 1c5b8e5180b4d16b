package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"tailview/internal/buffer"
	"tailview/internal/event"
	"tailview/internal/filebuffer"
)

func newImportCmd(a *app) *cobra.Command {
	var (
		codecName   string
		compression string
		source      string
	)

	cmd := &cobra.Command{
		Use:   "import <data-file> [jsonl-file...]",
		Short: "Append JSON lines to a data file, creating it if needed",
		Long: `Import reads one JSON record per line from the given files, or from
stdin when none are given or a file is "-", and appends them to the data
file. Records are stamped with consecutive sequence numbers continuing
from the last record in the file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.ResolvePath(args[0])

			if codecName == "" {
				codecName = a.cfg.Storage.Codec
			}
			codec, err := event.CodecByName(codecName)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !cmd.Flags().Changed("codec") {
				if codec, err = codecFor(path); err != nil {
					return err
				}
			}

			opts := a.bufferOptions()
			opts.Writable = true
			if compression != "" {
				opts.Compression = compression
			}
			src := parseSource(source)
			if !src.IsZero() {
				opts.Metadata = map[string]string{
					metaSourcePrimary:   src.Primary,
					metaSourceSecondary: src.Secondary,
				}
			}

			fb, err := filebuffer.OpenOrCreate[*event.Record](path, codec, opts)
			if err != nil {
				return err
			}
			defer fb.Close()

			var next uint64
			if n := fb.Size(); n > 0 {
				last, err := fb.Get(n - 1)
				if err != nil {
					return err
				}
				next = last.Sequence + 1
			}
			seq := event.NewSequencer(next)

			inputs := args[1:]
			if len(inputs) == 0 {
				inputs = []string{"-"}
			}
			var imported uint64
			for _, name := range inputs {
				n, err := importFile(cmd.Context(), cmd.InOrStdin(), name, fb, seq, src)
				imported += n
				if err != nil {
					return err
				}
			}

			a.track(fb)
			a.log.Info("import finished", "path", path, "imported", imported, "records", fb.Size())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d records into %s (%d total)\n",
				successStyle.Render("imported"), imported, path, fb.Size())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&codecName, "codec", "", "record codec for new files: json or cbor (default from config)")
	flags.StringVar(&compression, "compression", "", "record compression for new files: none, gzip or zstd (default from config)")
	flags.StringVar(&source, "source", "", "source for records without one, as primary or primary/secondary")
	return cmd
}

func importFile(ctx context.Context, stdin io.Reader, name string, fb *logBuffer, seq *event.Sequencer, src event.SourceIdentifier) (uint64, error) {
	if name == "-" {
		return importLines(ctx, stdin, "stdin", fb, seq, src)
	}
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return importLines(ctx, f, name, fb, seq, src)
}

// importLines appends one record per non-blank line of r.
func importLines(ctx context.Context, r io.Reader, name string, fb *logBuffer, seq *event.Sequencer, src event.SourceIdentifier) (uint64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), filebuffer.MaxRecordSize)

	var n uint64
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}

		rec, err := event.JSONCodec{}.Decode(text)
		if err != nil {
			return n, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		if rec.Source.IsZero() {
			rec.Source = src
		}
		seq.Stamp(rec)
		if err := fb.Append(rec); err != nil {
			return n, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read %s: %w", name, err)
	}
	return n, nil
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <data-file>",
		Short: "Show the header, size and time range of a data file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.ResolvePath(args[0])
			h, err := filebuffer.ReadHeader(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render(path))
			field(out, "version", h.Version)
			keys := make([]string, 0, len(h.Metadata))
			for k := range h.Metadata {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				field(out, k, h.Metadata[k])
			}

			fb, err := a.openBuffer(path, false)
			if errors.Is(err, buffer.ErrStaleIndex) {
				field(out, "index", warnStyle.Render("stale, run 'tailview reindex'"))
				return nil
			}
			if err != nil {
				return err
			}
			defer fb.Close()

			field(out, "records", fb.Size())
			if st, err := os.Stat(fb.DataFilePath()); err == nil {
				field(out, "data", fmt.Sprintf("%s (%s)", fb.DataFilePath(), formatBytes(st.Size())))
			}
			if st, err := os.Stat(fb.IndexFilePath()); err == nil {
				field(out, "index", fmt.Sprintf("%s (%s)", fb.IndexFilePath(), formatBytes(st.Size())))
			}
			if n := fb.Size(); n > 0 {
				first, err := fb.Get(0)
				if err != nil {
					return err
				}
				last, err := fb.Get(n - 1)
				if err != nil {
					return err
				}
				field(out, "first", first.Timestamp.UTC().Format(time.RFC3339Nano))
				field(out, "last", last.Timestamp.UTC().Format(time.RFC3339Nano))
			}
			return nil
		},
	}
}

func newReindexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <data-file>",
		Short: "Rebuild the index of a data file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.ResolvePath(args[0])
			r := &filebuffer.Reindexer{
				DataPath:  path,
				BatchSize: a.cfg.Find.BatchSize,
				Metrics:   a.metrics,
			}
			result, err := a.runTask(cmd.Context(), r, "reindex", "Reindexing", map[string]string{"path": path})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %d records in %s\n",
				successStyle.Render("indexed"), result.(uint64), path)
			if fb, err := a.openBuffer(path, false); err == nil {
				fb.Close()
			}
			return nil
		},
	}
}
