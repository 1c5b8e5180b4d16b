package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"tailview/internal/buffer"
	"tailview/internal/catalog"
	"tailview/internal/config"
	"tailview/internal/event"
	"tailview/internal/filebuffer"
	"tailview/internal/logging"
	"tailview/internal/metrics"
	"tailview/internal/task"
)

const (
	shutdownTimeout = 5 * time.Second

	metaSourcePrimary   = "source.primary"
	metaSourceSecondary = "source.secondary"
)

type logBuffer = filebuffer.FileBuffer[*event.Record]

// app holds what a single command invocation shares: configuration, the
// logger, the task manager and the catalog.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	quiet      bool

	cfg      *config.Config
	log      *logging.Logger
	registry *metrics.Registry
	metrics  *metrics.EngineMetrics
	mgr      *task.Manager
	stderr   io.Writer

	catalogOnce sync.Once
	catalog     *catalog.Catalog
	catalogErr  error
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}

	lc, err := cfg.Logging.LoggerConfig()
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	lc.Writer = cmd.ErrOrStderr()
	lc.Component = ""
	base, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	// Library components fall back to slog.Default and add their own
	// component attribute.
	base = base.WithRun(logging.NewRunID())
	logging.SetDefault(base)

	a.cfg = cfg
	a.log = base.WithComponent("cli")
	a.stderr = cmd.ErrOrStderr()

	if cfg.Metrics.Enabled {
		a.registry = metrics.NewRegistry(cfg.Metrics.Namespace, "")
		metrics.SetDefault(a.registry)
		a.metrics = metrics.NewEngineMetrics(a.registry)
	}

	a.mgr = task.NewManager(task.Options{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
		Metrics:   a.metrics,
	})
	a.log.Debug("ready", "config", a.configPath, "data_dir", cfg.Storage.DataDir)
	return nil
}

// teardown stops the task manager before closing the catalog so the
// history recorder sees every terminal notification.
func (a *app) teardown() error {
	var errs []error
	if a.mgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.mgr.Shutdown(ctx))
		cancel()
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

// openCatalog opens the catalog on first use, records task history into
// it and prunes entries older than the retention window.
func (a *app) openCatalog() (*catalog.Catalog, error) {
	a.catalogOnce.Do(func() {
		c, err := catalog.Open(a.cfg.Storage.CatalogPath)
		if err != nil {
			a.catalogErr = err
			return
		}
		a.catalog = c
		a.mgr.AddListener(catalog.NewRecorder(c, nil))

		cutoff := a.cfg.HistoryCutoff(time.Now())
		if cutoff.IsZero() {
			return
		}
		n, err := c.PruneHistory(cutoff)
		if err != nil {
			a.log.Warn("prune task history", "error", err)
		} else if n > 0 {
			a.log.Debug("pruned task history", "removed", n)
		}
	})
	return a.catalog, a.catalogErr
}

func (a *app) bufferOptions() filebuffer.Options {
	return filebuffer.Options{
		Compression: a.cfg.Storage.Compression,
		SyncWrites:  a.cfg.Storage.SyncWrites,
		Metrics:     a.metrics,
	}
}

// codecFor reads the codec name recorded in the header of the file at path.
func codecFor(path string) (event.Codec, error) {
	h, err := filebuffer.ReadHeader(path)
	if err != nil {
		return nil, err
	}
	name := h.Get(filebuffer.MetaCodec)
	if name == "" {
		name = event.CodecJSON
	}
	return event.CodecByName(name)
}

// openBuffer opens an existing data file with the codec named in its header.
func (a *app) openBuffer(path string, writable bool) (*logBuffer, error) {
	path = a.cfg.ResolvePath(path)
	codec, err := codecFor(path)
	if err != nil {
		return nil, err
	}

	opts := a.bufferOptions()
	opts.Writable = writable
	fb, err := filebuffer.Open[*event.Record](path, codec, opts)
	if errors.Is(err, buffer.ErrStaleIndex) {
		return nil, fmt.Errorf("%w: run 'tailview reindex %s'", err, path)
	}
	if err != nil {
		return nil, err
	}
	a.track(fb)
	return fb, nil
}

// track registers fb in the catalog. Catalog failures are logged, never
// returned.
func (a *app) track(fb *logBuffer) {
	c, err := a.openCatalog()
	if err != nil {
		a.log.Warn("catalog unavailable", "error", err)
		return
	}

	h := fb.Header()
	dataPath, err := filepath.Abs(fb.DataFilePath())
	if err != nil {
		dataPath = fb.DataFilePath()
	}
	indexPath, err := filepath.Abs(fb.IndexFilePath())
	if err != nil {
		indexPath = fb.IndexFilePath()
	}
	_, err = c.Register(&catalog.Log{
		Source: event.SourceIdentifier{
			Primary:   h.Get(metaSourcePrimary),
			Secondary: h.Get(metaSourceSecondary),
		},
		DataPath:    dataPath,
		IndexPath:   indexPath,
		Codec:       h.Get(filebuffer.MetaCodec),
		Compression: h.Get(filebuffer.MetaCompression),
		RecordCount: fb.Size(),
	})
	if err != nil {
		a.log.Warn("register in catalog", "path", dataPath, "error", err)
	}
}

// touch updates the catalog's record count for fb.
func (a *app) touch(fb *logBuffer) {
	if a.catalog == nil {
		return
	}
	dataPath, err := filepath.Abs(fb.DataFilePath())
	if err != nil {
		dataPath = fb.DataFilePath()
	}
	if err := a.catalog.Touch(dataPath, fb.Size()); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		a.log.Warn("update catalog", "path", dataPath, "error", err)
	}
}

// runTask starts c and waits for it, drawing a progress bar unless quiet.
// When ctx ends first the task is canceled and its outcome returned.
func (a *app) runTask(ctx context.Context, c task.Callable, name, description string, metadata map[string]string) (any, error) {
	if _, err := a.openCatalog(); err != nil {
		a.log.Warn("task history disabled", "error", err)
	}

	var bar *progressListener
	if !a.quiet {
		bar = newProgressListener(a.stderr, description)
		a.mgr.AddListener(bar)
		defer a.mgr.RemoveListener(bar)
	}

	t := a.mgr.Start(c, name, description, metadata)
	if bar != nil {
		bar.follow(t)
	}

	result, err := t.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		a.mgr.Cancel(t)
		result, err = t.Wait(context.Background())
	}
	if bar != nil {
		bar.finish(err == nil)
	}
	return result, err
}
