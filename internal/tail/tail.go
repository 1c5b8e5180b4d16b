// Package tail follows file buffers written by another process.
package tail

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period between a file change and the
// refresh it triggers.
const DefaultDebounce = 50 * time.Millisecond

// Refresher is a read-only file buffer that can pick up records appended
// by another process. *filebuffer.FileBuffer satisfies it.
type Refresher interface {
	Refresh() (uint64, error)
	IndexFilePath() string
	DataFilePath() string
	Follow() (unfollow func())
}

// Options configures a Follower.
type Options struct {
	// Debounce coalesces bursts of writes into one refresh.
	Debounce time.Duration

	// Interval, when positive, also refreshes on a timer. Useful on
	// filesystems without change notifications.
	Interval time.Duration

	// OnRefresh receives the buffer size after every refresh that grew it.
	OnRefresh func(size uint64)

	Logger *slog.Logger
}

// Follower keeps a Refresher up to date with its files.
type Follower struct {
	buf      Refresher
	opts     Options
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	unfollow func()

	indexPath string
	dataPath  string

	errors chan error
	kick   chan struct{}

	lastSize uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// Follow starts following buf. While the follower runs, buf reports
// Growing so filter tasks over it keep tailing.
func Follow(buf Refresher, opts Options) (*Follower, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	indexPath, err := filepath.Abs(buf.IndexFilePath())
	if err != nil {
		return nil, err
	}
	dataPath, err := filepath.Abs(buf.DataFilePath())
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: a reindex replaces the index file by rename.
	dirs := []string{filepath.Dir(indexPath)}
	if d := filepath.Dir(dataPath); d != dirs[0] {
		dirs = append(dirs, d)
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	f := &Follower{
		buf:       buf,
		opts:      opts,
		logger:    logger.With("component", "tail", "path", dataPath),
		watcher:   watcher,
		unfollow:  buf.Follow(),
		indexPath: indexPath,
		dataPath:  dataPath,
		errors:    make(chan error, 10),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	// Pick up anything written before the watch was in place.
	f.refresh()

	f.wg.Add(2)
	go f.eventLoop()
	go f.refreshLoop()
	f.logger.Debug("following")
	return f, nil
}

// Errors returns watcher and refresh errors. Errors are dropped when the
// channel is full.
func (f *Follower) Errors() <-chan error { return f.errors }

// Stop ends following. Afterwards the buffer no longer reports Growing
// on behalf of this follower.
func (f *Follower) Stop() error {
	f.stopOnce.Do(func() {
		close(f.done)
		f.stopErr = f.watcher.Close()
		f.wg.Wait()
		f.unfollow()
		f.logger.Debug("stopped following")
	})
	return f.stopErr
}

// eventLoop turns file events into refresh requests.
func (f *Follower) eventLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return

		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || (name != f.indexPath && name != f.dataPath) {
				continue
			}
			select {
			case f.kick <- struct{}{}:
			default:
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.report(err)
		}
	}
}

// refreshLoop refreshes once changes have been quiet for Debounce.
func (f *Follower) refreshLoop() {
	defer f.wg.Done()

	debounce := time.NewTimer(f.opts.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	var tick <-chan time.Time
	if f.opts.Interval > 0 {
		ticker := time.NewTicker(f.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-f.done:
			return
		case <-f.kick:
			debounce.Reset(f.opts.Debounce)
		case <-debounce.C:
			f.refresh()
		case <-tick:
			f.refresh()
		}
	}
}

func (f *Follower) refresh() {
	size, err := f.buf.Refresh()
	if err != nil {
		f.report(fmt.Errorf("refresh: %w", err))
		return
	}
	if size == f.lastSize {
		return
	}
	grew := size > f.lastSize
	f.lastSize = size
	f.logger.Debug("refreshed", "size", size)
	if grew && f.opts.OnRefresh != nil {
		f.opts.OnRefresh(size)
	}
}

func (f *Follower) report(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		// Events were lost; refresh to catch up.
		select {
		case f.kick <- struct{}{}:
		default:
		}
	}
	f.logger.Warn("follow error", "error", err)
	select {
	case f.errors <- err:
	default:
	}
}
