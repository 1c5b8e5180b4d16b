package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"tailview/internal/event"
	"tailview/internal/task"
)

var (
	accent  = lipgloss.Color("#FF5F5F")
	warn    = lipgloss.Color("#FFAF00")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	errorStyle   = lipgloss.NewStyle().Foreground(accent).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warn)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
)

func levelStyle(l event.Level) lipgloss.Style {
	switch {
	case l >= event.LevelError:
		return errorStyle
	case l == event.LevelWarn:
		return warnStyle
	case l <= event.LevelDebug:
		return mutedStyle
	default:
		return lipgloss.NewStyle()
	}
}

// recordPrinter writes records as styled text lines or as JSON lines.
type recordPrinter struct {
	w    io.Writer
	json bool
}

func newRecordPrinter(w io.Writer, output string) (*recordPrinter, error) {
	switch output {
	case "", "text":
		return &recordPrinter{w: w}, nil
	case "json":
		return &recordPrinter{w: w, json: true}, nil
	default:
		return nil, fmt.Errorf("unknown output %q (want text or json)", output)
	}
}

func (p *recordPrinter) print(row uint64, r *event.Record) error {
	if p.json {
		data, err := event.JSONCodec{}.Encode(r)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "%s\n", data)
		return err
	}

	var b strings.Builder
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%6d", row)))
	b.WriteString("  ")
	b.WriteString(mutedStyle.Render(r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")))
	b.WriteString("  ")
	b.WriteString(levelStyle(r.Level).Render(fmt.Sprintf("%-5s", r.Level)))
	if r.Logger != "" {
		b.WriteString("  ")
		b.WriteString(titleStyle.Render(r.Logger))
	}
	b.WriteString("  ")
	b.WriteString(r.Message)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("  ")
		b.WriteString(mutedStyle.Render(k + "="))
		b.WriteString(r.Fields[k])
	}
	_, err := fmt.Fprintln(p.w, b.String())
	return err
}

// field prints one "label: value" line.
func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", mutedStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// progressListener draws the progress of one task. Notifications for
// other tasks are ignored.
type progressListener struct {
	task atomic.Pointer[task.Task]

	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	done bool
}

func newProgressListener(w io.Writer, description string) *progressListener {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &progressListener{bar: bar}
}

func (p *progressListener) follow(t *task.Task) { p.task.Store(t) }

func (p *progressListener) TaskCreated(*task.Task)            {}
func (p *progressListener) ExecutionFinished(*task.Task, any) {}
func (p *progressListener) ExecutionFailed(*task.Task, error) {}
func (p *progressListener) ExecutionCanceled(*task.Task)      {}

func (p *progressListener) ProgressUpdated(t *task.Task, percent int) {
	if p.task.Load() != t {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		_ = p.bar.Set(percent)
	}
}

// finish clears the bar. Later notifications are ignored.
func (p *progressListener) finish(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	if ok {
		_ = p.bar.Finish()
	} else {
		_ = p.bar.Exit()
	}
}
