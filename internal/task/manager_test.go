package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tailview/internal/metrics"
)

// recorder collects notifications as "<kind>:<task name>[:detail]" lines.
type recorder struct {
	mu     sync.Mutex
	events []string
	byTask map[string][]string
}

func newRecorder() *recorder {
	return &recorder{byTask: make(map[string][]string)}
}

func (r *recorder) add(t *Task, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, line)
	r.byTask[t.ID()] = append(r.byTask[t.ID()], line)
}

func (r *recorder) TaskCreated(t *Task) { r.add(t, "created") }
func (r *recorder) ProgressUpdated(t *Task, p int) {
	r.add(t, fmt.Sprintf("progress:%d", p))
}
func (r *recorder) ExecutionFinished(t *Task, result any) {
	r.add(t, fmt.Sprintf("finished:%v", result))
}
func (r *recorder) ExecutionFailed(t *Task, err error) { r.add(t, "failed") }
func (r *recorder) ExecutionCanceled(t *Task)          { r.add(t, "canceled") }

func (r *recorder) forTask(t *Task) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byTask[t.ID()]...)
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func wait(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not end", task.Name())
	}
}

// waitDelivered waits until every notification queued so far has reached
// the listeners.
func waitDelivered(t *testing.T, m *Manager) {
	t.Helper()
	done := make(chan struct{})
	m.Invoke(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop stalled")
	}
}

// blocker runs until released or canceled.
type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) Call(ctx context.Context, p Progress) (any, error) {
	close(b.started)
	select {
	case <-b.release:
		return "released", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// Lifecycle tests
// =============================================================================

func TestFinishedOrdering(t *testing.T) {
	m := newTestManager(t, Options{})
	rec := newRecorder()
	m.AddListener(rec)

	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		for i := int64(0); i <= 4; i++ {
			p.Report(i, 4)
		}
		return 42, nil
	}), "count", "counts to four", map[string]string{"k": "v"})

	wait(t, task)
	waitDelivered(t, m)

	assert.Equal(t, []string{
		"created",
		"progress:0",
		"progress:25",
		"progress:50",
		"progress:75",
		"progress:100",
		"finished:42",
	}, rec.forTask(task))

	assert.Equal(t, Finished, task.State())
	assert.Equal(t, 42, task.Result())
	assert.NoError(t, task.Err())
	assert.Equal(t, 100, task.Progress())
	assert.Equal(t, "counts to four", task.Description())
	assert.Equal(t, map[string]string{"k": "v"}, task.Metadata())
	assert.NotEmpty(t, task.ID())
	assert.False(t, task.Started().IsZero())
	assert.False(t, task.Ended().Before(task.Started()))
}

func TestProgressDeduplicated(t *testing.T) {
	m := newTestManager(t, Options{})
	rec := newRecorder()
	m.AddListener(rec)

	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		for i := int64(0); i < 1000; i++ {
			p.Report(i, 1000)
		}
		p.Report(0, 0)
		return nil, nil
	}), "dedup", "", nil)
	wait(t, task)
	waitDelivered(t, m)

	events := rec.forTask(task)
	seen := make(map[string]bool)
	for _, e := range events {
		assert.False(t, seen[e], "duplicate %s", e)
		seen[e] = true
	}
	assert.Equal(t, "created", events[0])
	assert.Equal(t, "finished:<nil>", events[len(events)-1])
}

func TestFailureWrapped(t *testing.T) {
	m := newTestManager(t, Options{})
	var (
		mu     sync.Mutex
		failed error
	)
	m.AddListener(&ListenerFuncs{OnFailed: func(_ *Task, err error) {
		mu.Lock()
		failed = err
		mu.Unlock()
	}})

	cause := errors.New("disk on fire")
	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		return nil, cause
	}), "broken", "", nil)
	wait(t, task)
	waitDelivered(t, m)

	assert.Equal(t, Failed, task.State())
	require.Error(t, task.Err())
	assert.ErrorIs(t, task.Err(), ErrTaskFailed)
	assert.ErrorIs(t, task.Err(), cause)

	var taskErr *Error
	require.ErrorAs(t, task.Err(), &taskErr)
	assert.Equal(t, task.ID(), taskErr.TaskID)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failed, cause)
}

func TestPanicBecomesFailure(t *testing.T) {
	m := newTestManager(t, Options{})
	rec := newRecorder()
	m.AddListener(rec)

	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		panic("boom")
	}), "panics", "", nil)
	wait(t, task)
	waitDelivered(t, m)

	assert.Equal(t, Failed, task.State())
	assert.ErrorIs(t, task.Err(), ErrPanic)
	assert.ErrorIs(t, task.Err(), ErrTaskFailed)
	assert.Equal(t, []string{"created", "failed"}, rec.forTask(task))

	// The manager keeps working.
	next := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		return "ok", nil
	}), "after", "", nil)
	wait(t, next)
	assert.Equal(t, Finished, next.State())
}

func TestListenerPanicDoesNotStopDispatch(t *testing.T) {
	m := newTestManager(t, Options{})
	m.AddListener(&ListenerFuncs{OnCreated: func(*Task) { panic("bad listener") }})
	rec := newRecorder()
	m.AddListener(rec)

	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		return 1, nil
	}), "x", "", nil)
	wait(t, task)
	waitDelivered(t, m)

	assert.Equal(t, []string{"created", "finished:1"}, rec.forTask(task))
}

// =============================================================================
// Cancellation tests
// =============================================================================

func TestCancelRunning(t *testing.T) {
	m := newTestManager(t, Options{})
	rec := newRecorder()
	m.AddListener(rec)

	b := newBlocker()
	task := m.Start(b, "block", "", nil)
	<-b.started

	assert.Equal(t, 1, m.NumberOfTasks())
	assert.True(t, m.Cancel(task))
	wait(t, task)
	waitDelivered(t, m)

	assert.Equal(t, Canceled, task.State())
	assert.ErrorIs(t, task.Err(), context.Canceled)
	assert.Equal(t, []string{"created", "canceled"}, rec.forTask(task))
	assert.Equal(t, 0, m.NumberOfTasks())
	assert.False(t, m.Cancel(task), "already ended")
}

func TestCancelWrappedErrorStillCanceled(t *testing.T) {
	m := newTestManager(t, Options{})

	started := make(chan struct{})
	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, fmt.Errorf("scan aborted at row 7: %w", errors.New("read failed"))
	}), "wrapped", "", nil)
	<-started
	m.Cancel(task)
	wait(t, task)

	assert.Equal(t, Canceled, task.State())
}

func TestCancelQueued(t *testing.T) {
	m := newTestManager(t, Options{Workers: 1})
	rec := newRecorder()
	m.AddListener(rec)

	b := newBlocker()
	first := m.Start(b, "first", "", nil)
	<-b.started

	ran := make(chan struct{}, 1)
	queued := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}), "queued", "", nil)

	assert.Equal(t, Created, queued.State())
	m.Cancel(queued)
	wait(t, queued)
	close(b.release)
	wait(t, first)
	waitDelivered(t, m)

	assert.Equal(t, Canceled, queued.State())
	assert.Len(t, ran, 0)
	assert.Equal(t, []string{"created", "canceled"}, rec.forTask(queued))
	assert.Equal(t, []string{"created", "finished:released"}, rec.forTask(first))
}

func TestWorkersBound(t *testing.T) {
	m := newTestManager(t, Options{Workers: 2})

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	body := CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	})

	tasks := make([]*Task, 6)
	for i := range tasks {
		tasks[i] = m.Start(body, fmt.Sprintf("t%d", i), "", nil)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 2
	}, 5*time.Second, 5*time.Millisecond)
	close(release)
	for _, task := range tasks {
		wait(t, task)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}

// =============================================================================
// Manager tests
// =============================================================================

func TestTasksAndRemoveListener(t *testing.T) {
	m := newTestManager(t, Options{})
	rec := newRecorder()
	m.AddListener(rec)
	m.RemoveListener(rec)

	b := newBlocker()
	task := m.Start(b, "listed", "", nil)
	<-b.started

	live := m.Tasks()
	require.Len(t, live, 1)
	assert.Same(t, task, live[0])

	close(b.release)
	wait(t, task)
	waitDelivered(t, m)
	assert.Empty(t, rec.forTask(task))
}

func TestExecutorReceivesDeliveries(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	m := newTestManager(t, Options{Executor: func(fn func()) {
		mu.Lock()
		count++
		mu.Unlock()
		fn()
	}})
	rec := newRecorder()
	m.AddListener(rec)

	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		return "x", nil
	}), "exec", "", nil)
	wait(t, task)
	waitDelivered(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 3)
	assert.Equal(t, []string{"created", "finished:x"}, rec.forTask(task))
}

func TestSmallQueueKeepsTerminalNotifications(t *testing.T) {
	m := newTestManager(t, Options{QueueSize: 1, Workers: 8})

	release := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	m.AddListener(&ListenerFuncs{OnCreated: func(*Task) {
		once.Do(func() { <-gate })
	}})
	rec := newRecorder()
	m.AddListener(rec)

	tasks := make([]*Task, 20)
	for i := range tasks {
		tasks[i] = m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
			for j := int64(0); j <= 10; j++ {
				p.Report(j, 10)
			}
			<-release
			return nil, nil
		}), fmt.Sprintf("t%d", i), "", nil)
	}
	close(release)
	for _, task := range tasks {
		wait(t, task)
	}
	close(gate)
	waitDelivered(t, m)

	for _, task := range tasks {
		events := rec.forTask(task)
		require.NotEmpty(t, events)
		assert.Equal(t, "created", events[0], task.Name())
		assert.Equal(t, "finished:<nil>", events[len(events)-1], task.Name())
	}
}

func TestShutdown(t *testing.T) {
	m := NewManager(Options{})
	rec := newRecorder()
	m.AddListener(rec)

	b := newBlocker()
	task := m.Start(b, "long", "", nil)
	<-b.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, Canceled, task.State())
	assert.Equal(t, []string{"created", "canceled"}, rec.forTask(task))

	late := m.Start(b, "late", "", nil)
	assert.Equal(t, Canceled, late.State())
	assert.ErrorIs(t, late.Err(), ErrShutdown)
	assert.NoError(t, m.Shutdown(ctx), "second shutdown is a no-op")
}

func TestWait(t *testing.T) {
	m := newTestManager(t, Options{})
	task := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		return "done", nil
	}), "wait", "", nil)

	result, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	b := newBlocker()
	blocked := m.Start(b, "blocked", "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = blocked.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(b.release)
}

func TestMetricsRecorded(t *testing.T) {
	em := metrics.NewEngineMetrics(metrics.NewRegistry("test", "task"))
	m := newTestManager(t, Options{Metrics: em})

	ok := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		return nil, nil
	}), "ok", "", nil)
	bad := m.Start(CallableFunc(func(ctx context.Context, p Progress) (any, error) {
		return nil, errors.New("no")
	}), "bad", "", nil)
	wait(t, ok)
	wait(t, bad)

	assert.Equal(t, uint64(2), em.TasksStarted.Value())
	assert.Equal(t, uint64(1), em.TasksFinished.Value())
	assert.Equal(t, uint64(1), em.TasksFailed.Value())
	assert.Equal(t, int64(0), em.TasksLive.Value())
}

func TestPercent(t *testing.T) {
	tests := []struct {
		current, total int64
		want           int
	}{
		{0, 10, 0},
		{5, 10, 50},
		{10, 10, 100},
		{11, 10, 100},
		{-1, 10, 0},
		{0, 0, 100},
		{1, 3, 33},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percent(tt.current, tt.total), "%d/%d", tt.current, tt.total)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.True(t, Canceled.Terminal())
	assert.False(t, Running.Terminal())
	assert.Equal(t, "unknown", State(99).String())
}
