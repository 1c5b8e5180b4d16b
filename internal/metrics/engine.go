package metrics

import (
	"time"
)

// EngineMetrics holds the buffer and task engine metrics.
//
// All methods are safe on a nil receiver so components can take an optional
// *EngineMetrics without guarding every call.
type EngineMetrics struct {
	registry *Registry

	// Counters
	RecordsAppended      *Counter
	BytesWritten         *Counter
	ReindexRuns          *Counter
	RecordsReindexed     *Counter
	FilterEvaluations    *Counter
	FilterMatches        *Counter
	FindEvaluations      *Counter
	RecordsExported      *Counter
	CacheHits            *Counter
	CacheMisses          *Counter
	TasksStarted         *Counter
	TasksFinished        *Counter
	TasksFailed          *Counter
	TasksCanceled        *Counter
	NotificationsDropped *Counter

	// Gauges
	TasksRunning  *Gauge
	TasksLive     *Gauge
	CacheEntries  *Gauge
	UptimeSeconds *Gauge

	// Histograms
	TaskDuration    *Histogram
	ReindexDuration *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewEngineMetrics creates and registers all engine metrics.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = Default()
	}

	return &EngineMetrics{
		registry: registry,

		RecordsAppended: registry.RegisterCounter(
			"records_appended_total",
			"Total number of records appended to file buffers",
			nil,
		),
		BytesWritten: registry.RegisterCounter(
			"bytes_written_total",
			"Total number of data file bytes written",
			nil,
		),
		ReindexRuns: registry.RegisterCounter(
			"reindex_runs_total",
			"Total number of index rebuilds",
			nil,
		),
		RecordsReindexed: registry.RegisterCounter(
			"records_reindexed_total",
			"Total number of records indexed by rebuilds",
			nil,
		),
		FilterEvaluations: registry.RegisterCounter(
			"filter_evaluations_total",
			"Total number of records evaluated by filtering tasks",
			nil,
		),
		FilterMatches: registry.RegisterCounter(
			"filter_matches_total",
			"Total number of records matched by filtering tasks",
			nil,
		),
		FindEvaluations: registry.RegisterCounter(
			"find_evaluations_total",
			"Total number of records evaluated by find tasks",
			nil,
		),
		RecordsExported: registry.RegisterCounter(
			"records_exported_total",
			"Total number of records copied by export tasks",
			nil,
		),
		CacheHits: registry.RegisterCounter(
			"cache_hits_total",
			"Total number of row cache hits",
			nil,
		),
		CacheMisses: registry.RegisterCounter(
			"cache_misses_total",
			"Total number of row cache misses",
			nil,
		),
		TasksStarted: registry.RegisterCounter(
			"tasks_started_total",
			"Total number of tasks submitted",
			nil,
		),
		TasksFinished: registry.RegisterCounter(
			"tasks_finished_total",
			"Total number of tasks that finished successfully",
			nil,
		),
		TasksFailed: registry.RegisterCounter(
			"tasks_failed_total",
			"Total number of tasks that failed",
			nil,
		),
		TasksCanceled: registry.RegisterCounter(
			"tasks_canceled_total",
			"Total number of tasks that were canceled",
			nil,
		),
		NotificationsDropped: registry.RegisterCounter(
			"task_notifications_dropped_total",
			"Total number of progress notifications dropped on a full queue",
			nil,
		),

		TasksRunning: registry.RegisterGauge(
			"tasks_running",
			"Number of tasks currently executing",
			nil,
		),
		TasksLive: registry.RegisterGauge(
			"tasks_live",
			"Number of tasks not yet in a terminal state",
			nil,
		),
		CacheEntries: registry.RegisterGauge(
			"cache_entries",
			"Number of rows currently tracked by row caches",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since metrics initialization",
			nil,
		),

		TaskDuration: registry.RegisterHistogram(
			"task_duration_seconds",
			"Time from task start to its terminal state",
			nil,
			DurationBuckets,
		),
		ReindexDuration: registry.RegisterHistogram(
			"reindex_duration_seconds",
			"Time taken to rebuild an index file",
			nil,
			DurationBuckets,
		),
	}
}

// RecordAppend records one appended record of n bytes.
func (m *EngineMetrics) RecordAppend(n int) {
	if m == nil {
		return
	}
	m.RecordsAppended.Inc()
	m.BytesWritten.Add(uint64(n))
}

// RecordReindex records a completed index rebuild.
func (m *EngineMetrics) RecordReindex(records uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReindexRuns.Inc()
	m.RecordsReindexed.Add(records)
	m.ReindexDuration.ObserveDuration(duration)
}

// RecordFilterBatch records one batch of filter evaluations.
func (m *EngineMetrics) RecordFilterBatch(evaluated, matched int) {
	if m == nil {
		return
	}
	m.FilterEvaluations.Add(uint64(evaluated))
	m.FilterMatches.Add(uint64(matched))
}

// RecordFindBatch records one batch of find evaluations.
func (m *EngineMetrics) RecordFindBatch(evaluated int) {
	if m == nil {
		return
	}
	m.FindEvaluations.Add(uint64(evaluated))
}

// RecordExport records n exported records.
func (m *EngineMetrics) RecordExport(n int) {
	if m == nil {
		return
	}
	m.RecordsExported.Add(uint64(n))
}

// RecordCache records one cache lookup.
func (m *EngineMetrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// SetCacheEntries sets the number of tracked cache rows.
func (m *EngineMetrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(int64(n))
}

// TaskCreated records a submitted task.
func (m *EngineMetrics) TaskCreated() {
	if m == nil {
		return
	}
	m.TasksStarted.Inc()
	m.TasksLive.Inc()
}

// TaskRunning records a task leaving the queue.
func (m *EngineMetrics) TaskRunning() {
	if m == nil {
		return
	}
	m.TasksRunning.Inc()
}

// TaskStopped records a task that ran leaving the running set.
func (m *EngineMetrics) TaskStopped() {
	if m == nil {
		return
	}
	m.TasksRunning.Dec()
}

// TaskDone records a task reaching a terminal state. outcome is one of
// "finished", "failed" or "canceled".
func (m *EngineMetrics) TaskDone(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksLive.Dec()
	m.TaskDuration.ObserveDuration(duration)
	switch outcome {
	case "finished":
		m.TasksFinished.Inc()
	case "failed":
		m.TasksFailed.Inc()
	case "canceled":
		m.TasksCanceled.Inc()
	}
}

// NotificationDropped records a progress notification dropped on a full
// queue.
func (m *EngineMetrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// UpdateUptime updates the uptime gauge.
func (m *EngineMetrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Registry returns the registry the metrics are registered in.
func (m *EngineMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Snapshot returns a snapshot of key metrics.
func (m *EngineMetrics) Snapshot() map[string]interface{} {
	if m == nil {
		return nil
	}
	m.UpdateUptime()
	return map[string]interface{}{
		"records_appended_total":   m.RecordsAppended.Value(),
		"bytes_written_total":      m.BytesWritten.Value(),
		"reindex_runs_total":       m.ReindexRuns.Value(),
		"filter_evaluations_total": m.FilterEvaluations.Value(),
		"filter_matches_total":     m.FilterMatches.Value(),
		"find_evaluations_total":   m.FindEvaluations.Value(),
		"records_exported_total":   m.RecordsExported.Value(),
		"cache_hits_total":         m.CacheHits.Value(),
		"cache_misses_total":       m.CacheMisses.Value(),
		"tasks_started_total":      m.TasksStarted.Value(),
		"tasks_finished_total":     m.TasksFinished.Value(),
		"tasks_failed_total":       m.TasksFailed.Value(),
		"tasks_canceled_total":     m.TasksCanceled.Value(),
		"tasks_running":            m.TasksRunning.Value(),
		"tasks_live":               m.TasksLive.Value(),
		"uptime_seconds":           m.UptimeSeconds.Value(),
		"task_avg_seconds":         m.TaskDuration.Mean(),
	}
}

// Global engine metrics instance.
var defaultEngineMetrics *EngineMetrics

// GetMetrics returns the global engine metrics instance.
func GetMetrics() *EngineMetrics {
	if defaultEngineMetrics == nil {
		defaultEngineMetrics = NewEngineMetrics(Default())
	}
	return defaultEngineMetrics
}

// InitMetrics initializes the global engine metrics with a custom registry.
func InitMetrics(registry *Registry) *EngineMetrics {
	defaultEngineMetrics = NewEngineMetrics(registry)
	return defaultEngineMetrics
}
