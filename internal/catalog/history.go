package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tailview/internal/task"
)

// TaskRecord is one finished task in the history.
type TaskRecord struct {
	ID          string
	Name        string
	Description string
	State       string
	Error       string
	Created     time.Time
	Started     time.Time
	Ended       time.Time
	Metadata    map[string]string
}

// Duration returns how long the task ran, or zero if it never started.
func (r TaskRecord) Duration() time.Duration {
	if r.Started.IsZero() {
		return 0
	}
	return r.Ended.Sub(r.Started)
}

// RecordTask stores r, replacing an earlier record with the same id.
func (c *Catalog) RecordTask(r *TaskRecord) error {
	var meta any
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal task metadata: %w", err)
		}
		meta = string(b)
	}
	var started any
	if !r.Started.IsZero() {
		started = r.Started.UnixNano()
	}
	var errText any
	if r.Error != "" {
		errText = r.Error
	}

	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO task_history (id, name, description, state, error, created_ns, started_ns, ended_ns, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, r.State, errText,
		r.Created.UnixNano(), started, r.Ended.UnixNano(), meta,
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// History returns up to limit task records, most recent first. A limit
// of zero or less returns all of them.
func (c *Catalog) History(limit int) ([]TaskRecord, error) {
	query := `
		SELECT id, name, description, state, error, created_ns, started_ns, ended_ns, metadata
		FROM task_history
		ORDER BY ended_ns DESC, id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var r TaskRecord
		var errText, meta sql.NullString
		var created, ended int64
		var started sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.State, &errText,
			&created, &started, &ended, &meta); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		r.Error = errText.String
		r.Created = time.Unix(0, created)
		if started.Valid {
			r.Started = time.Unix(0, started.Int64)
		}
		r.Ended = time.Unix(0, ended)
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode task %s metadata: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history: %w", err)
	}
	return out, nil
}

// PruneHistory deletes records that ended before cutoff and returns how
// many were removed.
func (c *Catalog) PruneHistory(cutoff time.Time) (int64, error) {
	result, err := c.db.Exec(`DELETE FROM task_history WHERE ended_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune task history: %w", err)
	}
	return result.RowsAffected()
}

// Recorder is a task.Listener that stores every task that ends.
type Recorder struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewRecorder returns a Recorder writing to c. Register it with
// task.Manager.AddListener.
func NewRecorder(c *Catalog, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{catalog: c, logger: logger.With("component", "catalog")}
}

func (r *Recorder) TaskCreated(*task.Task)          {}
func (r *Recorder) ProgressUpdated(*task.Task, int) {}

func (r *Recorder) ExecutionFinished(t *task.Task, _ any)   { r.record(t, nil) }
func (r *Recorder) ExecutionFailed(t *task.Task, err error) { r.record(t, err) }
func (r *Recorder) ExecutionCanceled(t *task.Task)          { r.record(t, nil) }

func (r *Recorder) record(t *task.Task, err error) {
	rec := &TaskRecord{
		ID:          t.ID(),
		Name:        t.Name(),
		Description: t.Description(),
		State:       t.State().String(),
		Created:     t.Created(),
		Started:     t.Started(),
		Ended:       t.Ended(),
		Metadata:    t.Metadata(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rec.Ended.IsZero() {
		rec.Ended = time.Now()
	}
	if werr := r.catalog.RecordTask(rec); werr != nil {
		r.logger.Warn("record task history", "task", t.ID(), "error", werr)
	}
}
