// Package jobs runs the scheduled batch work: nightly close, stuck-run
// sweep and the valuation snapshot.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/cycle"
	"github.com/daybook-erp/daybook/internal/observability"
	"github.com/daybook-erp/daybook/internal/valuation"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCloseDay captures opening and calculates closing for one scope.
	TaskCloseDay = "cycle:close_day"
	// TaskSweepStuck flips wedged in-progress runs to error.
	TaskSweepStuck = "cycle:sweep_stuck"
	// TaskValuationSnapshot builds the nightly valuation comparison.
	TaskValuationSnapshot = "valuation:snapshot"
)

// CloseDayPayload selects the day and scope to close. An empty date
// means the previous calendar day at execution time.
type CloseDayPayload struct {
	Date      string `json:"date,omitempty"`
	Scope     string `json:"scope"`
	LockAfter bool   `json:"lock_after"`
}

// NewCloseDayTask constructs an Asynq task for the close cycle.
func NewCloseDayTask(payload CloseDayPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCloseDay, body, asynq.Queue(QueueDefault)), nil
}

// NewSweepStuckTask constructs the sweep task. It carries no payload.
func NewSweepStuckTask() *asynq.Task {
	return asynq.NewTask(TaskSweepStuck, nil, asynq.Queue(QueueDefault))
}

// ValuationPayload selects the snapshot date; empty means the previous
// calendar day.
type ValuationPayload struct {
	Date string `json:"date,omitempty"`
}

// NewValuationTask constructs the snapshot task.
func NewValuationTask(payload ValuationPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskValuationSnapshot, body, asynq.Queue(QueueDefault)), nil
}

// CycleService drives the daily cycle from tasks.
type CycleService interface {
	CaptureOpening(ctx context.Context, date time.Time, scope cycle.Scope, opts cycle.CaptureOptions) (cycle.OpeningSummary, error)
	CalculateClosing(ctx context.Context, date time.Time, scope cycle.Scope, opts cycle.ClosingOptions) (cycle.ClosingSummary, error)
	SweepStuck(ctx context.Context, threshold time.Duration) (int, error)
}

// SnapshotService builds valuation snapshots from tasks.
type SnapshotService interface {
	Build(ctx context.Context, date time.Time) (valuation.Summary, error)
}

// Tasks binds the task handlers to their services.
type Tasks struct {
	cycles    CycleService
	snapshots SnapshotService
	metrics   *observability.Metrics
	logger    *slog.Logger
	threshold time.Duration
	now       func() time.Time
}

// NewTasks constructs the handler set.
func NewTasks(cycles CycleService, snapshots SnapshotService, metrics *observability.Metrics, logger *slog.Logger, stuckThreshold time.Duration) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{
		cycles:    cycles,
		snapshots: snapshots,
		metrics:   metrics,
		logger:    logger,
		threshold: stuckThreshold,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (t *Tasks) WithNow(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

func (t *Tasks) taskDate(raw string) (time.Time, error) {
	if raw == "" {
		return balance.DayDate(t.now().UTC().AddDate(0, 0, -1)), nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return balance.DayDate(parsed), nil
}

// HandleCloseDay runs opening capture then closing calculation for one
// scope. A run already claimed elsewhere is retried by the queue; a
// completed run is a no-op.
func (t *Tasks) HandleCloseDay(ctx context.Context, task *asynq.Task) error {
	var payload CloseDayPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	scope := cycle.Scope(payload.Scope)
	if scope != cycle.ScopeFinance && scope != cycle.ScopeInventory {
		return asynq.SkipRetry
	}
	date, err := t.taskDate(payload.Date)
	if err != nil {
		return asynq.SkipRetry
	}

	opening, err := t.cycles.CaptureOpening(ctx, date, scope, cycle.CaptureOptions{})
	if err != nil {
		t.metrics.ObserveCycleRun(string(scope), "opening", "error")
		return err
	}
	t.metrics.ObserveCycleRun(string(scope), "opening", "ok")

	closing, err := t.cycles.CalculateClosing(ctx, date, scope, cycle.ClosingOptions{
		LockAfter:  payload.LockAfter,
		LockReason: "daily close",
	})
	if err != nil {
		t.metrics.ObserveCycleRun(string(scope), "closing", "error")
		return err
	}
	t.metrics.ObserveCycleRun(string(scope), "closing", "ok")

	t.logger.Info("close day finished",
		slog.String("date", date.Format("2006-01-02")),
		slog.String("scope", string(scope)),
		slog.Bool("already_captured", opening.AlreadyCaptured),
		slog.Bool("already_closed", closing.AlreadyClosed),
		slog.Int("entities", closing.Entities))
	return nil
}

// HandleSweepStuck flips wedged runs to error so the next close retries.
func (t *Tasks) HandleSweepStuck(ctx context.Context, task *asynq.Task) error {
	swept, err := t.cycles.SweepStuck(ctx, t.threshold)
	if err != nil {
		return err
	}
	if swept > 0 {
		t.logger.Warn("sweep flipped stuck runs", slog.Int("count", swept))
	}
	return nil
}

// HandleValuationSnapshot builds the multi-method snapshot for a date.
func (t *Tasks) HandleValuationSnapshot(ctx context.Context, task *asynq.Task) error {
	var payload ValuationPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	date, err := t.taskDate(payload.Date)
	if err != nil {
		return asynq.SkipRetry
	}
	summary, err := t.snapshots.Build(ctx, date)
	if err != nil {
		return err
	}
	t.logger.Info("valuation snapshot task finished",
		slog.String("date", date.Format("2006-01-02")),
		slog.Int("positions", summary.Positions))
	return nil
}

// Handlers returns the registrations for the worker mux.
func (t *Tasks) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskCloseDay, Handler: t.HandleCloseDay},
		{Type: TaskSweepStuck, Handler: t.HandleSweepStuck},
		{Type: TaskValuationSnapshot, Handler: t.HandleValuationSnapshot},
	}
}
