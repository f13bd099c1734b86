package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/daybook-erp/daybook/internal/audit"
	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/shared"
)

// RepositoryPort abstracts repository usage for the orchestrator.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStatus(ctx context.Context, date time.Time, scope Scope) (Status, error)
	// ClaimOpening atomically moves the run into OPENING_IN_PROGRESS when
	// its opening phase is pending or errored. claimed is false when a
	// concurrent run holds or already finished the phase.
	ClaimOpening(ctx context.Context, date time.Time, scope Scope) (claimed bool, status Status, err error)
	ClaimClosing(ctx context.Context, date time.Time, scope Scope) (claimed bool, status Status, err error)
	MarkOpeningError(ctx context.Context, date time.Time, scope Scope, message string) error
	MarkClosingError(ctx context.Context, date time.Time, scope Scope, message string) error
	ListActiveEntities(ctx context.Context, kind balance.EntityKind) ([]balance.Entity, error)
	SweepStuck(ctx context.Context, olderThan time.Time) (int, error)
	GetAdjustment(ctx context.Context, id int64) (Adjustment, error)
}

// TxRepository exposes transactional operations used by batch runs.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, entityID int64, date time.Time) (balance.DailyBalance, error)
	LatestBalanceBefore(ctx context.Context, entityID int64, date time.Time) (balance.DailyBalance, error)
	// ReplayTotals sums all movements strictly before date (first-run
	// bootstrap).
	ReplayTotals(ctx context.Context, entityID int64, before time.Time) (balance.MovementTotals, error)
	// DayTotals sums the movements posted against exactly this date.
	DayTotals(ctx context.Context, entityID int64, date time.Time) (balance.MovementTotals, error)
	InsertDailyBalance(ctx context.Context, row balance.DailyBalance) (int64, error)
	UpdateClosing(ctx context.Context, row balance.DailyBalance) error
	// FinishOpening and FinishClosing persist the completed phase inside
	// the batch transaction. A run status must never claim completion
	// while its rows rolled back, nor the reverse.
	FinishOpening(ctx context.Context, date time.Time, scope Scope, entities int, total decimal.Decimal) error
	FinishClosing(ctx context.Context, date time.Time, scope Scope, entities int, total decimal.Decimal, locked bool) error
	LockDay(ctx context.Context, date time.Time, kind balance.EntityKind, reason string, lockedAt, graceUntil time.Time) (int, error)
	UnlockDay(ctx context.Context, date time.Time, kind balance.EntityKind) (int, error)
	InsertAdjustment(ctx context.Context, adj Adjustment) (int64, error)
	GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error)
	MarkAdjustment(ctx context.Context, id int64, status AdjustmentStatus, authorizedBy int64, appliedAt *time.Time) error
	ApplyToBalance(ctx context.Context, entityID int64, date time.Time, newClosing, amount decimal.Decimal) error
	// ShiftOpening moves an already-captured day's opening and closing by
	// amount. Returns the number of rows touched (0 when the day is not
	// captured yet).
	ShiftOpening(ctx context.Context, entityID int64, date time.Time, amount decimal.Decimal) (int, error)
}

// AuditPort records orchestrator actions on the trail.
type AuditPort interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Config groups orchestrator settings.
type Config struct {
	GraceHours int
}

// Orchestrator drives the daily balance cycle through capture-opening,
// calculate-closing, lock and adjustment, one run per (date, scope).
type Orchestrator struct {
	repo   RepositoryPort
	audit  AuditPort
	locks  *shared.KeyedLocker
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time
}

// NewOrchestrator builds the orchestrator.
func NewOrchestrator(repo RepositoryPort, auditor AuditPort, logger *slog.Logger, cfg Config) *Orchestrator {
	hours := cfg.GraceHours
	if hours <= 0 {
		hours = 72
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:   repo,
		audit:  auditor,
		logger: logger,
		grace:  time.Duration(hours) * time.Hour,
		now:    time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (o *Orchestrator) WithNow(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// WithLocker installs a redis lock that short-circuits duplicate batch
// triggers before they reach the database.
func (o *Orchestrator) WithLocker(locks *shared.KeyedLocker) {
	o.locks = locks
}

// acquireRun is a fast path only. The conditional status claim stays
// authoritative; a redis outage loses nothing but the short-circuit.
func (o *Orchestrator) acquireRun(ctx context.Context, day time.Time, scope Scope) (func(), error) {
	release, err := o.locks.Acquire(ctx, shared.CycleLockKey(day, string(scope)))
	if err != nil {
		if errors.Is(err, shared.ErrLockBusy) {
			return nil, ErrRunInProgress
		}
		o.logger.Warn("cycle run lock unavailable", slog.Any("error", err))
		return func() {}, nil
	}
	return release, nil
}

// CaptureOpening captures opening balances for every active entity in
// scope. Idempotent: a completed run returns its cached summary; a
// concurrent run gets ErrRunInProgress and must not retry immediately.
func (o *Orchestrator) CaptureOpening(ctx context.Context, date time.Time, scope Scope, opts CaptureOptions) (OpeningSummary, error) {
	day := balance.DayDate(date)
	kind, err := scope.EntityKind()
	if err != nil {
		return OpeningSummary{}, err
	}
	release, err := o.acquireRun(ctx, day, scope)
	if err != nil {
		return OpeningSummary{}, err
	}
	defer release()
	claimed, status, err := o.repo.ClaimOpening(ctx, day, scope)
	if err != nil {
		return OpeningSummary{}, err
	}
	if !claimed {
		if status.OpeningStatus == PhaseCompleted {
			return OpeningSummary{
				CycleDate:       day,
				Scope:           scope,
				Entities:        status.EntitiesProcessed,
				TotalOpening:    status.TotalOpening,
				AlreadyCaptured: true,
			}, nil
		}
		return OpeningSummary{}, ErrRunInProgress
	}

	entities, err := o.repo.ListActiveEntities(ctx, kind)
	if err != nil {
		return OpeningSummary{}, o.failOpening(ctx, day, scope, err)
	}
	summary := OpeningSummary{CycleDate: day, Scope: scope, TotalOpening: decimal.Zero}
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, entity := range entities {
			opening, bootstrapped, err := o.openingFor(ctx, tx, entity, day, opts)
			if err != nil {
				return err
			}
			if bootstrapped {
				summary.Bootstrapped++
			}
			now := o.now().UTC()
			row := balance.DailyBalance{
				EntityID:          entity.ID,
				BalanceDate:       day,
				Opening:           opening,
				Closing:           opening,
				PeriodDebit:       decimal.Zero,
				PeriodCredit:      decimal.Zero,
				PeriodAdjusted:    decimal.Zero,
				Stage:             balance.StageOpeningCaptured,
				AllowsAdjustments: true,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if _, err := tx.InsertDailyBalance(ctx, row); err != nil {
				return fmt.Errorf("cycle: insert opening for entity %d: %w", entity.ID, err)
			}
			summary.Entities++
			summary.TotalOpening = summary.TotalOpening.Add(opening)
		}
		return tx.FinishOpening(ctx, day, scope, summary.Entities, summary.TotalOpening)
	})
	if err != nil {
		return OpeningSummary{}, o.failOpening(ctx, day, scope, err)
	}
	o.record(ctx, day, audit.ActionOpeningCaptured, summary.Entities, summary.TotalOpening, map[string]any{
		"scope":        string(scope),
		"bootstrapped": summary.Bootstrapped,
	})
	o.logger.Info("opening captured",
		slog.String("date", day.Format("2006-01-02")),
		slog.String("scope", string(scope)),
		slog.Int("entities", summary.Entities))
	return summary, nil
}

func (o *Orchestrator) openingFor(ctx context.Context, tx TxRepository, entity balance.Entity, day time.Time, opts CaptureOptions) (decimal.Decimal, bool, error) {
	prior, err := tx.LatestBalanceBefore(ctx, entity.ID, day)
	if err == nil {
		if prior.Stage != balance.StageClosingCalculated {
			return decimal.Zero, false, fmt.Errorf("%w: entity %d date %s", ErrPriorDayOpen, entity.ID, prior.BalanceDate.Format("2006-01-02"))
		}
		return prior.Closing, false, nil
	}
	if !errors.Is(err, balance.ErrBalanceNotFound) {
		return decimal.Zero, false, err
	}
	if !opts.Bootstrap {
		return decimal.Zero, false, fmt.Errorf("%w: entity %d", ErrMissingPriorDay, entity.ID)
	}
	totals, err := tx.ReplayTotals(ctx, entity.ID, day)
	if err != nil {
		return decimal.Zero, false, err
	}
	opening := balance.SignedMovement(entity.Classification, totals.Debit, totals.Credit)
	o.logger.Info("bootstrap opening from movement history",
		slog.Int64("entity_id", entity.ID),
		slog.String("opening", opening.String()))
	return opening, true, nil
}

// CalculateClosing sums the day's movements per entity and applies the
// signed-balance formula. Requires a completed opening phase.
func (o *Orchestrator) CalculateClosing(ctx context.Context, date time.Time, scope Scope, opts ClosingOptions) (ClosingSummary, error) {
	day := balance.DayDate(date)
	kind, err := scope.EntityKind()
	if err != nil {
		return ClosingSummary{}, err
	}
	status, err := o.repo.GetStatus(ctx, day, scope)
	if err != nil {
		if errors.Is(err, ErrStatusNotFound) {
			return ClosingSummary{}, ErrOpeningNotCaptured
		}
		return ClosingSummary{}, err
	}
	if status.OpeningStatus != PhaseCompleted {
		return ClosingSummary{}, ErrOpeningNotCaptured
	}
	release, err := o.acquireRun(ctx, day, scope)
	if err != nil {
		return ClosingSummary{}, err
	}
	defer release()
	claimed, status, err := o.repo.ClaimClosing(ctx, day, scope)
	if err != nil {
		return ClosingSummary{}, err
	}
	if !claimed {
		if status.ClosingStatus == PhaseCompleted {
			return ClosingSummary{
				CycleDate:     day,
				Scope:         scope,
				Entities:      status.EntitiesProcessed,
				TotalClosing:  status.TotalClosing,
				Locked:        status.Overall == StateClosed || status.Overall == StateAdjusted,
				AlreadyClosed: true,
			}, nil
		}
		return ClosingSummary{}, ErrRunInProgress
	}

	entities, err := o.repo.ListActiveEntities(ctx, kind)
	if err != nil {
		return ClosingSummary{}, o.failClosing(ctx, day, scope, err)
	}
	summary := ClosingSummary{
		CycleDate:     day,
		Scope:         scope,
		TotalClosing:  decimal.Zero,
		TotalsByClass: make(map[balance.Classification]decimal.Decimal),
	}
	var graceUntil time.Time
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, entity := range entities {
			row, err := tx.GetBalanceForUpdate(ctx, entity.ID, day)
			if err != nil {
				return fmt.Errorf("cycle: closing entity %d: %w", entity.ID, err)
			}
			totals, err := tx.DayTotals(ctx, entity.ID, day)
			if err != nil {
				return err
			}
			signed := balance.SignedMovement(entity.Classification, totals.Debit, totals.Credit)
			row.PeriodDebit = totals.Debit
			row.PeriodCredit = totals.Credit
			row.TxCount = totals.Count
			row.Closing = row.Opening.Add(signed)
			row.Stage = balance.StageClosingCalculated
			row.UpdatedAt = o.now().UTC()
			if err := tx.UpdateClosing(ctx, row); err != nil {
				return err
			}
			summary.Entities++
			summary.TxCount += totals.Count
			summary.TotalClosing = summary.TotalClosing.Add(row.Closing)
			current, ok := summary.TotalsByClass[entity.Classification]
			if !ok {
				current = decimal.Zero
			}
			summary.TotalsByClass[entity.Classification] = current.Add(signed)
		}
		if opts.LockAfter {
			lockedAt := o.now().UTC()
			graceUntil = lockedAt.Add(o.grace)
			if _, err := tx.LockDay(ctx, day, kind, opts.LockReason, lockedAt, graceUntil); err != nil {
				return err
			}
			summary.Locked = true
		}
		return tx.FinishClosing(ctx, day, scope, summary.Entities, summary.TotalClosing, summary.Locked)
	})
	if err != nil {
		return ClosingSummary{}, o.failClosing(ctx, day, scope, err)
	}
	o.record(ctx, day, audit.ActionClosingCalculated, summary.Entities, summary.TotalClosing, map[string]any{
		"scope":    string(scope),
		"tx_count": summary.TxCount,
	})
	if summary.Locked {
		o.record(ctx, day, audit.ActionLocked, summary.Entities, summary.TotalClosing, map[string]any{
			"scope":       string(scope),
			"reason":      opts.LockReason,
			"grace_until": graceUntil.Format(time.RFC3339),
		})
	}
	o.logger.Info("closing calculated",
		slog.String("date", day.Format("2006-01-02")),
		slog.String("scope", string(scope)),
		slog.Int("entities", summary.Entities),
		slog.Bool("locked", summary.Locked))
	return summary, nil
}

// Lock freezes every balance row for the date and opens the grace window.
func (o *Orchestrator) Lock(ctx context.Context, date time.Time, scope Scope, reason string, actor shared.Actor) error {
	day := balance.DayDate(date)
	kind, err := scope.EntityKind()
	if err != nil {
		return err
	}
	status, err := o.repo.GetStatus(ctx, day, scope)
	if err != nil {
		return err
	}
	if status.ClosingStatus != PhaseCompleted {
		return ErrClosingNotCalculated
	}
	var locked int
	var graceUntil time.Time
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lockedAt := o.now().UTC()
		graceUntil = lockedAt.Add(o.grace)
		locked, err = tx.LockDay(ctx, day, kind, reason, lockedAt, graceUntil)
		return err
	})
	if err != nil {
		return err
	}
	o.recordActor(ctx, day, audit.ActionLocked, actor, locked, decimal.Zero, map[string]any{
		"scope":       string(scope),
		"reason":      reason,
		"grace_until": graceUntil.Format(time.RFC3339),
	})
	return nil
}

// Unlock clears lock flags for the date. Administrative, always audited.
func (o *Orchestrator) Unlock(ctx context.Context, date time.Time, scope Scope, actor shared.Actor) error {
	day := balance.DayDate(date)
	kind, err := scope.EntityKind()
	if err != nil {
		return err
	}
	var unlocked int
	err = o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		unlocked, err = tx.UnlockDay(ctx, day, kind)
		return err
	})
	if err != nil {
		return err
	}
	o.recordActor(ctx, day, audit.ActionUnlocked, actor, unlocked, decimal.Zero, map[string]any{
		"scope": string(scope),
	})
	o.logger.Warn("day unlocked",
		slog.String("date", day.Format("2006-01-02")),
		slog.String("scope", string(scope)),
		slog.Int64("actor_id", actor.ID))
	return nil
}

// SweepStuck flips in-progress runs older than threshold to error so an
// interrupted batch never wedges the cycle.
func (o *Orchestrator) SweepStuck(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 2 * time.Hour
	}
	cutoff := o.now().UTC().Add(-threshold)
	swept, err := o.repo.SweepStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		o.logger.Warn("stuck cycle runs flipped to error", slog.Int("count", swept))
	}
	return swept, nil
}

// GetStatus returns the run record for (date, scope).
func (o *Orchestrator) GetStatus(ctx context.Context, date time.Time, scope Scope) (Status, error) {
	return o.repo.GetStatus(ctx, balance.DayDate(date), scope)
}

// CreateAdjustment opens a pending correction against a day. Permitted on
// an unlocked day, or on a locked day while the persisted grace window is
// still open. The closing figure is untouched until the entry is applied.
func (o *Orchestrator) CreateAdjustment(ctx context.Context, in AdjustmentInput) (Adjustment, error) {
	if err := in.Validate(); err != nil {
		return Adjustment{}, err
	}
	day := balance.DayDate(in.Date)
	var adj Adjustment
	err := o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		row, err := tx.GetBalanceForUpdate(ctx, in.EntityID, day)
		if err != nil {
			return err
		}
		if row.Locked {
			if !row.AllowsAdjustments {
				return ErrAdjustmentNotAllowed
			}
			// Grace is judged against the persisted row at call time so
			// requests racing the boundary are decided independently.
			now := o.now().UTC()
			if row.GraceUntil == nil || !now.Before(*row.GraceUntil) {
				return ErrGraceExpired
			}
		}
		adj = Adjustment{
			OriginalDate:    day,
			EntityID:        in.EntityID,
			OriginalBalance: row.Closing,
			Amount:          in.Amount,
			NewBalance:      row.Closing.Add(in.Amount),
			Reason:          in.Reason,
			Status:          AdjustmentPending,
			CreatedBy:       in.Actor.ID,
			CreatedAt:       o.now().UTC(),
		}
		id, err := tx.InsertAdjustment(ctx, adj)
		if err != nil {
			return err
		}
		adj.ID = id
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	o.recordActor(ctx, day, audit.ActionAdjustmentCreated, in.Actor, 1, in.Amount, map[string]any{
		"entity_id":     in.EntityID,
		"adjustment_id": adj.ID,
		"reason":        in.Reason,
	})
	return adj, nil
}

// ApplyAdjustment settles a pending entry: the balance closing becomes
// original + amount, and both figures stay permanently visible.
func (o *Orchestrator) ApplyAdjustment(ctx context.Context, id int64, actor shared.Actor) (Adjustment, error) {
	var adj Adjustment
	err := o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		adj, err = tx.GetAdjustmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if adj.Status != AdjustmentPending {
			return ErrAdjustmentNotPending
		}
		if _, err := tx.GetBalanceForUpdate(ctx, adj.EntityID, adj.OriginalDate); err != nil {
			return err
		}
		newClosing := adj.OriginalBalance.Add(adj.Amount)
		if err := tx.ApplyToBalance(ctx, adj.EntityID, adj.OriginalDate, newClosing, adj.Amount); err != nil {
			return err
		}
		// Already-captured successor days inherited the pre-adjustment
		// closing; shift them forward so carry-forward stays intact.
		for next := adj.OriginalDate.AddDate(0, 0, 1); ; next = next.AddDate(0, 0, 1) {
			shifted, err := tx.ShiftOpening(ctx, adj.EntityID, next, adj.Amount)
			if err != nil {
				return err
			}
			if shifted == 0 {
				break
			}
		}
		appliedAt := o.now().UTC()
		if err := tx.MarkAdjustment(ctx, id, AdjustmentApplied, actor.ID, &appliedAt); err != nil {
			return err
		}
		adj.Status = AdjustmentApplied
		adj.AuthorizedBy = actor.ID
		adj.AppliedAt = &appliedAt
		adj.NewBalance = newClosing
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	o.recordActor(ctx, adj.OriginalDate, audit.ActionAdjustmentApplied, actor, 1, adj.Amount, map[string]any{
		"entity_id":     adj.EntityID,
		"adjustment_id": adj.ID,
	})
	return adj, nil
}

// RejectAdjustment discards a pending entry without touching balances.
func (o *Orchestrator) RejectAdjustment(ctx context.Context, id int64, actor shared.Actor) (Adjustment, error) {
	var adj Adjustment
	err := o.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		adj, err = tx.GetAdjustmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if adj.Status != AdjustmentPending {
			return ErrAdjustmentNotPending
		}
		if err := tx.MarkAdjustment(ctx, id, AdjustmentRejected, actor.ID, nil); err != nil {
			return err
		}
		adj.Status = AdjustmentRejected
		adj.AuthorizedBy = actor.ID
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	o.recordActor(ctx, adj.OriginalDate, audit.ActionAdjustmentRejected, actor, 1, adj.Amount, map[string]any{
		"entity_id":     adj.EntityID,
		"adjustment_id": adj.ID,
	})
	return adj, nil
}

// GetAdjustment loads one adjustment entry.
func (o *Orchestrator) GetAdjustment(ctx context.Context, id int64) (Adjustment, error) {
	return o.repo.GetAdjustment(ctx, id)
}

func (o *Orchestrator) failOpening(ctx context.Context, day time.Time, scope Scope, cause error) error {
	if err := o.repo.MarkOpeningError(ctx, day, scope, cause.Error()); err != nil {
		o.logger.Error("mark opening error", slog.Any("error", err))
	}
	o.logger.Error("opening capture failed",
		slog.String("date", day.Format("2006-01-02")),
		slog.String("scope", string(scope)),
		slog.Any("error", cause))
	return cause
}

func (o *Orchestrator) failClosing(ctx context.Context, day time.Time, scope Scope, cause error) error {
	if err := o.repo.MarkClosingError(ctx, day, scope, cause.Error()); err != nil {
		o.logger.Error("mark closing error", slog.Any("error", err))
	}
	o.logger.Error("closing calculation failed",
		slog.String("date", day.Format("2006-01-02")),
		slog.String("scope", string(scope)),
		slog.Any("error", cause))
	return cause
}

func (o *Orchestrator) record(ctx context.Context, day time.Time, action audit.Action, count int, total decimal.Decimal, details map[string]any) {
	o.recordActor(ctx, day, action, shared.ActorFromContext(ctx), count, total, details)
}

func (o *Orchestrator) recordActor(ctx context.Context, day time.Time, action audit.Action, actor shared.Actor, count int, total decimal.Decimal, details map[string]any) {
	if o.audit == nil {
		return
	}
	_, err := o.audit.Record(ctx, audit.Entry{
		TrailDate:   day,
		Action:      action,
		ActorID:     actor.ID,
		ActorName:   actor.Name,
		ActorRole:   actor.Role,
		IP:          actor.IP,
		UserAgent:   actor.UserAgent,
		Details:     details,
		EntityCount: count,
		TotalDelta:  total,
	})
	if err != nil {
		o.logger.Error("audit record failed", slog.String("action", string(action)), slog.Any("error", err))
	}
}
