package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/shared"
)

// Scope selects which balance domain a daily run covers.
type Scope string

const (
	ScopeFinance   Scope = "FINANCE"
	ScopeInventory Scope = "INVENTORY"
)

// EntityKind maps the scope onto the balance entity kind it processes.
func (s Scope) EntityKind() (balance.EntityKind, error) {
	switch s {
	case ScopeFinance:
		return balance.KindAccount, nil
	case ScopeInventory:
		return balance.KindStockPosition, nil
	}
	return "", fmt.Errorf("cycle: unknown scope %q", s)
}

// PhaseStatus tracks one phase (opening or closing) of a run.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "PENDING"
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	PhaseCompleted  PhaseStatus = "COMPLETED"
	PhaseError      PhaseStatus = "ERROR"
)

// RunState is the overall state machine of a daily run.
type RunState string

const (
	StateNotStarted        RunState = "NOT_STARTED"
	StateOpeningInProgress RunState = "OPENING_IN_PROGRESS"
	StateOpeningDone       RunState = "OPENING_DONE"
	StateClosingInProgress RunState = "CLOSING_IN_PROGRESS"
	StateClosed            RunState = "CLOSED"
	StateAdjusted          RunState = "ADJUSTED"
	StateError             RunState = "ERROR"
)

// ValidTransition reports whether the overall state may move from
// current to target. Every state may fall to ERROR.
func ValidTransition(current, target RunState) bool {
	if target == StateError {
		return true
	}
	switch current {
	case StateNotStarted:
		return target == StateOpeningInProgress
	case StateOpeningInProgress:
		return target == StateOpeningDone
	case StateOpeningDone:
		return target == StateClosingInProgress
	case StateClosingInProgress:
		return target == StateClosed
	case StateClosed:
		return target == StateAdjusted
	case StateAdjusted:
		return target == StateClosed
	case StateError:
		return target == StateOpeningInProgress || target == StateClosingInProgress
	}
	return false
}

// Status is the single authoritative run record per (date, scope).
type Status struct {
	ID                int64
	CycleDate         time.Time
	Scope             Scope
	OpeningStatus     PhaseStatus
	ClosingStatus     PhaseStatus
	Overall           RunState
	EntitiesProcessed int
	TotalOpening      decimal.Decimal
	TotalClosing      decimal.Decimal
	ErrorMessage      string
	StartedAt         time.Time
	UpdatedAt         time.Time
}

// AdjustmentStatus of an adjustment entry.
type AdjustmentStatus string

const (
	AdjustmentPending  AdjustmentStatus = "PENDING"
	AdjustmentApplied  AdjustmentStatus = "APPLIED"
	AdjustmentRejected AdjustmentStatus = "REJECTED"
)

// Adjustment is an additive correction to a closed day. The original
// closing figure is preserved; applying the adjustment records both.
type Adjustment struct {
	ID              int64
	OriginalDate    time.Time
	EntityID        int64
	OriginalBalance decimal.Decimal
	Amount          decimal.Decimal
	NewBalance      decimal.Decimal
	Reason          string
	Status          AdjustmentStatus
	AuthorizedBy    int64
	CreatedBy       int64
	CreatedAt       time.Time
	AppliedAt       *time.Time
}

// CaptureOptions tunes opening capture.
type CaptureOptions struct {
	// Bootstrap permits deriving an opening from full movement replay
	// when no prior daily balance exists. Without it a missing prior day
	// is a data-integrity error, never guessed.
	Bootstrap bool
}

// ClosingOptions tunes closing calculation.
type ClosingOptions struct {
	LockAfter  bool
	LockReason string
}

// OpeningSummary reports a capture run.
type OpeningSummary struct {
	CycleDate       time.Time
	Scope           Scope
	Entities        int
	TotalOpening    decimal.Decimal
	Bootstrapped    int
	AlreadyCaptured bool
}

// ClosingSummary reports a closing run.
type ClosingSummary struct {
	CycleDate     time.Time
	Scope         Scope
	Entities      int
	TxCount       int
	TotalClosing  decimal.Decimal
	TotalsByClass map[balance.Classification]decimal.Decimal
	Locked        bool
	AlreadyClosed bool
}

// AdjustmentInput describes a correction request.
type AdjustmentInput struct {
	Date     time.Time
	EntityID int64
	Amount   decimal.Decimal
	Reason   string
	Actor    shared.Actor
}

// Validate ensures the request is coherent.
func (in AdjustmentInput) Validate() error {
	if in.EntityID == 0 {
		return errors.New("cycle: entity id required")
	}
	if in.Date.IsZero() {
		return errors.New("cycle: date required")
	}
	if in.Amount.IsZero() {
		return errors.New("cycle: adjustment amount must be non-zero")
	}
	if in.Reason == "" {
		return errors.New("cycle: reason required")
	}
	return nil
}

var (
	// ErrRunInProgress indicates a concurrent invocation already claimed
	// the run; the caller exits without side effects.
	ErrRunInProgress = errors.New("cycle: run already in progress")
	// ErrOpeningNotCaptured indicates closing was attempted before the
	// opening phase completed.
	ErrOpeningNotCaptured = errors.New("cycle: opening not captured")
	// ErrClosingNotCalculated indicates lock was attempted before closing.
	ErrClosingNotCalculated = errors.New("cycle: closing not calculated")
	// ErrMissingPriorDay indicates no prior balance exists and bootstrap
	// was not requested.
	ErrMissingPriorDay = errors.New("cycle: prior day balance missing")
	// ErrPriorDayOpen indicates the predecessor day was never closed.
	ErrPriorDayOpen = errors.New("cycle: prior day not closed")
	// ErrGraceExpired indicates an adjustment attempt after the grace
	// window; the day must be unlocked by an administrator. Not retryable.
	ErrGraceExpired = errors.New("cycle: adjustment grace period expired")
	// ErrAdjustmentNotAllowed indicates the locked day forbids adjustments.
	ErrAdjustmentNotAllowed = errors.New("cycle: adjustments not allowed on this day")
	// ErrAdjustmentNotPending indicates apply/reject on a settled entry.
	ErrAdjustmentNotPending = errors.New("cycle: adjustment is not pending")
	// ErrStatusNotFound indicates no run record exists for (date, scope).
	ErrStatusNotFound = errors.New("cycle: status not found")
	// ErrAdjustmentNotFound indicates an unknown adjustment id.
	ErrAdjustmentNotFound = errors.New("cycle: adjustment not found")
)
