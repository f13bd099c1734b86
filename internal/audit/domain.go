package audit

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Action names every recordable engine event.
type Action string

const (
	ActionOpeningCaptured    Action = "opening_captured"
	ActionClosingCalculated  Action = "closing_calculated"
	ActionLocked             Action = "locked"
	ActionUnlocked           Action = "unlocked"
	ActionAdjustmentCreated  Action = "adjustment_created"
	ActionAdjustmentApplied  Action = "adjustment_applied"
	ActionAdjustmentRejected Action = "adjustment_rejected"
)

// Entry is one append-only trail record. Entries are never updated or
// deleted; corrections are new entries.
type Entry struct {
	ID        int64
	TrailDate time.Time
	Action    Action
	ActorID   int64
	ActorName string
	ActorRole string
	IP        string
	UserAgent string
	// Details carries structured action metadata.
	Details map[string]any
	// EntityCount is the number of balance entities the action touched.
	EntityCount int
	// TotalDelta is the aggregate amount moved by the action.
	TotalDelta decimal.Decimal
	At         time.Time
}

// TrailFilter selects a window of the trail.
type TrailFilter struct {
	Date     time.Time
	Action   Action
	Page     int
	PageSize int
}

// ErrInvalidEntry indicates a record missing its action or date.
var ErrInvalidEntry = errors.New("audit: entry requires action and date")
