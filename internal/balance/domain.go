package balance

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EntityKind discriminates the two balance-carrying domains.
type EntityKind string

const (
	// KindAccount marks a financial ledger account.
	KindAccount EntityKind = "ACCOUNT"
	// KindStockPosition marks a (product, location) inventory position.
	KindStockPosition EntityKind = "STOCK_POSITION"
)

// Classification drives the sign convention for closing arithmetic.
type Classification string

const (
	ClassAsset     Classification = "ASSET"
	ClassLiability Classification = "LIABILITY"
	ClassEquity    Classification = "EQUITY"
	ClassRevenue   Classification = "REVENUE"
	ClassExpense   Classification = "EXPENSE"
	// ClassNone applies to stock positions; movements behave asset-like.
	ClassNone Classification = "NONE"
)

// CycleStage tracks how far the daily cycle has taken a balance row.
type CycleStage string

const (
	StageOpeningCaptured   CycleStage = "OPENING_CAPTURED"
	StageClosingCalculated CycleStage = "CLOSING_CALCULATED"
)

// Direction of a posted movement.
type Direction string

const (
	// DirectionDebit covers debits on accounts and receipts on stock.
	DirectionDebit Direction = "DEBIT"
	// DirectionCredit covers credits on accounts and issues on stock.
	DirectionCredit Direction = "CREDIT"
)

// Entity is a balance-carrying unit: a ledger account or a stock position.
type Entity struct {
	ID             int64
	Code           string
	Name           string
	Kind           EntityKind
	Classification Classification
	// ProductID/LocationID are set for stock positions only.
	ProductID  int64
	LocationID int64
	Active     bool
	CreatedAt  time.Time
}

// DailyBalance is the per (entity, date) carry-forward row. Rows are
// created by opening capture, updated by closing calculation, and after
// locking only change through applied adjustments.
type DailyBalance struct {
	ID           int64
	EntityID     int64
	BalanceDate  time.Time
	Opening      decimal.Decimal
	Closing      decimal.Decimal
	PeriodDebit  decimal.Decimal
	PeriodCredit decimal.Decimal
	// PeriodAdjusted accumulates applied adjustment amounts.
	PeriodAdjusted    decimal.Decimal
	TxCount           int
	Stage             CycleStage
	Locked            bool
	LockedAt          *time.Time
	LockReason        string
	GraceUntil        *time.Time
	AllowsAdjustments bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Movement is a validated, already-authorised transaction record posted
// by upstream processing against a balance date.
type Movement struct {
	ID        int64
	EntityID  int64
	TxDate    time.Time
	Direction Direction
	Amount    decimal.Decimal
	Reference string
	PostedAt  time.Time
}

// MovementTotals summarises one entity's postings for a date.
type MovementTotals struct {
	EntityID int64
	Debit    decimal.Decimal
	Credit   decimal.Decimal
	Count    int
}

// SignedMovement resolves the day's net movement under the entity's sign
// convention: debit-normal for asset/expense (and stock positions),
// credit-normal for liability/equity/revenue.
func SignedMovement(class Classification, debit, credit decimal.Decimal) decimal.Decimal {
	switch class {
	case ClassLiability, ClassEquity, ClassRevenue:
		return credit.Sub(debit)
	default:
		return debit.Sub(credit)
	}
}

// DayDate truncates t to its UTC calendar day.
func DayDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var (
	// ErrEntityNotFound indicates an unknown balance entity.
	ErrEntityNotFound = errors.New("balance: entity not found")
	// ErrBalanceNotFound indicates no daily balance row for (entity, date).
	ErrBalanceNotFound = errors.New("balance: daily balance not found")
	// ErrDayLocked indicates a direct mutation hit a locked day outside
	// the adjustment workflow.
	ErrDayLocked = errors.New("balance: day is locked")
	// ErrInvalidAmount indicates a non-positive movement amount.
	ErrInvalidAmount = errors.New("balance: amount must be positive")
	// ErrInactiveEntity indicates a posting against a deactivated entity.
	ErrInactiveEntity = errors.New("balance: entity is inactive")
	// ErrDuplicateReference indicates a movement replayed an external
	// reference that is already posted.
	ErrDuplicateReference = errors.New("balance: duplicate movement reference")
)
