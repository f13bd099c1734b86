package valuation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AgingClass buckets a stock position by how recently it was received.
type AgingClass string

const (
	AgingFastMoving AgingClass = "fast_moving"
	AgingSlowMoving AgingClass = "slow_moving"
	AgingDeadStock  AgingClass = "dead_stock"
)

// StockKey identifies one stock position.
type StockKey struct {
	ProductID  int64
	LocationID int64
}

// Snapshot values one stock position under every costing method as of a
// date. ActualValue is the remaining-cost sum under the method the
// position is actually depleted with; the per-method figures are
// what-if valuations of the same on-hand quantity.
type Snapshot struct {
	ID            int64
	SnapshotDate  time.Time
	ProductID     int64
	LocationID    int64
	QtyOnHand     decimal.Decimal
	ActualValue   decimal.Decimal
	FIFOValue     decimal.Decimal
	LIFOValue     decimal.Decimal
	AverageValue  decimal.Decimal
	StandardValue decimal.Decimal
	// StandardMissing marks positions without a standard cost on file;
	// StandardValue and StandardVsActual are zero for those.
	StandardMissing  bool
	FIFOVsAverage    decimal.Decimal
	LIFOVsAverage    decimal.Decimal
	StandardVsActual decimal.Decimal
	DaysOnHand       int
	Aging            AgingClass
	CreatedAt        time.Time
}

// Summary reports one snapshot build.
type Summary struct {
	SnapshotDate    time.Time
	Positions       int
	StandardMissing int
	TotalActual     decimal.Decimal
	Replaced        int
}

// ErrNoOpenLayers indicates a position had no stock left by build time.
var ErrNoOpenLayers = errors.New("valuation: no open layers")
