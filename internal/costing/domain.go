package costing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Method enumerates supported costing methods.
type Method string

const (
	MethodFIFO     Method = "FIFO"
	MethodLIFO     Method = "LIFO"
	MethodAverage  Method = "AVERAGE"
	MethodStandard Method = "STANDARD"
)

// ParseMethod resolves a method name case-insensitively.
func ParseMethod(value string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(value))) {
	case MethodFIFO:
		return MethodFIFO, nil
	case MethodLIFO:
		return MethodLIFO, nil
	case MethodAverage:
		return MethodAverage, nil
	case MethodStandard:
		return MethodStandard, nil
	}
	return "", fmt.Errorf("costing: unknown method %q", value)
}

// CurrencyScale is the number of decimal places kept on cost amounts.
const CurrencyScale = 2

// TransactionType of a depletion.
type TransactionType string

const (
	TransactionTypeIssue      TransactionType = "ISSUE"
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
)

// CostLayer is a batch of inventory received at one unit cost. Layers are
// appended on receipt and shrink monotonically on depletion; fully
// consumed layers stay stored for valuation history.
type CostLayer struct {
	ID         int64
	ProductID  int64
	LocationID int64
	// LotID is zero when the receipt carries no lot.
	LotID         int64
	Sequence      int64
	ReceiptDate   time.Time
	UnitCost      decimal.Decimal
	Currency      string
	OriginalQty   decimal.Decimal
	RemainingQty  decimal.Decimal
	RemainingCost decimal.Decimal
	CreatedAt     time.Time
}

// Depletion records quantity/cost taken from one layer.
type Depletion struct {
	ID       int64
	LayerID  int64
	TxType   TransactionType
	Qty      decimal.Decimal
	Cost     decimal.Decimal
	UnitCost decimal.Decimal
	TxDate   time.Time
	// Reference ties the depletion back to the originating document.
	Reference string
	CreatedAt time.Time
}

// DepletionResult is the outcome of an issue. It is a partial-success
// value: Shortage reports unmet quantity and the caller's policy decides
// whether that is an error or a back-order.
type DepletionResult struct {
	Method     Method
	Depletions []Depletion
	TotalQty   decimal.Decimal
	TotalCost  decimal.Decimal
	// UnitCost is the effective unit cost of the issue (weighted for
	// AVERAGE, standard cost for STANDARD).
	UnitCost decimal.Decimal
	Shortage decimal.Decimal
	// Variance is standard minus actual layer cost, STANDARD only. The
	// caller posts it separately.
	Variance decimal.Decimal
}

// ReceiptInput describes an inbound batch creating a new cost layer.
type ReceiptInput struct {
	ProductID   int64
	LocationID  int64
	LotID       int64
	ReceiptDate time.Time
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	Currency    string
	Reference   string
}

// Validate rejects zero or negative quantity and cost.
func (in ReceiptInput) Validate() error {
	if in.ProductID == 0 || in.LocationID == 0 {
		return errors.New("costing: product and location required")
	}
	if !in.Qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if !in.UnitCost.IsPositive() {
		return ErrInvalidUnitCost
	}
	return nil
}

// IssueInput describes an outbound demand depleting cost layers.
type IssueInput struct {
	ProductID  int64
	LocationID int64
	Method     Method
	Qty        decimal.Decimal
	TxDate     time.Time
	TxType     TransactionType
	Reference  string
}

// Validate ensures the issue is coherent.
func (in IssueInput) Validate() error {
	if in.ProductID == 0 || in.LocationID == 0 {
		return errors.New("costing: product and location required")
	}
	if !in.Qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if _, err := ParseMethod(string(in.Method)); err != nil {
		return err
	}
	return nil
}

var (
	// ErrInvalidQuantity indicates a zero or negative quantity.
	ErrInvalidQuantity = errors.New("costing: quantity must be positive")
	// ErrInvalidUnitCost indicates a zero or negative unit cost.
	ErrInvalidUnitCost = errors.New("costing: unit cost must be positive")
	// ErrInsufficientStock is returned when the shortage policy rejects a
	// depletion that exceeds available layers.
	ErrInsufficientStock = errors.New("costing: insufficient cost layers")
	// ErrLayerCorrupt signals a fatal consistency violation: a layer would
	// go below zero quantity. Never a recoverable business error.
	ErrLayerCorrupt = errors.New("costing: cost layer consistency violated")
	// ErrStandardCostMissing indicates no standard cost configured for a
	// product issued under the STANDARD method.
	ErrStandardCostMissing = errors.New("costing: standard cost not configured")
)
