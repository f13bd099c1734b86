package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/shared"
)

// RepositoryPort abstracts repository usage for the engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListOpenLayers(ctx context.Context, productID, locationID int64) ([]CostLayer, error)
	FindStockEntity(ctx context.Context, productID, locationID int64) (balance.Entity, error)
}

// TxRepository exposes transactional operations used by the engine.
type TxRepository interface {
	SelectLayersForUpdate(ctx context.Context, productID, locationID int64) ([]CostLayer, error)
	NextSequence(ctx context.Context, productID, locationID int64) (int64, error)
	InsertLayer(ctx context.Context, layer CostLayer) (int64, error)
	UpdateLayer(ctx context.Context, layerID int64, remainingQty, remainingCost decimal.Decimal) error
	InsertDepletion(ctx context.Context, depletion Depletion) (int64, error)
	GetOnHandForUpdate(ctx context.Context, productID, locationID int64) (decimal.Decimal, error)
	UpsertOnHand(ctx context.Context, productID, locationID int64, qty decimal.Decimal) error
	GetStandardCost(ctx context.Context, productID int64) (decimal.Decimal, error)
	// BalanceTx views the same transaction through the ledger's
	// operations so movements commit with the layer mutations.
	BalanceTx() balance.TxRepository
}

// LedgerPort posts movement records against the stock position entity
// inside the engine's transaction.
type LedgerPort interface {
	PostMovementTx(ctx context.Context, tx balance.TxRepository, in balance.MovementInput) (balance.Movement, error)
}

// EngineConfig groups optional settings.
type EngineConfig struct {
	// AllowNegativeStock commits partial depletions and reports the
	// shortage instead of rejecting the issue.
	AllowNegativeStock bool
	DefaultCurrency    string
}

// Observer receives depletion telemetry. Calls run on the issue path
// and must be cheap.
type Observer interface {
	ObserveDepletion(method string)
	ObserveLockBusy()
}

// Engine routes receipts and issues through the cost layer store,
// serialising per (product, location).
type Engine struct {
	repo     RepositoryPort
	ledger   LedgerPort
	locks    *shared.KeyedLocker
	logger   *slog.Logger
	obs      Observer
	allowNeg bool
	currency string
	now      func() time.Time
}

// NewEngine builds the costing engine.
func NewEngine(repo RepositoryPort, ledger LedgerPort, locks *shared.KeyedLocker, logger *slog.Logger, cfg EngineConfig) *Engine {
	currency := cfg.DefaultCurrency
	if currency == "" {
		currency = "USD"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:     repo,
		ledger:   ledger,
		locks:    locks,
		logger:   logger,
		allowNeg: cfg.AllowNegativeStock,
		currency: currency,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// WithObserver attaches telemetry.
func (e *Engine) WithObserver(obs Observer) {
	e.obs = obs
}

// Receive appends a new cost layer for the receipt and bumps the tracked
// on-hand quantity in the same transaction.
func (e *Engine) Receive(ctx context.Context, in ReceiptInput) (CostLayer, error) {
	if err := in.Validate(); err != nil {
		return CostLayer{}, err
	}
	release, err := e.locks.Acquire(ctx, shared.StockLockKey(in.ProductID, in.LocationID))
	if err != nil {
		return CostLayer{}, err
	}
	defer release()

	receiptDate := in.ReceiptDate
	if receiptDate.IsZero() {
		receiptDate = e.now().UTC()
	}
	currency := in.Currency
	if currency == "" {
		currency = e.currency
	}
	layer := CostLayer{
		ProductID:     in.ProductID,
		LocationID:    in.LocationID,
		LotID:         in.LotID,
		ReceiptDate:   receiptDate,
		UnitCost:      in.UnitCost,
		Currency:      currency,
		OriginalQty:   in.Qty,
		RemainingQty:  in.Qty,
		RemainingCost: in.Qty.Mul(in.UnitCost).Round(CurrencyScale),
		CreatedAt:     e.now().UTC(),
	}
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextSequence(ctx, in.ProductID, in.LocationID)
		if err != nil {
			return err
		}
		layer.Sequence = seq
		id, err := tx.InsertLayer(ctx, layer)
		if err != nil {
			return err
		}
		layer.ID = id
		onHand, err := tx.GetOnHandForUpdate(ctx, in.ProductID, in.LocationID)
		if err != nil {
			return err
		}
		if err := tx.UpsertOnHand(ctx, in.ProductID, in.LocationID, onHand.Add(in.Qty)); err != nil {
			return err
		}
		return e.postLedgerMovement(ctx, tx, in.ProductID, in.LocationID, balance.DirectionDebit, layer.RemainingCost, receiptDate, in.Reference)
	})
	if err != nil {
		return CostLayer{}, err
	}
	return layer, nil
}

// Issue depletes cost layers under the requested method. When supply is
// insufficient the result carries the unmet shortage; the negative-stock
// policy decides whether partial depletion commits or the issue fails.
func (e *Engine) Issue(ctx context.Context, in IssueInput) (DepletionResult, error) {
	if err := in.Validate(); err != nil {
		return DepletionResult{}, err
	}
	release, err := e.locks.Acquire(ctx, shared.StockLockKey(in.ProductID, in.LocationID))
	if err != nil {
		if e.obs != nil && errors.Is(err, shared.ErrLockBusy) {
			e.obs.ObserveLockBusy()
		}
		return DepletionResult{}, err
	}
	defer release()

	txDate := in.TxDate
	if txDate.IsZero() {
		txDate = e.now().UTC()
	}
	txType := in.TxType
	if txType == "" {
		txType = TransactionTypeIssue
	}

	var result DepletionResult
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		layers, err := tx.SelectLayersForUpdate(ctx, in.ProductID, in.LocationID)
		if err != nil {
			return err
		}
		switch in.Method {
		case MethodAverage:
			result, err = depleteAverage(layers, in.Qty)
		case MethodStandard:
			var std decimal.Decimal
			std, err = tx.GetStandardCost(ctx, in.ProductID)
			if err != nil {
				return err
			}
			result, err = depleteStandard(layers, in.Qty, std)
		default:
			result, err = depleteSequential(layers, in.Method, in.Qty)
		}
		if err != nil {
			return err
		}
		if result.Shortage.IsPositive() && !e.allowNeg {
			return ErrInsufficientStock
		}
		byID := layersByID(layers)
		for i := range result.Depletions {
			d := &result.Depletions[i]
			d.TxType = txType
			d.TxDate = txDate
			d.Reference = in.Reference
			d.CreatedAt = e.now().UTC()
			layer := byID[d.LayerID]
			newQty := layer.RemainingQty.Sub(d.Qty)
			if newQty.IsNegative() {
				return fmt.Errorf("%w: layer %d would go to %s", ErrLayerCorrupt, d.LayerID, newQty)
			}
			newCost := remainingCostAfter(layer, newQty, d.Cost, in.Method)
			if err := tx.UpdateLayer(ctx, d.LayerID, newQty, newCost); err != nil {
				return err
			}
			id, err := tx.InsertDepletion(ctx, *d)
			if err != nil {
				return err
			}
			d.ID = id
		}
		onHand, err := tx.GetOnHandForUpdate(ctx, in.ProductID, in.LocationID)
		if err != nil {
			return err
		}
		newOnHand := onHand.Sub(result.TotalQty)
		if err := tx.UpsertOnHand(ctx, in.ProductID, in.LocationID, newOnHand); err != nil {
			return err
		}
		remaining := decimal.Zero
		for _, layer := range layers {
			if d, ok := depletionFor(result.Depletions, layer.ID); ok {
				remaining = remaining.Add(layer.RemainingQty.Sub(d))
			} else {
				remaining = remaining.Add(layer.RemainingQty)
			}
		}
		if !remaining.Equal(newOnHand) {
			return fmt.Errorf("%w: layers sum %s, on-hand %s", ErrLayerCorrupt, remaining, newOnHand)
		}
		if result.TotalCost.IsPositive() {
			return e.postLedgerMovement(ctx, tx, in.ProductID, in.LocationID, balance.DirectionCredit, result.TotalCost, txDate, in.Reference)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			return result, err
		}
		return DepletionResult{}, err
	}
	if e.obs != nil {
		e.obs.ObserveDepletion(string(in.Method))
	}
	if result.Shortage.IsPositive() {
		e.logger.Warn("issue depleted short",
			slog.Int64("product_id", in.ProductID),
			slog.Int64("location_id", in.LocationID),
			slog.String("shortage", result.Shortage.String()))
	}
	return result, nil
}

// OnHand reports the quantity summed over open layers. The cross-check
// against the tracked on-hand figure happens inside Issue.
func (e *Engine) OnHand(ctx context.Context, productID, locationID int64) (decimal.Decimal, error) {
	layers, err := e.repo.ListOpenLayers(ctx, productID, locationID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, layer := range layers {
		total = total.Add(layer.RemainingQty)
	}
	return total, nil
}

// postLedgerMovement records the value movement on the same transaction
// as the layer mutation. A posting failure rolls the whole operation
// back; the caller never observes durable layers behind an error.
func (e *Engine) postLedgerMovement(ctx context.Context, tx TxRepository, productID, locationID int64, direction balance.Direction, amount decimal.Decimal, txDate time.Time, reference string) error {
	if e.ledger == nil {
		return nil
	}
	entity, err := e.repo.FindStockEntity(ctx, productID, locationID)
	if err != nil {
		if errors.Is(err, balance.ErrEntityNotFound) {
			e.logger.Warn("no stock entity mapped, movement not posted",
				slog.Int64("product_id", productID),
				slog.Int64("location_id", locationID))
			return nil
		}
		return err
	}
	_, err = e.ledger.PostMovementTx(ctx, tx.BalanceTx(), balance.MovementInput{
		EntityID:  entity.ID,
		TxDate:    txDate,
		Direction: direction,
		Amount:    amount,
		Reference: reference,
	})
	return err
}

// orderLayers sorts layers into depletion order for the method. FIFO and
// STANDARD walk ascending (receipt_date, sequence); LIFO descending.
func orderLayers(layers []CostLayer, method Method) []CostLayer {
	ordered := make([]CostLayer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ReceiptDate.Equal(ordered[j].ReceiptDate) {
			return ordered[i].ReceiptDate.Before(ordered[j].ReceiptDate)
		}
		return ordered[i].Sequence < ordered[j].Sequence
	})
	if method == MethodLIFO {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	return ordered
}

// depleteSequential walks layers in method order, consuming each layer
// fully before the next.
func depleteSequential(layers []CostLayer, method Method, qty decimal.Decimal) (DepletionResult, error) {
	result := DepletionResult{Method: method, Shortage: decimal.Zero, TotalQty: decimal.Zero, TotalCost: decimal.Zero, Variance: decimal.Zero}
	left := qty
	for _, layer := range orderLayers(layers, method) {
		if !left.IsPositive() {
			break
		}
		if !layer.RemainingQty.IsPositive() {
			continue
		}
		take := decimal.Min(left, layer.RemainingQty)
		var cost decimal.Decimal
		if take.Equal(layer.RemainingQty) {
			// Full depletion takes the tracked remaining cost so rounding
			// never strands value on an empty layer.
			cost = layer.RemainingCost
		} else {
			cost = take.Mul(layer.UnitCost).Round(CurrencyScale)
		}
		result.Depletions = append(result.Depletions, Depletion{
			LayerID:  layer.ID,
			Qty:      take,
			Cost:     cost,
			UnitCost: layer.UnitCost,
		})
		result.TotalQty = result.TotalQty.Add(take)
		result.TotalCost = result.TotalCost.Add(cost)
		left = left.Sub(take)
	}
	result.Shortage = left
	if result.TotalQty.IsPositive() {
		result.UnitCost = result.TotalCost.Div(result.TotalQty).Round(CurrencyScale + 2)
	}
	return result, nil
}

// depleteAverage treats all open layers as one pool at the weighted unit
// cost and depletes each proportionally. Per-layer costs round to
// currency precision; the residual lands on the last layer touched so the
// total exactly equals qty x weighted cost.
func depleteAverage(layers []CostLayer, qty decimal.Decimal) (DepletionResult, error) {
	result := DepletionResult{Method: MethodAverage, Shortage: decimal.Zero, TotalQty: decimal.Zero, TotalCost: decimal.Zero, Variance: decimal.Zero}
	pool := make([]CostLayer, 0, len(layers))
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, layer := range orderLayers(layers, MethodAverage) {
		if layer.RemainingQty.IsPositive() {
			pool = append(pool, layer)
			totalQty = totalQty.Add(layer.RemainingQty)
			totalCost = totalCost.Add(layer.RemainingCost)
		}
	}
	if totalQty.IsZero() {
		result.Shortage = qty
		return result, nil
	}
	weighted := totalCost.Div(totalQty)
	result.UnitCost = weighted.Round(CurrencyScale + 2)

	if qty.GreaterThanOrEqual(totalQty) {
		// Pool exhausted: every layer empties at its remaining cost.
		for _, layer := range pool {
			result.Depletions = append(result.Depletions, Depletion{
				LayerID:  layer.ID,
				Qty:      layer.RemainingQty,
				Cost:     layer.RemainingCost,
				UnitCost: result.UnitCost,
			})
			result.TotalQty = result.TotalQty.Add(layer.RemainingQty)
			result.TotalCost = result.TotalCost.Add(layer.RemainingCost)
		}
		result.Shortage = qty.Sub(totalQty)
		return result, nil
	}

	target := qty.Mul(weighted).Round(CurrencyScale)
	assignedQty := decimal.Zero
	assignedCost := decimal.Zero
	for i, layer := range pool {
		var takeQty decimal.Decimal
		if i == len(pool)-1 {
			takeQty = qty.Sub(assignedQty)
		} else {
			takeQty = qty.Mul(layer.RemainingQty).Div(totalQty)
		}
		if takeQty.GreaterThan(layer.RemainingQty) {
			takeQty = layer.RemainingQty
		}
		var takeCost decimal.Decimal
		if i == len(pool)-1 {
			takeCost = target.Sub(assignedCost)
		} else {
			takeCost = takeQty.Mul(weighted).Round(CurrencyScale)
		}
		result.Depletions = append(result.Depletions, Depletion{
			LayerID:  layer.ID,
			Qty:      takeQty,
			Cost:     takeCost,
			UnitCost: result.UnitCost,
		})
		assignedQty = assignedQty.Add(takeQty)
		assignedCost = assignedCost.Add(takeCost)
	}
	result.TotalQty = assignedQty
	result.TotalCost = assignedCost
	return result, nil
}

// depleteStandard walks layers FIFO for quantity bookkeeping but values
// the issue at the product's standard cost, reporting standard minus
// actual as the variance.
func depleteStandard(layers []CostLayer, qty, standardCost decimal.Decimal) (DepletionResult, error) {
	if !standardCost.IsPositive() {
		return DepletionResult{}, ErrStandardCostMissing
	}
	actual, err := depleteSequential(layers, MethodFIFO, qty)
	if err != nil {
		return DepletionResult{}, err
	}
	result := DepletionResult{
		Method:   MethodStandard,
		UnitCost: standardCost,
		TotalQty: actual.TotalQty,
		Shortage: actual.Shortage,
	}
	actualCost := decimal.Zero
	for _, d := range actual.Depletions {
		cost := d.Qty.Mul(standardCost).Round(CurrencyScale)
		result.Depletions = append(result.Depletions, Depletion{
			LayerID:  d.LayerID,
			Qty:      d.Qty,
			Cost:     cost,
			UnitCost: standardCost,
		})
		result.TotalCost = result.TotalCost.Add(cost)
		actualCost = actualCost.Add(d.Cost)
	}
	result.Variance = result.TotalCost.Sub(actualCost)
	return result, nil
}

// remainingCostAfter keeps the layer cost invariant for the method:
// qty x unit cost for sequential methods, pool-consistent subtraction for
// AVERAGE.
func remainingCostAfter(layer CostLayer, newQty, costDepleted decimal.Decimal, method Method) decimal.Decimal {
	if newQty.IsZero() {
		return decimal.Zero
	}
	if method == MethodAverage {
		return layer.RemainingCost.Sub(costDepleted)
	}
	return newQty.Mul(layer.UnitCost).Round(CurrencyScale)
}

func layersByID(layers []CostLayer) map[int64]CostLayer {
	byID := make(map[int64]CostLayer, len(layers))
	for _, layer := range layers {
		byID[layer.ID] = layer
	}
	return byID
}

func depletionFor(depletions []Depletion, layerID int64) (decimal.Decimal, bool) {
	for _, d := range depletions {
		if d.LayerID == layerID {
			return d.Qty, true
		}
	}
	return decimal.Zero, false
}
