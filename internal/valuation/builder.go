package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/costing"
	"github.com/daybook-erp/daybook/internal/shared"
)

// RepositoryPort abstracts repository usage for the builder. Reads run
// against the latest committed layer state without the depletion lock;
// a snapshot racing an issue is acceptable for reporting.
type RepositoryPort interface {
	ListStockPositions(ctx context.Context, asOf time.Time) ([]StockKey, error)
	OpenLayers(ctx context.Context, productID, locationID int64, asOf time.Time) ([]costing.CostLayer, error)
	StandardCost(ctx context.Context, productID int64) (decimal.Decimal, error)
	ReplaceForDate(ctx context.Context, date time.Time, snaps []Snapshot) ([]int64, int, error)
	ListSnapshots(ctx context.Context, date time.Time, limit, offset int) ([]Snapshot, error)
}

// Config tunes the builder.
type Config struct {
	// Workers bounds the per-position fanout.
	Workers int
	// FastMovingDays / SlowMovingDays are the aging thresholds.
	FastMovingDays int
	SlowMovingDays int
}

// Builder computes multi-method valuation snapshots.
type Builder struct {
	repo   RepositoryPort
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewBuilder constructs the builder.
func NewBuilder(repo RepositoryPort, logger *slog.Logger, cfg Config) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FastMovingDays <= 0 {
		cfg.FastMovingDays = 30
	}
	if cfg.SlowMovingDays <= cfg.FastMovingDays {
		cfg.SlowMovingDays = 90
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{repo: repo, logger: logger, cfg: cfg, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (b *Builder) WithNow(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Build values every stock position with open layers as of date and
// replaces any snapshot rows previously built for that date.
func (b *Builder) Build(ctx context.Context, date time.Time) (Summary, error) {
	day := balance.DayDate(date)
	keys, err := b.repo.ListStockPositions(ctx, day)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			snap, err := b.buildOne(gctx, key, day)
			if errors.Is(err, ErrNoOpenLayers) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("valuation: product %d location %d: %w", key.ProductID, key.LocationID, err)
			}
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].ProductID != snaps[j].ProductID {
			return snaps[i].ProductID < snaps[j].ProductID
		}
		return snaps[i].LocationID < snaps[j].LocationID
	})

	ids, replaced, err := b.repo.ReplaceForDate(ctx, day, snaps)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{SnapshotDate: day, Replaced: replaced, TotalActual: decimal.Zero}
	for i := range snaps {
		snaps[i].ID = ids[i]
		summary.Positions++
		summary.TotalActual = summary.TotalActual.Add(snaps[i].ActualValue)
		if snaps[i].StandardMissing {
			summary.StandardMissing++
		}
	}
	b.logger.Info("valuation snapshot built",
		slog.String("date", day.Format("2006-01-02")),
		slog.Int("positions", summary.Positions),
		slog.Int("standard_missing", summary.StandardMissing))
	return summary, nil
}

func (b *Builder) buildOne(ctx context.Context, key StockKey, day time.Time) (Snapshot, error) {
	layers, err := b.repo.OpenLayers(ctx, key.ProductID, key.LocationID, day)
	if err != nil {
		return Snapshot{}, err
	}
	if len(layers) == 0 {
		return Snapshot{}, ErrNoOpenLayers
	}
	snap := Valuate(key, layers, day)
	snap.CreatedAt = b.now().UTC()
	snap.Aging = b.aging(snap.DaysOnHand)

	std, err := b.repo.StandardCost(ctx, key.ProductID)
	switch {
	case errors.Is(err, costing.ErrStandardCostMissing):
		snap.StandardMissing = true
	case err != nil:
		return Snapshot{}, err
	default:
		snap.StandardValue = snap.QtyOnHand.Mul(std).Round(costing.CurrencyScale)
		snap.StandardVsActual = snap.StandardValue.Sub(snap.ActualValue)
	}
	return snap, nil
}

func (b *Builder) aging(daysOnHand int) AgingClass {
	switch {
	case daysOnHand < b.cfg.FastMovingDays:
		return AgingFastMoving
	case daysOnHand < b.cfg.SlowMovingDays:
		return AgingSlowMoving
	default:
		return AgingDeadStock
	}
}

// Valuate computes the method comparison for one position from its open
// layers. The on-hand quantity is valued three hypothetical ways from
// the receipt history the layers preserve: under FIFO the ending stock
// is the newest receipts, under LIFO the oldest, and the average uses
// the receipt-weighted unit cost. ActualValue is simply the remaining
// cost the depletion method left behind.
func Valuate(key StockKey, layers []costing.CostLayer, day time.Time) Snapshot {
	ordered := make([]costing.CostLayer, len(layers))
	copy(ordered, layers)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].ReceiptDate.Equal(ordered[j].ReceiptDate) {
			return ordered[i].ReceiptDate.Before(ordered[j].ReceiptDate)
		}
		return ordered[i].Sequence < ordered[j].Sequence
	})

	qty := decimal.Zero
	actual := decimal.Zero
	receiptQty := decimal.Zero
	receiptCost := decimal.Zero
	newest := ordered[0].ReceiptDate
	for _, layer := range ordered {
		qty = qty.Add(layer.RemainingQty)
		actual = actual.Add(layer.RemainingCost)
		receiptQty = receiptQty.Add(layer.OriginalQty)
		receiptCost = receiptCost.Add(layer.OriginalQty.Mul(layer.UnitCost))
		if layer.ReceiptDate.After(newest) {
			newest = layer.ReceiptDate
		}
	}

	snap := Snapshot{
		SnapshotDate: day,
		ProductID:    key.ProductID,
		LocationID:   key.LocationID,
		QtyOnHand:    qty,
		ActualValue:  actual,
		DaysOnHand:   int(day.Sub(balance.DayDate(newest)).Hours() / 24),
	}
	if qty.IsZero() || receiptQty.IsZero() {
		return snap
	}

	snap.FIFOValue = fillFromReceipts(ordered, qty, true)
	snap.LIFOValue = fillFromReceipts(ordered, qty, false)
	weighted := receiptCost.Div(receiptQty)
	snap.AverageValue = qty.Mul(weighted).Round(costing.CurrencyScale)
	snap.FIFOVsAverage = snap.FIFOValue.Sub(snap.AverageValue)
	snap.LIFOVsAverage = snap.LIFOValue.Sub(snap.AverageValue)
	return snap
}

// fillFromReceipts values qty against original receipt quantities,
// walking newest-first when newestFirst (FIFO ending stock) or
// oldest-first otherwise (LIFO ending stock).
func fillFromReceipts(ordered []costing.CostLayer, qty decimal.Decimal, newestFirst bool) decimal.Decimal {
	value := decimal.Zero
	remaining := qty
	for i := range ordered {
		layer := ordered[i]
		if newestFirst {
			layer = ordered[len(ordered)-1-i]
		}
		if remaining.IsZero() {
			break
		}
		take := decimal.Min(remaining, layer.OriginalQty)
		value = value.Add(take.Mul(layer.UnitCost))
		remaining = remaining.Sub(take)
	}
	return value.Round(costing.CurrencyScale)
}

// Snapshots returns the persisted rows for a date, paged.
func (b *Builder) Snapshots(ctx context.Context, date time.Time, page, pageSize int) ([]Snapshot, shared.PagingInfo, error) {
	page, pageSize = shared.NormalisePage(page, pageSize, 100)
	rows, err := b.repo.ListSnapshots(ctx, balance.DayDate(date), pageSize+1, (page-1)*pageSize)
	if err != nil {
		return nil, shared.PagingInfo{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	return rows, shared.NewPagingInfo(page, pageSize, hasNext), nil
}
