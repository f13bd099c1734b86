package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/daybook-erp/daybook/internal/costing"
	"github.com/daybook-erp/daybook/internal/platform/db"
)

// Repository persists valuation snapshots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) ListStockPositions(ctx context.Context, asOf time.Time) ([]StockKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT product_id, location_id FROM cost_layers
WHERE remaining_qty > 0 AND receipt_date <= $1 ORDER BY product_id, location_id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []StockKey
	for rows.Next() {
		var key StockKey
		if err := rows.Scan(&key.ProductID, &key.LocationID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *Repository) OpenLayers(ctx context.Context, productID, locationID int64, asOf time.Time) ([]costing.CostLayer, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, location_id, COALESCE(lot_id, 0), sequence, receipt_date, unit_cost, currency, original_qty, remaining_qty, remaining_cost, created_at
FROM cost_layers
WHERE product_id=$1 AND location_id=$2 AND remaining_qty > 0 AND receipt_date <= $3
ORDER BY receipt_date ASC, sequence ASC`, productID, locationID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var layers []costing.CostLayer
	for rows.Next() {
		var l costing.CostLayer
		if err := rows.Scan(&l.ID, &l.ProductID, &l.LocationID, &l.LotID, &l.Sequence, &l.ReceiptDate, &l.UnitCost, &l.Currency, &l.OriginalQty, &l.RemainingQty, &l.RemainingCost, &l.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (r *Repository) StandardCost(ctx context.Context, productID int64) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT standard_cost FROM product_standard_costs WHERE product_id=$1`, productID).Scan(&cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, costing.ErrStandardCostMissing
		}
		return decimal.Zero, err
	}
	return cost, nil
}

// ReplaceForDate swaps the snapshot rows for a date in one transaction,
// so a failed build never leaves the date half written. It returns the
// inserted ids in input order and the number of rows replaced.
func (r *Repository) ReplaceForDate(ctx context.Context, date time.Time, snaps []Snapshot) ([]int64, int, error) {
	ids := make([]int64, len(snaps))
	replaced := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM valuation_snapshots WHERE snapshot_date=$1`, date)
		if err != nil {
			return err
		}
		replaced = int(tag.RowsAffected())
		for i, snap := range snaps {
			err := tx.QueryRow(ctx, `INSERT INTO valuation_snapshots
(snapshot_date, product_id, location_id, qty_on_hand, actual_value, fifo_value, lifo_value, average_value, standard_value, standard_missing, fifo_vs_average, lifo_vs_average, standard_vs_actual, days_on_hand, aging, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
				snap.SnapshotDate, snap.ProductID, snap.LocationID, snap.QtyOnHand, snap.ActualValue, snap.FIFOValue, snap.LIFOValue, snap.AverageValue, snap.StandardValue, snap.StandardMissing, snap.FIFOVsAverage, snap.LIFOVsAverage, snap.StandardVsActual, snap.DaysOnHand, string(snap.Aging), snap.CreatedAt).Scan(&ids[i])
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return ids, replaced, nil
}

func (r *Repository) ListSnapshots(ctx context.Context, date time.Time, limit, offset int) ([]Snapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, snapshot_date, product_id, location_id, qty_on_hand, actual_value, fifo_value, lifo_value, average_value, standard_value, standard_missing, fifo_vs_average, lifo_vs_average, standard_vs_actual, days_on_hand, aging, created_at
FROM valuation_snapshots WHERE snapshot_date=$1
ORDER BY product_id ASC, location_id ASC LIMIT $2 OFFSET $3`, date, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snaps []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.SnapshotDate, &s.ProductID, &s.LocationID, &s.QtyOnHand, &s.ActualValue, &s.FIFOValue, &s.LIFOValue, &s.AverageValue, &s.StandardValue, &s.StandardMissing, &s.FIFOVsAverage, &s.LIFOVsAverage, &s.StandardVsActual, &s.DaysOnHand, &s.Aging, &s.CreatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
