package costing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/platform/db"
)

// Repository persists cost layers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// BalanceTx exposes the ledger's operations on the same transaction.
func (r *txRepository) BalanceTx() balance.TxRepository {
	return balance.NewTxRepository(r.tx)
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("costing: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const layerColumns = `id, product_id, location_id, COALESCE(lot_id, 0), sequence, receipt_date, unit_cost, currency, original_qty, remaining_qty, remaining_cost, created_at`

func scanLayers(rows pgx.Rows) ([]CostLayer, error) {
	defer rows.Close()
	var layers []CostLayer
	for rows.Next() {
		var l CostLayer
		if err := rows.Scan(&l.ID, &l.ProductID, &l.LocationID, &l.LotID, &l.Sequence, &l.ReceiptDate, &l.UnitCost, &l.Currency, &l.OriginalQty, &l.RemainingQty, &l.RemainingCost, &l.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// ListOpenLayers returns layers with remaining quantity, oldest first.
// Read-only path: no row locks taken.
func (r *Repository) ListOpenLayers(ctx context.Context, productID, locationID int64) ([]CostLayer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+layerColumns+` FROM cost_layers
WHERE product_id=$1 AND location_id=$2 AND remaining_qty > 0
ORDER BY receipt_date ASC, sequence ASC`, productID, locationID)
	if err != nil {
		return nil, err
	}
	return scanLayers(rows)
}

// FindStockEntity resolves the balance entity tracking this position.
func (r *Repository) FindStockEntity(ctx context.Context, productID, locationID int64) (balance.Entity, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, code, name, kind, classification, COALESCE(product_id, 0), COALESCE(location_id, 0), active, created_at
FROM balance_entities WHERE kind=$1 AND product_id=$2 AND location_id=$3`, string(balance.KindStockPosition), productID, locationID)
	var e balance.Entity
	err := row.Scan(&e.ID, &e.Code, &e.Name, &e.Kind, &e.Classification, &e.ProductID, &e.LocationID, &e.Active, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return balance.Entity{}, balance.ErrEntityNotFound
		}
		return balance.Entity{}, err
	}
	return e, nil
}

func (r *txRepository) SelectLayersForUpdate(ctx context.Context, productID, locationID int64) ([]CostLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM cost_layers
WHERE product_id=$1 AND location_id=$2 AND remaining_qty > 0
ORDER BY receipt_date ASC, sequence ASC
FOR UPDATE`, productID, locationID)
	if err != nil {
		return nil, err
	}
	return scanLayers(rows)
}

func (r *txRepository) NextSequence(ctx context.Context, productID, locationID int64) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM cost_layers WHERE product_id=$1 AND location_id=$2`, productID, locationID).Scan(&seq)
	return seq, err
}

func (r *txRepository) InsertLayer(ctx context.Context, layer CostLayer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layers (product_id, location_id, lot_id, sequence, receipt_date, unit_cost, currency, original_qty, remaining_qty, remaining_cost, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		layer.ProductID, layer.LocationID, nullInt(layer.LotID), layer.Sequence, layer.ReceiptDate, layer.UnitCost, layer.Currency, layer.OriginalQty, layer.RemainingQty, layer.RemainingCost, layer.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateLayer(ctx context.Context, layerID int64, remainingQty, remainingCost decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE cost_layers SET remaining_qty=$2, remaining_cost=$3 WHERE id=$1 AND remaining_qty >= $2`, layerID, remainingQty, remainingCost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerCorrupt
	}
	return nil
}

func (r *txRepository) InsertDepletion(ctx context.Context, depletion Depletion) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layer_depletions (layer_id, tx_type, qty, cost, unit_cost, tx_date, reference, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		depletion.LayerID, string(depletion.TxType), depletion.Qty, depletion.Cost, depletion.UnitCost, depletion.TxDate, nullStr(depletion.Reference), depletion.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetOnHandForUpdate(ctx context.Context, productID, locationID int64) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT qty FROM stock_onhand WHERE product_id=$1 AND location_id=$2 FOR UPDATE`, productID, locationID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return qty, nil
}

func (r *txRepository) UpsertOnHand(ctx context.Context, productID, locationID int64, qty decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_onhand (product_id, location_id, qty, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (product_id, location_id) DO UPDATE SET qty=EXCLUDED.qty, updated_at=NOW()`, productID, locationID, qty)
	return err
}

func (r *txRepository) GetStandardCost(ctx context.Context, productID int64) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT standard_cost FROM product_standard_costs WHERE product_id=$1`, productID).Scan(&cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrStandardCostMissing
		}
		return decimal.Zero, err
	}
	return cost, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullStr(value string) any {
	if value == "" {
		return nil
	}
	return value
}
