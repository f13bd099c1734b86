package balance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daybook-erp/daybook/internal/platform/db"
)

// Repository persists balance data in PostgreSQL.
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

// NewTxRepository views an open transaction through the ledger's
// transactional operations. Other domains use this to post movements
// atomically with their own writes.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("balance: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const entityColumns = `id, code, name, kind, classification, COALESCE(product_id, 0), COALESCE(location_id, 0), active, created_at`

func scanEntity(row pgx.Row) (Entity, error) {
	var e Entity
	err := row.Scan(&e.ID, &e.Code, &e.Name, &e.Kind, &e.Classification, &e.ProductID, &e.LocationID, &e.Active, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entity{}, ErrEntityNotFound
		}
		return Entity{}, err
	}
	return e, nil
}

// GetEntity loads one balance entity.
func (r *Repository) GetEntity(ctx context.Context, id int64) (Entity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM balance_entities WHERE id=$1`, id)
	return scanEntity(row)
}

// ListActiveEntities returns active entities of the given kind ordered by
// id ascending so batch runs iterate deterministically.
func (r *Repository) ListActiveEntities(ctx context.Context, kind EntityKind) ([]Entity, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entityColumns+` FROM balance_entities WHERE active AND kind=$1 ORDER BY id ASC`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Code, &e.Name, &e.Kind, &e.Classification, &e.ProductID, &e.LocationID, &e.Active, &e.CreatedAt); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

const balanceColumns = `id, entity_id, balance_date, opening, closing, period_debit, period_credit, period_adjusted, tx_count, stage, locked, locked_at, COALESCE(lock_reason, ''), grace_until, allows_adjustments, created_at, updated_at`

func scanBalance(row pgx.Row) (DailyBalance, error) {
	var b DailyBalance
	err := row.Scan(&b.ID, &b.EntityID, &b.BalanceDate, &b.Opening, &b.Closing, &b.PeriodDebit, &b.PeriodCredit, &b.PeriodAdjusted, &b.TxCount, &b.Stage, &b.Locked, &b.LockedAt, &b.LockReason, &b.GraceUntil, &b.AllowsAdjustments, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DailyBalance{}, ErrBalanceNotFound
		}
		return DailyBalance{}, err
	}
	return b, nil
}

// GetBalance loads the daily balance row for (entity, date).
func (r *Repository) GetBalance(ctx context.Context, entityID int64, date time.Time) (DailyBalance, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE entity_id=$1 AND balance_date=$2`, entityID, date)
	return scanBalance(row)
}

// LatestBalanceBefore returns the most recent daily balance strictly
// before date. Backed by the (entity_id, balance_date DESC) index.
func (r *Repository) LatestBalanceBefore(ctx context.Context, entityID int64, date time.Time) (DailyBalance, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE entity_id=$1 AND balance_date < $2 ORDER BY balance_date DESC LIMIT 1`, entityID, date)
	return scanBalance(row)
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, entityID int64, date time.Time) (DailyBalance, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE entity_id=$1 AND balance_date=$2 FOR UPDATE`, entityID, date)
	return scanBalance(row)
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movements (entity_id, tx_date, direction, amount, reference, posted_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		movement.EntityID, movement.TxDate, string(movement.Direction), movement.Amount, nullStr(movement.Reference), movement.PostedAt).Scan(&id)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return 0, ErrDuplicateReference
		}
		return 0, err
	}
	return id, nil
}

func nullStr(value string) any {
	if value == "" {
		return nil
	}
	return value
}
