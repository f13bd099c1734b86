package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/platform/db"
)

// Repository persists cycle data in PostgreSQL.
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

// WithTx executes the callback inside a repeatable-read transaction.
// Batch runs depend on the all-or-nothing rollback this provides.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("cycle: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const statusColumns = `id, cycle_date, scope, opening_status, closing_status, overall, entities_processed, total_opening, total_closing, COALESCE(error_message, ''), started_at, updated_at`

func scanStatus(row pgx.Row) (Status, error) {
	var s Status
	err := row.Scan(&s.ID, &s.CycleDate, &s.Scope, &s.OpeningStatus, &s.ClosingStatus, &s.Overall, &s.EntitiesProcessed, &s.TotalOpening, &s.TotalClosing, &s.ErrorMessage, &s.StartedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Status{}, ErrStatusNotFound
		}
		return Status{}, err
	}
	return s, nil
}

// GetStatus loads the run record for (date, scope).
func (r *Repository) GetStatus(ctx context.Context, date time.Time, scope Scope) (Status, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+statusColumns+` FROM cycle_status WHERE cycle_date=$1 AND scope=$2`, date, string(scope))
	return scanStatus(row)
}

// ClaimOpening atomically claims the opening phase. The conditional
// upsert only succeeds while the phase is pending or errored, so exactly
// one concurrent invocation wins; the unique (cycle_date, scope) key
// keeps the run record single and authoritative.
func (r *Repository) ClaimOpening(ctx context.Context, date time.Time, scope Scope) (bool, Status, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO cycle_status (cycle_date, scope, opening_status, closing_status, overall, entities_processed, total_opening, total_closing, started_at, updated_at)
VALUES ($1,$2,'IN_PROGRESS','PENDING','OPENING_IN_PROGRESS',0,0,0,NOW(),NOW())
ON CONFLICT (cycle_date, scope) DO UPDATE
SET opening_status='IN_PROGRESS', overall='OPENING_IN_PROGRESS', error_message=NULL, updated_at=NOW()
WHERE cycle_status.opening_status IN ('PENDING','ERROR')
RETURNING `+statusColumns, date, string(scope))
	status, err := scanStatus(row)
	if err != nil {
		if errors.Is(err, ErrStatusNotFound) {
			// Lost the claim: surface the holder's current state.
			current, getErr := r.GetStatus(ctx, date, scope)
			if getErr != nil {
				return false, Status{}, getErr
			}
			return false, current, nil
		}
		return false, Status{}, err
	}
	return true, status, nil
}

// ClaimClosing atomically claims the closing phase of a run whose
// opening already completed.
func (r *Repository) ClaimClosing(ctx context.Context, date time.Time, scope Scope) (bool, Status, error) {
	row := r.pool.QueryRow(ctx, `UPDATE cycle_status
SET closing_status='IN_PROGRESS', overall='CLOSING_IN_PROGRESS', error_message=NULL, updated_at=NOW()
WHERE cycle_date=$1 AND scope=$2 AND opening_status='COMPLETED' AND closing_status IN ('PENDING','ERROR')
RETURNING `+statusColumns, date, string(scope))
	status, err := scanStatus(row)
	if err != nil {
		if errors.Is(err, ErrStatusNotFound) {
			current, getErr := r.GetStatus(ctx, date, scope)
			if getErr != nil {
				return false, Status{}, getErr
			}
			return false, current, nil
		}
		return false, Status{}, err
	}
	return true, status, nil
}

// FinishOpening marks the opening phase complete with its totals. It
// runs on the batch transaction so the completed status commits, or
// rolls back, together with the balance rows it describes.
func (r *txRepository) FinishOpening(ctx context.Context, date time.Time, scope Scope, entities int, total decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE cycle_status
SET opening_status='COMPLETED', overall='OPENING_DONE', entities_processed=$3, total_opening=$4, error_message=NULL, updated_at=NOW()
WHERE cycle_date=$1 AND scope=$2`, date, string(scope), entities, total)
	return err
}

// FinishClosing marks the closing phase complete with its totals,
// atomically with the closing updates.
func (r *txRepository) FinishClosing(ctx context.Context, date time.Time, scope Scope, entities int, total decimal.Decimal, locked bool) error {
	// Locking does not change the run state; a closed day stays CLOSED
	// whether or not the balances were frozen in the same batch.
	overall := StateClosed
	_, err := r.tx.Exec(ctx, `UPDATE cycle_status
SET closing_status='COMPLETED', overall=$5, entities_processed=$3, total_closing=$4, error_message=NULL, updated_at=NOW()
WHERE cycle_date=$1 AND scope=$2`, date, string(scope), entities, total, string(overall))
	return err
}

// MarkOpeningError records a failed opening batch; the batch itself has
// already rolled back.
func (r *Repository) MarkOpeningError(ctx context.Context, date time.Time, scope Scope, message string) error {
	_, err := r.pool.Exec(ctx, `UPDATE cycle_status
SET opening_status='ERROR', overall='ERROR', error_message=$3, updated_at=NOW()
WHERE cycle_date=$1 AND scope=$2`, date, string(scope), message)
	return err
}

// MarkClosingError records a failed closing batch.
func (r *Repository) MarkClosingError(ctx context.Context, date time.Time, scope Scope, message string) error {
	_, err := r.pool.Exec(ctx, `UPDATE cycle_status
SET closing_status='ERROR', overall='ERROR', error_message=$3, updated_at=NOW()
WHERE cycle_date=$1 AND scope=$2`, date, string(scope), message)
	return err
}

// ListActiveEntities returns active entities of the kind ordered by id
// ascending; deterministic iteration keeps audit logs reproducible and
// lock acquisition order consistent across concurrent batches.
func (r *Repository) ListActiveEntities(ctx context.Context, kind balance.EntityKind) ([]balance.Entity, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, kind, classification, COALESCE(product_id, 0), COALESCE(location_id, 0), active, created_at
FROM balance_entities WHERE active AND kind=$1 ORDER BY id ASC`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entities []balance.Entity
	for rows.Next() {
		var e balance.Entity
		if err := rows.Scan(&e.ID, &e.Code, &e.Name, &e.Kind, &e.Classification, &e.ProductID, &e.LocationID, &e.Active, &e.CreatedAt); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SweepStuck flips in-progress runs last touched before cutoff to error.
func (r *Repository) SweepStuck(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE cycle_status
SET opening_status = CASE WHEN opening_status='IN_PROGRESS' THEN 'ERROR' ELSE opening_status END,
    closing_status = CASE WHEN closing_status='IN_PROGRESS' THEN 'ERROR' ELSE closing_status END,
    overall='ERROR', error_message='stuck run swept', updated_at=NOW()
WHERE (opening_status='IN_PROGRESS' OR closing_status='IN_PROGRESS') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const adjustmentColumns = `id, original_date, entity_id, original_balance, amount, new_balance, reason, status, COALESCE(authorized_by, 0), created_by, created_at, applied_at`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var a Adjustment
	err := row.Scan(&a.ID, &a.OriginalDate, &a.EntityID, &a.OriginalBalance, &a.Amount, &a.NewBalance, &a.Reason, &a.Status, &a.AuthorizedBy, &a.CreatedBy, &a.CreatedAt, &a.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, ErrAdjustmentNotFound
		}
		return Adjustment{}, err
	}
	return a, nil
}

// GetAdjustment loads one adjustment entry.
func (r *Repository) GetAdjustment(ctx context.Context, id int64) (Adjustment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM adjustments WHERE id=$1`, id)
	return scanAdjustment(row)
}

const balanceColumns = `id, entity_id, balance_date, opening, closing, period_debit, period_credit, period_adjusted, tx_count, stage, locked, locked_at, COALESCE(lock_reason, ''), grace_until, allows_adjustments, created_at, updated_at`

func scanBalance(row pgx.Row) (balance.DailyBalance, error) {
	var b balance.DailyBalance
	err := row.Scan(&b.ID, &b.EntityID, &b.BalanceDate, &b.Opening, &b.Closing, &b.PeriodDebit, &b.PeriodCredit, &b.PeriodAdjusted, &b.TxCount, &b.Stage, &b.Locked, &b.LockedAt, &b.LockReason, &b.GraceUntil, &b.AllowsAdjustments, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return balance.DailyBalance{}, balance.ErrBalanceNotFound
		}
		return balance.DailyBalance{}, err
	}
	return b, nil
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, entityID int64, date time.Time) (balance.DailyBalance, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE entity_id=$1 AND balance_date=$2 FOR UPDATE`, entityID, date)
	return scanBalance(row)
}

func (r *txRepository) LatestBalanceBefore(ctx context.Context, entityID int64, date time.Time) (balance.DailyBalance, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM daily_balances WHERE entity_id=$1 AND balance_date < $2 ORDER BY balance_date DESC LIMIT 1`, entityID, date)
	return scanBalance(row)
}

func (r *txRepository) ReplayTotals(ctx context.Context, entityID int64, before time.Time) (balance.MovementTotals, error) {
	return r.sumMovements(ctx, `SELECT COALESCE(SUM(amount) FILTER (WHERE direction='DEBIT'), 0), COALESCE(SUM(amount) FILTER (WHERE direction='CREDIT'), 0), COUNT(*)
FROM movements WHERE entity_id=$1 AND tx_date < $2`, entityID, before)
}

func (r *txRepository) DayTotals(ctx context.Context, entityID int64, date time.Time) (balance.MovementTotals, error) {
	return r.sumMovements(ctx, `SELECT COALESCE(SUM(amount) FILTER (WHERE direction='DEBIT'), 0), COALESCE(SUM(amount) FILTER (WHERE direction='CREDIT'), 0), COUNT(*)
FROM movements WHERE entity_id=$1 AND tx_date=$2`, entityID, date)
}

func (r *txRepository) sumMovements(ctx context.Context, query string, entityID int64, date time.Time) (balance.MovementTotals, error) {
	totals := balance.MovementTotals{EntityID: entityID}
	err := r.tx.QueryRow(ctx, query, entityID, date).Scan(&totals.Debit, &totals.Credit, &totals.Count)
	return totals, err
}

func (r *txRepository) InsertDailyBalance(ctx context.Context, row balance.DailyBalance) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO daily_balances (entity_id, balance_date, opening, closing, period_debit, period_credit, period_adjusted, tx_count, stage, locked, allows_adjustments, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,$10,$11,$12) RETURNING id`,
		row.EntityID, row.BalanceDate, row.Opening, row.Closing, row.PeriodDebit, row.PeriodCredit, row.PeriodAdjusted, row.TxCount, string(row.Stage), row.AllowsAdjustments, row.CreatedAt, row.UpdatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateClosing(ctx context.Context, row balance.DailyBalance) error {
	_, err := r.tx.Exec(ctx, `UPDATE daily_balances
SET closing=$3, period_debit=$4, period_credit=$5, tx_count=$6, stage=$7, updated_at=$8
WHERE entity_id=$1 AND balance_date=$2`,
		row.EntityID, row.BalanceDate, row.Closing, row.PeriodDebit, row.PeriodCredit, row.TxCount, string(row.Stage), row.UpdatedAt)
	return err
}

func (r *txRepository) LockDay(ctx context.Context, date time.Time, kind balance.EntityKind, reason string, lockedAt, graceUntil time.Time) (int, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE daily_balances b
SET locked=true, locked_at=$3, lock_reason=$4, grace_until=$5, updated_at=NOW()
FROM balance_entities e
WHERE e.id=b.entity_id AND b.balance_date=$1 AND e.kind=$2`,
		date, string(kind), lockedAt, reason, graceUntil)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *txRepository) UnlockDay(ctx context.Context, date time.Time, kind balance.EntityKind) (int, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE daily_balances b
SET locked=false, locked_at=NULL, lock_reason=NULL, grace_until=NULL, updated_at=NOW()
FROM balance_entities e
WHERE e.id=b.entity_id AND b.balance_date=$1 AND e.kind=$2`,
		date, string(kind))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *txRepository) InsertAdjustment(ctx context.Context, adj Adjustment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO adjustments (original_date, entity_id, original_balance, amount, new_balance, reason, status, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		adj.OriginalDate, adj.EntityID, adj.OriginalBalance, adj.Amount, adj.NewBalance, adj.Reason, string(adj.Status), adj.CreatedBy, adj.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM adjustments WHERE id=$1 FOR UPDATE`, id)
	return scanAdjustment(row)
}

func (r *txRepository) MarkAdjustment(ctx context.Context, id int64, status AdjustmentStatus, authorizedBy int64, appliedAt *time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE adjustments SET status=$2, authorized_by=$3, applied_at=$4 WHERE id=$1`,
		id, string(status), authorizedBy, appliedAt)
	return err
}

func (r *txRepository) ApplyToBalance(ctx context.Context, entityID int64, date time.Time, newClosing, amount decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE daily_balances
SET closing=$3, period_adjusted=period_adjusted+$4, updated_at=NOW()
WHERE entity_id=$1 AND balance_date=$2`, entityID, date, newClosing, amount)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `UPDATE cycle_status
SET overall='ADJUSTED', updated_at=NOW()
WHERE cycle_date=$2
  AND scope=(SELECT CASE kind WHEN 'ACCOUNT' THEN 'FINANCE' ELSE 'INVENTORY' END FROM balance_entities WHERE id=$1)
  AND overall IN ('CLOSED','ADJUSTED')`, entityID, date)
	return err
}

func (r *txRepository) ShiftOpening(ctx context.Context, entityID int64, date time.Time, amount decimal.Decimal) (int, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE daily_balances
SET opening=opening+$3, closing=closing+$3, updated_at=NOW()
WHERE entity_id=$1 AND balance_date=$2`, entityID, date, amount)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
