package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts repository usage for the ledger service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntity(ctx context.Context, id int64) (Entity, error)
	GetBalance(ctx context.Context, entityID int64, date time.Time) (DailyBalance, error)
	LatestBalanceBefore(ctx context.Context, entityID int64, date time.Time) (DailyBalance, error)
	ListActiveEntities(ctx context.Context, kind EntityKind) ([]Entity, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, entityID int64, date time.Time) (DailyBalance, error)
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

// Ledger accepts validated movement records and answers balance queries.
type Ledger struct {
	repo RepositoryPort
	now  func() time.Time
}

// NewLedger builds the ledger service.
func NewLedger(repo RepositoryPort) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (l *Ledger) WithNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// MovementInput describes a posting against a balance date.
type MovementInput struct {
	EntityID  int64
	TxDate    time.Time
	Direction Direction
	Amount    decimal.Decimal
	Reference string
}

// Validate ensures the posting is arithmetically coherent.
func (in MovementInput) Validate() error {
	if in.EntityID == 0 {
		return errors.New("balance: entity id required")
	}
	if in.TxDate.IsZero() {
		return errors.New("balance: tx date required")
	}
	if in.Direction != DirectionDebit && in.Direction != DirectionCredit {
		return fmt.Errorf("balance: unknown direction %q", in.Direction)
	}
	if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if in.Reference != "" {
		if _, err := uuid.Parse(in.Reference); err != nil {
			return fmt.Errorf("balance: invalid reference: %w", err)
		}
	}
	return nil
}

// PostMovement records a movement for the entity's day. A locked day
// rejects direct postings; corrections go through the adjustment workflow.
func (l *Ledger) PostMovement(ctx context.Context, in MovementInput) (Movement, error) {
	var movement Movement
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		movement, err = l.PostMovementTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	return movement, nil
}

// PostMovementTx records a movement inside a caller-owned transaction, so
// a domain write and its ledger posting commit or roll back as one.
func (l *Ledger) PostMovementTx(ctx context.Context, tx TxRepository, in MovementInput) (Movement, error) {
	if err := in.Validate(); err != nil {
		return Movement{}, err
	}
	entity, err := l.repo.GetEntity(ctx, in.EntityID)
	if err != nil {
		return Movement{}, err
	}
	if !entity.Active {
		return Movement{}, ErrInactiveEntity
	}
	movement := Movement{
		EntityID:  in.EntityID,
		TxDate:    DayDate(in.TxDate),
		Direction: in.Direction,
		Amount:    in.Amount,
		Reference: in.Reference,
		PostedAt:  l.now().UTC(),
	}
	row, err := tx.GetBalanceForUpdate(ctx, movement.EntityID, movement.TxDate)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Movement{}, err
	}
	if err == nil && row.Locked {
		return Movement{}, ErrDayLocked
	}
	id, err := tx.InsertMovement(ctx, movement)
	if err != nil {
		return Movement{}, err
	}
	movement.ID = id
	return movement, nil
}

// GetBalance returns the daily balance row for (entity, date).
func (l *Ledger) GetBalance(ctx context.Context, entityID int64, date time.Time) (DailyBalance, error) {
	if entityID == 0 {
		return DailyBalance{}, errors.New("balance: entity id required")
	}
	return l.repo.GetBalance(ctx, entityID, DayDate(date))
}
