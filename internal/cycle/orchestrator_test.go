package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/daybook-erp/daybook/internal/audit"
	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/shared"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func balKey(entityID int64, date time.Time) string {
	return fmt.Sprintf("%d:%s", entityID, date.Format("2006-01-02"))
}

func runKey(date time.Time, scope Scope) string {
	return fmt.Sprintf("%s:%s", date.Format("2006-01-02"), scope)
}

type memoryRepo struct {
	statuses    map[string]Status
	entities    []balance.Entity
	balances    map[string]balance.DailyBalance
	movements   []balance.Movement
	adjustments map[int64]Adjustment
	nextBal     int64
	nextAdj     int64

	insertErr error
	finishErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		statuses:    make(map[string]Status),
		balances:    make(map[string]balance.DailyBalance),
		adjustments: make(map[int64]Adjustment),
	}
}

type memoryTx struct {
	repo *memoryRepo
}

// WithTx emulates whole-batch rollback by restoring a snapshot when the
// callback fails.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	balances := make(map[string]balance.DailyBalance, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	adjustments := make(map[int64]Adjustment, len(m.adjustments))
	for k, v := range m.adjustments {
		adjustments[k] = v
	}
	statuses := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		statuses[k] = v
	}
	nextBal, nextAdj := m.nextBal, m.nextAdj
	if err := fn(ctx, &memoryTx{repo: m}); err != nil {
		m.balances = balances
		m.adjustments = adjustments
		m.statuses = statuses
		m.nextBal, m.nextAdj = nextBal, nextAdj
		return err
	}
	return nil
}

func (m *memoryRepo) GetStatus(_ context.Context, date time.Time, scope Scope) (Status, error) {
	status, ok := m.statuses[runKey(date, scope)]
	if !ok {
		return Status{}, ErrStatusNotFound
	}
	return status, nil
}

func (m *memoryRepo) ClaimOpening(_ context.Context, date time.Time, scope Scope) (bool, Status, error) {
	key := runKey(date, scope)
	status, ok := m.statuses[key]
	if !ok {
		status = Status{
			CycleDate:     date,
			Scope:         scope,
			OpeningStatus: PhaseInProgress,
			ClosingStatus: PhasePending,
			Overall:       StateOpeningInProgress,
		}
		m.statuses[key] = status
		return true, status, nil
	}
	if status.OpeningStatus == PhasePending || status.OpeningStatus == PhaseError {
		status.OpeningStatus = PhaseInProgress
		status.Overall = StateOpeningInProgress
		status.ErrorMessage = ""
		m.statuses[key] = status
		return true, status, nil
	}
	return false, status, nil
}

func (m *memoryRepo) ClaimClosing(_ context.Context, date time.Time, scope Scope) (bool, Status, error) {
	key := runKey(date, scope)
	status, ok := m.statuses[key]
	if !ok {
		return false, Status{}, ErrStatusNotFound
	}
	if status.OpeningStatus == PhaseCompleted && (status.ClosingStatus == PhasePending || status.ClosingStatus == PhaseError) {
		status.ClosingStatus = PhaseInProgress
		status.Overall = StateClosingInProgress
		status.ErrorMessage = ""
		m.statuses[key] = status
		return true, status, nil
	}
	return false, status, nil
}

func (m *memoryTx) FinishOpening(_ context.Context, date time.Time, scope Scope, entities int, total decimal.Decimal) error {
	if m.repo.finishErr != nil {
		return m.repo.finishErr
	}
	key := runKey(date, scope)
	status := m.repo.statuses[key]
	status.OpeningStatus = PhaseCompleted
	status.Overall = StateOpeningDone
	status.EntitiesProcessed = entities
	status.TotalOpening = total
	m.repo.statuses[key] = status
	return nil
}

func (m *memoryTx) FinishClosing(_ context.Context, date time.Time, scope Scope, entities int, total decimal.Decimal, locked bool) error {
	if m.repo.finishErr != nil {
		return m.repo.finishErr
	}
	key := runKey(date, scope)
	status := m.repo.statuses[key]
	status.ClosingStatus = PhaseCompleted
	status.Overall = StateClosed
	status.EntitiesProcessed = entities
	status.TotalClosing = total
	m.repo.statuses[key] = status
	return nil
}

func (m *memoryRepo) MarkOpeningError(_ context.Context, date time.Time, scope Scope, message string) error {
	key := runKey(date, scope)
	status := m.statuses[key]
	status.OpeningStatus = PhaseError
	status.Overall = StateError
	status.ErrorMessage = message
	m.statuses[key] = status
	return nil
}

func (m *memoryRepo) MarkClosingError(_ context.Context, date time.Time, scope Scope, message string) error {
	key := runKey(date, scope)
	status := m.statuses[key]
	status.ClosingStatus = PhaseError
	status.Overall = StateError
	status.ErrorMessage = message
	m.statuses[key] = status
	return nil
}

func (m *memoryRepo) ListActiveEntities(_ context.Context, kind balance.EntityKind) ([]balance.Entity, error) {
	var out []balance.Entity
	for _, e := range m.entities {
		if e.Active && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepo) SweepStuck(_ context.Context, olderThan time.Time) (int, error) {
	swept := 0
	for key, status := range m.statuses {
		if (status.OpeningStatus == PhaseInProgress || status.ClosingStatus == PhaseInProgress) && status.UpdatedAt.Before(olderThan) {
			if status.OpeningStatus == PhaseInProgress {
				status.OpeningStatus = PhaseError
			}
			if status.ClosingStatus == PhaseInProgress {
				status.ClosingStatus = PhaseError
			}
			status.Overall = StateError
			m.statuses[key] = status
			swept++
		}
	}
	return swept, nil
}

func (m *memoryRepo) GetAdjustment(_ context.Context, id int64) (Adjustment, error) {
	adj, ok := m.adjustments[id]
	if !ok {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	return adj, nil
}

func (m *memoryTx) GetBalanceForUpdate(_ context.Context, entityID int64, date time.Time) (balance.DailyBalance, error) {
	row, ok := m.repo.balances[balKey(entityID, date)]
	if !ok {
		return balance.DailyBalance{}, balance.ErrBalanceNotFound
	}
	return row, nil
}

func (m *memoryTx) LatestBalanceBefore(_ context.Context, entityID int64, date time.Time) (balance.DailyBalance, error) {
	var best balance.DailyBalance
	found := false
	for _, row := range m.repo.balances {
		if row.EntityID != entityID || !row.BalanceDate.Before(date) {
			continue
		}
		if !found || row.BalanceDate.After(best.BalanceDate) {
			best = row
			found = true
		}
	}
	if !found {
		return balance.DailyBalance{}, balance.ErrBalanceNotFound
	}
	return best, nil
}

func (m *memoryTx) ReplayTotals(_ context.Context, entityID int64, before time.Time) (balance.MovementTotals, error) {
	totals := balance.MovementTotals{EntityID: entityID, Debit: decimal.Zero, Credit: decimal.Zero}
	for _, mv := range m.repo.movements {
		if mv.EntityID != entityID || !mv.TxDate.Before(before) {
			continue
		}
		if mv.Direction == balance.DirectionDebit {
			totals.Debit = totals.Debit.Add(mv.Amount)
		} else {
			totals.Credit = totals.Credit.Add(mv.Amount)
		}
		totals.Count++
	}
	return totals, nil
}

func (m *memoryTx) DayTotals(_ context.Context, entityID int64, date time.Time) (balance.MovementTotals, error) {
	totals := balance.MovementTotals{EntityID: entityID, Debit: decimal.Zero, Credit: decimal.Zero}
	for _, mv := range m.repo.movements {
		if mv.EntityID != entityID || !mv.TxDate.Equal(date) {
			continue
		}
		if mv.Direction == balance.DirectionDebit {
			totals.Debit = totals.Debit.Add(mv.Amount)
		} else {
			totals.Credit = totals.Credit.Add(mv.Amount)
		}
		totals.Count++
	}
	return totals, nil
}

func (m *memoryTx) InsertDailyBalance(_ context.Context, row balance.DailyBalance) (int64, error) {
	if m.repo.insertErr != nil {
		return 0, m.repo.insertErr
	}
	key := balKey(row.EntityID, row.BalanceDate)
	if _, exists := m.repo.balances[key]; exists {
		return 0, fmt.Errorf("duplicate balance row %s", key)
	}
	m.repo.nextBal++
	row.ID = m.repo.nextBal
	m.repo.balances[key] = row
	return row.ID, nil
}

func (m *memoryTx) UpdateClosing(_ context.Context, row balance.DailyBalance) error {
	key := balKey(row.EntityID, row.BalanceDate)
	current, ok := m.repo.balances[key]
	if !ok {
		return balance.ErrBalanceNotFound
	}
	current.Closing = row.Closing
	current.PeriodDebit = row.PeriodDebit
	current.PeriodCredit = row.PeriodCredit
	current.TxCount = row.TxCount
	current.Stage = row.Stage
	current.UpdatedAt = row.UpdatedAt
	m.repo.balances[key] = current
	return nil
}

func (m *memoryTx) LockDay(_ context.Context, date time.Time, kind balance.EntityKind, reason string, lockedAt, graceUntil time.Time) (int, error) {
	locked := 0
	for key, row := range m.repo.balances {
		if !row.BalanceDate.Equal(date) || !m.repo.entityKindIs(row.EntityID, kind) {
			continue
		}
		at := lockedAt
		grace := graceUntil
		row.Locked = true
		row.LockedAt = &at
		row.LockReason = reason
		row.GraceUntil = &grace
		m.repo.balances[key] = row
		locked++
	}
	return locked, nil
}

func (m *memoryTx) UnlockDay(_ context.Context, date time.Time, kind balance.EntityKind) (int, error) {
	unlocked := 0
	for key, row := range m.repo.balances {
		if !row.BalanceDate.Equal(date) || !m.repo.entityKindIs(row.EntityID, kind) {
			continue
		}
		row.Locked = false
		row.LockedAt = nil
		row.LockReason = ""
		row.GraceUntil = nil
		m.repo.balances[key] = row
		unlocked++
	}
	return unlocked, nil
}

func (m *memoryRepo) entityKindIs(entityID int64, kind balance.EntityKind) bool {
	for _, e := range m.entities {
		if e.ID == entityID {
			return e.Kind == kind
		}
	}
	return false
}

func (m *memoryTx) InsertAdjustment(_ context.Context, adj Adjustment) (int64, error) {
	m.repo.nextAdj++
	adj.ID = m.repo.nextAdj
	m.repo.adjustments[adj.ID] = adj
	return adj.ID, nil
}

func (m *memoryTx) GetAdjustmentForUpdate(_ context.Context, id int64) (Adjustment, error) {
	adj, ok := m.repo.adjustments[id]
	if !ok {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	return adj, nil
}

func (m *memoryTx) MarkAdjustment(_ context.Context, id int64, status AdjustmentStatus, authorizedBy int64, appliedAt *time.Time) error {
	adj, ok := m.repo.adjustments[id]
	if !ok {
		return ErrAdjustmentNotFound
	}
	adj.Status = status
	adj.AuthorizedBy = authorizedBy
	adj.AppliedAt = appliedAt
	m.repo.adjustments[id] = adj
	return nil
}

func (m *memoryTx) ApplyToBalance(_ context.Context, entityID int64, date time.Time, newClosing, amount decimal.Decimal) error {
	key := balKey(entityID, date)
	row, ok := m.repo.balances[key]
	if !ok {
		return balance.ErrBalanceNotFound
	}
	row.Closing = newClosing
	row.PeriodAdjusted = row.PeriodAdjusted.Add(amount)
	m.repo.balances[key] = row
	return nil
}

func (m *memoryTx) ShiftOpening(_ context.Context, entityID int64, date time.Time, amount decimal.Decimal) (int, error) {
	key := balKey(entityID, date)
	row, ok := m.repo.balances[key]
	if !ok {
		return 0, nil
	}
	row.Opening = row.Opening.Add(amount)
	row.Closing = row.Closing.Add(amount)
	m.repo.balances[key] = row
	return 1, nil
}

type fakeAudit struct {
	entries []audit.Entry
}

func (f *fakeAudit) Record(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeAudit) actions() []audit.Action {
	out := make([]audit.Action, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

func cashAccount() balance.Entity {
	return balance.Entity{ID: 1, Code: "1000", Name: "Cash", Kind: balance.KindAccount, Classification: balance.ClassAsset, Active: true}
}

func loanAccount() balance.Entity {
	return balance.Entity{ID: 2, Code: "2000", Name: "Bank Loan", Kind: balance.KindAccount, Classification: balance.ClassLiability, Active: true}
}

func seedClosedDay(repo *memoryRepo, entity balance.Entity, date time.Time, closing decimal.Decimal) {
	repo.nextBal++
	repo.balances[balKey(entity.ID, date)] = balance.DailyBalance{
		ID:                repo.nextBal,
		EntityID:          entity.ID,
		BalanceDate:       date,
		Opening:           closing,
		Closing:           closing,
		PeriodDebit:       decimal.Zero,
		PeriodCredit:      decimal.Zero,
		PeriodAdjusted:    decimal.Zero,
		Stage:             balance.StageClosingCalculated,
		AllowsAdjustments: true,
	}
}

func newTestOrchestrator(repo *memoryRepo, auditor *fakeAudit) *Orchestrator {
	o := NewOrchestrator(repo, auditor, nil, Config{GraceHours: 72})
	o.WithNow(func() time.Time { return day("2026-03-02").Add(23 * time.Hour) })
	return o
}

func TestCaptureOpeningCarriesForwardPriorClosing(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})

	summary, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Entities)
	require.True(t, summary.TotalOpening.Equal(dec("100")))
	require.False(t, summary.AlreadyCaptured)

	row := repo.balances[balKey(1, day("2026-03-02"))]
	require.True(t, row.Opening.Equal(dec("100")))
	require.True(t, row.Closing.Equal(dec("100")))
	require.Equal(t, balance.StageOpeningCaptured, row.Stage)
}

func TestCaptureOpeningIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})

	first, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	second, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	require.True(t, second.AlreadyCaptured)
	require.Equal(t, first.Entities, second.Entities)
	require.True(t, first.TotalOpening.Equal(second.TotalOpening))
	require.Len(t, repo.balances, 2)
}

func TestCaptureOpeningConcurrentClaim(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	repo.statuses[runKey(day("2026-03-02"), ScopeFinance)] = Status{
		CycleDate:     day("2026-03-02"),
		Scope:         ScopeFinance,
		OpeningStatus: PhaseInProgress,
		Overall:       StateOpeningInProgress,
	}
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.ErrorIs(t, err, ErrRunInProgress)
}

func TestCaptureOpeningMissingPriorDay(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.ErrorIs(t, err, ErrMissingPriorDay)
	require.Empty(t, repo.balances)

	status := repo.statuses[runKey(day("2026-03-02"), ScopeFinance)]
	require.Equal(t, PhaseError, status.OpeningStatus)
}

func TestCaptureOpeningBootstrapFromMovements(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	repo.movements = []balance.Movement{
		{EntityID: 1, TxDate: day("2026-02-27"), Direction: balance.DirectionDebit, Amount: dec("250")},
		{EntityID: 1, TxDate: day("2026-03-01"), Direction: balance.DirectionCredit, Amount: dec("40")},
	}
	o := newTestOrchestrator(repo, &fakeAudit{})

	summary, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{Bootstrap: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Bootstrapped)
	require.True(t, summary.TotalOpening.Equal(dec("210")))
}

func TestCaptureOpeningPriorDayNotClosed(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	key := balKey(1, day("2026-03-01"))
	row := repo.balances[key]
	row.Stage = balance.StageOpeningCaptured
	repo.balances[key] = row
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.ErrorIs(t, err, ErrPriorDayOpen)
}

func TestCaptureOpeningBatchRollsBack(t *testing.T) {
	repo := newMemoryRepo()
	third := balance.Entity{ID: 3, Code: "1001", Name: "Petty Cash", Kind: balance.KindAccount, Classification: balance.ClassAsset, Active: true}
	repo.entities = []balance.Entity{cashAccount(), third}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	// No prior row for the second entity and no bootstrap requested, so
	// the whole batch must roll back including the first insert.
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.ErrorIs(t, err, ErrMissingPriorDay)
	_, exists := repo.balances[balKey(1, day("2026-03-02"))]
	require.False(t, exists)
}

func TestCalculateClosingRequiresOpening(t *testing.T) {
	repo := newMemoryRepo()
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{})
	require.ErrorIs(t, err, ErrOpeningNotCaptured)
}

func TestCalculateClosingSignedFormula(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount(), loanAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	seedClosedDay(repo, loanAccount(), day("2026-03-01"), dec("500"))
	repo.movements = []balance.Movement{
		// Debit-normal: debits increase cash.
		{EntityID: 1, TxDate: day("2026-03-02"), Direction: balance.DirectionDebit, Amount: dec("40")},
		{EntityID: 1, TxDate: day("2026-03-02"), Direction: balance.DirectionCredit, Amount: dec("15")},
		// Credit-normal: credits increase the loan.
		{EntityID: 2, TxDate: day("2026-03-02"), Direction: balance.DirectionCredit, Amount: dec("200")},
		{EntityID: 2, TxDate: day("2026-03-02"), Direction: balance.DirectionDebit, Amount: dec("50")},
	}
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	summary, err := o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Entities)
	require.Equal(t, 4, summary.TxCount)

	cash := repo.balances[balKey(1, day("2026-03-02"))]
	require.True(t, cash.Closing.Equal(dec("125")), "cash closing %s", cash.Closing)
	loan := repo.balances[balKey(2, day("2026-03-02"))]
	require.True(t, loan.Closing.Equal(dec("650")), "loan closing %s", loan.Closing)

	require.True(t, summary.TotalsByClass[balance.ClassAsset].Equal(dec("25")))
	require.True(t, summary.TotalsByClass[balance.ClassLiability].Equal(dec("150")))
}

func TestClosingThenNextOpeningCarriesForward(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	repo.movements = []balance.Movement{
		{EntityID: 1, TxDate: day("2026-03-02"), Direction: balance.DirectionDebit, Amount: dec("100")},
	}
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{Bootstrap: true})
	require.NoError(t, err)
	_, err = o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{})
	require.NoError(t, err)

	next, err := o.CaptureOpening(context.Background(), day("2026-03-03"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	require.True(t, next.TotalOpening.Equal(dec("100")))
	row := repo.balances[balKey(1, day("2026-03-03"))]
	require.True(t, row.Opening.Equal(dec("100")))
}

func TestCalculateClosingIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	first, err := o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{})
	require.NoError(t, err)
	second, err := o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{})
	require.NoError(t, err)
	require.True(t, second.AlreadyClosed)
	require.True(t, first.TotalClosing.Equal(second.TotalClosing))
}

func TestCalculateClosingLockAfter(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	auditor := &fakeAudit{}
	o := newTestOrchestrator(repo, auditor)

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	summary, err := o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{LockAfter: true, LockReason: "daily close"})
	require.NoError(t, err)
	require.True(t, summary.Locked)

	row := repo.balances[balKey(1, day("2026-03-02"))]
	require.True(t, row.Locked)
	require.Equal(t, "daily close", row.LockReason)
	require.NotNil(t, row.GraceUntil)
	require.Equal(t, 72*time.Hour, row.GraceUntil.Sub(*row.LockedAt))
	require.Contains(t, auditor.actions(), audit.ActionLocked)
}

func TestLockRequiresClosing(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	err = o.Lock(context.Background(), day("2026-03-02"), ScopeFinance, "early", shared.System)
	require.ErrorIs(t, err, ErrClosingNotCalculated)
}

func TestUnlockClearsLockAndAudits(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	auditor := &fakeAudit{}
	o := newTestOrchestrator(repo, auditor)

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	_, err = o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{LockAfter: true})
	require.NoError(t, err)

	require.NoError(t, o.Unlock(context.Background(), day("2026-03-02"), ScopeFinance, shared.System))
	row := repo.balances[balKey(1, day("2026-03-02"))]
	require.False(t, row.Locked)
	require.Nil(t, row.GraceUntil)
	require.Contains(t, auditor.actions(), audit.ActionUnlocked)
}

func TestSweepStuckFlipsOldRuns(t *testing.T) {
	repo := newMemoryRepo()
	stale := day("2026-03-02").Add(1 * time.Hour)
	repo.statuses[runKey(day("2026-03-02"), ScopeFinance)] = Status{
		CycleDate:     day("2026-03-02"),
		Scope:         ScopeFinance,
		OpeningStatus: PhaseInProgress,
		Overall:       StateOpeningInProgress,
		UpdatedAt:     stale,
	}
	o := newTestOrchestrator(repo, &fakeAudit{})

	swept, err := o.SweepStuck(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, swept)
	status := repo.statuses[runKey(day("2026-03-02"), ScopeFinance)]
	require.Equal(t, PhaseError, status.OpeningStatus)
	require.Equal(t, StateError, status.Overall)
}

func closedLockedDay(t *testing.T, repo *memoryRepo, o *Orchestrator) {
	t.Helper()
	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	_, err = o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{LockAfter: true, LockReason: "daily close"})
	require.NoError(t, err)
}

func TestCreateAdjustmentWithinGrace(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})
	closedLockedDay(t, repo, o)

	adj, err := o.CreateAdjustment(context.Background(), AdjustmentInput{
		Date:     day("2026-03-02"),
		EntityID: 1,
		Amount:   dec("-10"),
		Reason:   "late invoice",
		Actor:    shared.Actor{ID: 7, Name: "controller"},
	})
	require.NoError(t, err)
	require.Equal(t, AdjustmentPending, adj.Status)
	require.True(t, adj.OriginalBalance.Equal(dec("100")))
	require.True(t, adj.NewBalance.Equal(dec("90")))

	// Pending entries leave the closing figure untouched.
	row := repo.balances[balKey(1, day("2026-03-02"))]
	require.True(t, row.Closing.Equal(dec("100")))
}

func TestCreateAdjustmentAfterGraceExpiry(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})
	closedLockedDay(t, repo, o)

	// Move the clock past the persisted grace boundary.
	o.WithNow(func() time.Time { return day("2026-03-06").Add(12 * time.Hour) })
	_, err := o.CreateAdjustment(context.Background(), AdjustmentInput{
		Date:     day("2026-03-02"),
		EntityID: 1,
		Amount:   dec("5"),
		Reason:   "too late",
		Actor:    shared.Actor{ID: 7},
	})
	require.ErrorIs(t, err, ErrGraceExpired)
}

func TestApplyAdjustmentUpdatesClosing(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	auditor := &fakeAudit{}
	o := newTestOrchestrator(repo, auditor)
	closedLockedDay(t, repo, o)

	adj, err := o.CreateAdjustment(context.Background(), AdjustmentInput{
		Date:     day("2026-03-02"),
		EntityID: 1,
		Amount:   dec("-10"),
		Reason:   "late invoice",
		Actor:    shared.Actor{ID: 7},
	})
	require.NoError(t, err)

	applied, err := o.ApplyAdjustment(context.Background(), adj.ID, shared.Actor{ID: 9, Name: "cfo"})
	require.NoError(t, err)
	require.Equal(t, AdjustmentApplied, applied.Status)
	require.Equal(t, int64(9), applied.AuthorizedBy)
	require.NotNil(t, applied.AppliedAt)
	require.True(t, applied.OriginalBalance.Equal(dec("100")))
	require.True(t, applied.NewBalance.Equal(dec("90")))

	row := repo.balances[balKey(1, day("2026-03-02"))]
	require.True(t, row.Closing.Equal(dec("90")))
	require.True(t, row.PeriodAdjusted.Equal(dec("-10")))
	require.Contains(t, auditor.actions(), audit.ActionAdjustmentApplied)

	// Settled entries cannot be applied again.
	_, err = o.ApplyAdjustment(context.Background(), adj.ID, shared.Actor{ID: 9})
	require.ErrorIs(t, err, ErrAdjustmentNotPending)
}

func TestRejectAdjustmentLeavesBalance(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})
	closedLockedDay(t, repo, o)

	adj, err := o.CreateAdjustment(context.Background(), AdjustmentInput{
		Date:     day("2026-03-02"),
		EntityID: 1,
		Amount:   dec("25"),
		Reason:   "duplicate receipt",
		Actor:    shared.Actor{ID: 7},
	})
	require.NoError(t, err)

	rejected, err := o.RejectAdjustment(context.Background(), adj.ID, shared.Actor{ID: 9})
	require.NoError(t, err)
	require.Equal(t, AdjustmentRejected, rejected.Status)
	require.Nil(t, rejected.AppliedAt)

	row := repo.balances[balKey(1, day("2026-03-02"))]
	require.True(t, row.Closing.Equal(dec("100")))
	require.True(t, row.PeriodAdjusted.IsZero())
}

func TestAdjustmentPropagatesToNextOpening(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})
	closedLockedDay(t, repo, o)

	next, err := o.CaptureOpening(context.Background(), day("2026-03-03"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	require.True(t, next.TotalOpening.Equal(dec("100")))

	adj, err := o.CreateAdjustment(context.Background(), AdjustmentInput{
		Date:     day("2026-03-02"),
		EntityID: 1,
		Amount:   dec("-10"),
		Reason:   "late invoice",
		Actor:    shared.Actor{ID: 7},
	})
	require.NoError(t, err)
	_, err = o.ApplyAdjustment(context.Background(), adj.ID, shared.Actor{ID: 9})
	require.NoError(t, err)

	// The already-captured 03-03 opening inherited the pre-adjustment
	// closing and must shift with the correction.
	row := repo.balances[balKey(1, day("2026-03-03"))]
	require.True(t, row.Opening.Equal(dec("90")))
	require.True(t, row.Closing.Equal(dec("90")))

	adjusted := repo.balances[balKey(1, day("2026-03-02"))]
	require.True(t, adjusted.Closing.Equal(dec("90")))
}

func TestErrorRunCanBeRetried(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	repo.insertErr = errors.New("disk full")
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.Error(t, err)

	repo.insertErr = nil
	summary, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Entities)
}

func TestCaptureOpeningStatusCommitsWithRows(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	repo.finishErr = errors.New("connection reset")
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.Error(t, err)

	// A failed completion write must take the batch down with it. Durable
	// balance rows under a non-completed run would make every retry
	// collide on (entity_id, balance_date) forever.
	_, ok := repo.balances[balKey(1, day("2026-03-02"))]
	require.False(t, ok)
	status := repo.statuses[runKey(day("2026-03-02"), ScopeFinance)]
	require.Equal(t, PhaseError, status.OpeningStatus)

	repo.finishErr = nil
	summary, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Entities)
	require.True(t, summary.TotalOpening.Equal(dec("100")))
}

func TestCalculateClosingStatusCommitsWithRows(t *testing.T) {
	repo := newMemoryRepo()
	repo.entities = []balance.Entity{cashAccount()}
	seedClosedDay(repo, cashAccount(), day("2026-03-01"), dec("100"))
	o := newTestOrchestrator(repo, &fakeAudit{})

	_, err := o.CaptureOpening(context.Background(), day("2026-03-02"), ScopeFinance, CaptureOptions{})
	require.NoError(t, err)

	repo.finishErr = errors.New("connection reset")
	_, err = o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{})
	require.Error(t, err)
	row := repo.balances[balKey(1, day("2026-03-02"))]
	require.Equal(t, balance.StageOpeningCaptured, row.Stage)

	repo.finishErr = nil
	summary, err := o.CalculateClosing(context.Background(), day("2026-03-02"), ScopeFinance, ClosingOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Entities)
}
