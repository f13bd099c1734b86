package audit

import (
	"context"
	"errors"
	"time"

	"github.com/daybook-erp/daybook/internal/shared"
)

// RepositoryPort abstracts trail persistence. There is deliberately no
// update or delete operation.
type RepositoryPort interface {
	Insert(ctx context.Context, entry Entry) (int64, error)
	ListWindow(ctx context.Context, filter TrailFilter, limit, offset int) ([]Entry, error)
}

// Result bundles trail rows with paging metadata.
type Result struct {
	Rows   []Entry
	Paging shared.PagingInfo
}

// Service records and serves the audit trail.
type Service struct {
	repo RepositoryPort
	now  func() time.Time
}

// NewService builds the audit service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Record appends one entry to the trail.
func (s *Service) Record(ctx context.Context, entry Entry) (Entry, error) {
	if s == nil || s.repo == nil {
		return Entry{}, errors.New("audit: service not initialised")
	}
	if entry.Action == "" || entry.TrailDate.IsZero() {
		return Entry{}, ErrInvalidEntry
	}
	if entry.At.IsZero() {
		entry.At = s.now().UTC()
	}
	id, err := s.repo.Insert(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = id
	return entry, nil
}

// Trail returns a page of the trail for the filter.
func (s *Service) Trail(ctx context.Context, filter TrailFilter) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, errors.New("audit: service not initialised")
	}
	page, pageSize := shared.NormalisePage(filter.Page, filter.PageSize, 100)
	offset := (page - 1) * pageSize
	rows, err := s.repo.ListWindow(ctx, filter, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	return Result{Rows: rows, Paging: shared.NewPagingInfo(page, pageSize, hasNext)}, nil
}
