// Package readapi serves the read-only reporting endpoints. All writes
// flow through the scheduled jobs and the adjustment workflow; nothing
// here mutates state.
package readapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/daybook-erp/daybook/internal/audit"
	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/cycle"
	"github.com/daybook-erp/daybook/internal/platform/httpx"
	"github.com/daybook-erp/daybook/internal/shared"
	"github.com/daybook-erp/daybook/internal/valuation"
)

// CycleService resolves run status.
type CycleService interface {
	GetStatus(ctx context.Context, date time.Time, scope cycle.Scope) (cycle.Status, error)
}

// BalanceService resolves daily balance rows.
type BalanceService interface {
	GetBalance(ctx context.Context, entityID int64, date time.Time) (balance.DailyBalance, error)
}

// AuditService serves the paged trail.
type AuditService interface {
	Trail(ctx context.Context, filter audit.TrailFilter) (audit.Result, error)
}

// ValuationService serves persisted snapshot rows.
type ValuationService interface {
	Snapshots(ctx context.Context, date time.Time, page, pageSize int) ([]valuation.Snapshot, shared.PagingInfo, error)
}

// Handler wires the read endpoints.
type Handler struct {
	logger    *slog.Logger
	cycles    CycleService
	balances  BalanceService
	trail     AuditService
	snapshots ValuationService
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, cycles CycleService, balances BalanceService, trail AuditService, snapshots ValuationService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		cycles:    cycles,
		balances:  balances,
		trail:     trail,
		snapshots: snapshots,
		validator: validator.New(),
	}
}

type statusQuery struct {
	Date  string `validate:"required,datetime=2006-01-02"`
	Scope string `validate:"required,oneof=FINANCE INVENTORY"`
}

type cycleStatusResponse struct {
	CycleDate         string `json:"cycle_date"`
	Scope             string `json:"scope"`
	OpeningStatus     string `json:"opening_status"`
	ClosingStatus     string `json:"closing_status"`
	Overall           string `json:"overall"`
	EntitiesProcessed int    `json:"entities_processed"`
	TotalOpening      string `json:"total_opening"`
	TotalClosing      string `json:"total_closing"`
	ErrorMessage      string `json:"error_message,omitempty"`
	UpdatedAt         string `json:"updated_at"`
}

func (h *Handler) handleCycleStatus(w http.ResponseWriter, r *http.Request) {
	q := statusQuery{
		Date:  r.URL.Query().Get("date"),
		Scope: r.URL.Query().Get("scope"),
	}
	if err := h.validator.Struct(q); err != nil {
		httpx.BadRequest(w, "date (YYYY-MM-DD) and scope (FINANCE|INVENTORY) are required")
		return
	}
	date, _ := time.Parse("2006-01-02", q.Date)
	status, err := h.cycles.GetStatus(r.Context(), date, cycle.Scope(q.Scope))
	if err != nil {
		if errors.Is(err, cycle.ErrStatusNotFound) {
			httpx.NotFound(w, "no run recorded for this date and scope")
			return
		}
		h.logger.Error("cycle status", slog.Any("error", err))
		httpx.ServerError(w)
		return
	}
	httpx.JSON(w, http.StatusOK, cycleStatusResponse{
		CycleDate:         status.CycleDate.Format("2006-01-02"),
		Scope:             string(status.Scope),
		OpeningStatus:     string(status.OpeningStatus),
		ClosingStatus:     string(status.ClosingStatus),
		Overall:           string(status.Overall),
		EntitiesProcessed: status.EntitiesProcessed,
		TotalOpening:      status.TotalOpening.StringFixed(2),
		TotalClosing:      status.TotalClosing.StringFixed(2),
		ErrorMessage:      status.ErrorMessage,
		UpdatedAt:         status.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

type balanceResponse struct {
	EntityID       int64  `json:"entity_id"`
	BalanceDate    string `json:"balance_date"`
	Opening        string `json:"opening"`
	Closing        string `json:"closing"`
	PeriodDebit    string `json:"period_debit"`
	PeriodCredit   string `json:"period_credit"`
	PeriodAdjusted string `json:"period_adjusted"`
	TxCount        int    `json:"tx_count"`
	Stage          string `json:"stage"`
	Locked         bool   `json:"locked"`
	LockReason     string `json:"lock_reason,omitempty"`
	GraceUntil     string `json:"grace_until,omitempty"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	entityID, err := strconv.ParseInt(chi.URLParam(r, "entityID"), 10, 64)
	if err != nil || entityID <= 0 {
		httpx.BadRequest(w, "entityID must be a positive integer")
		return
	}
	rawDate := r.URL.Query().Get("date")
	date, err := time.Parse("2006-01-02", rawDate)
	if err != nil {
		httpx.BadRequest(w, "date (YYYY-MM-DD) is required")
		return
	}
	row, err := h.balances.GetBalance(r.Context(), entityID, date)
	if err != nil {
		switch {
		case errors.Is(err, balance.ErrBalanceNotFound), errors.Is(err, balance.ErrEntityNotFound):
			httpx.NotFound(w, "no balance for this entity and date")
		default:
			h.logger.Error("get balance", slog.Any("error", err))
			httpx.ServerError(w)
		}
		return
	}
	resp := balanceResponse{
		EntityID:       row.EntityID,
		BalanceDate:    row.BalanceDate.Format("2006-01-02"),
		Opening:        row.Opening.StringFixed(2),
		Closing:        row.Closing.StringFixed(2),
		PeriodDebit:    row.PeriodDebit.StringFixed(2),
		PeriodCredit:   row.PeriodCredit.StringFixed(2),
		PeriodAdjusted: row.PeriodAdjusted.StringFixed(2),
		TxCount:        row.TxCount,
		Stage:          string(row.Stage),
		Locked:         row.Locked,
		LockReason:     row.LockReason,
	}
	if row.GraceUntil != nil {
		resp.GraceUntil = row.GraceUntil.UTC().Format(time.RFC3339)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type pagedQuery struct {
	Date     string `validate:"omitempty,datetime=2006-01-02"`
	Page     string `validate:"omitempty,number"`
	PageSize string `validate:"omitempty,number"`
}

func (q pagedQuery) page() int {
	n, _ := strconv.Atoi(q.Page)
	return n
}

func (q pagedQuery) pageSize() int {
	n, _ := strconv.Atoi(q.PageSize)
	return n
}

type trailEntry struct {
	ID          int64          `json:"id"`
	TrailDate   string         `json:"trail_date"`
	Action      string         `json:"action"`
	ActorID     int64          `json:"actor_id"`
	ActorName   string         `json:"actor_name,omitempty"`
	ActorRole   string         `json:"actor_role,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	EntityCount int            `json:"entity_count"`
	TotalDelta  string         `json:"total_delta"`
	At          string         `json:"at"`
}

type pagedResponse struct {
	Rows   any               `json:"rows"`
	Paging shared.PagingInfo `json:"paging"`
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := pagedQuery{
		Date:     r.URL.Query().Get("date"),
		Page:     r.URL.Query().Get("page"),
		PageSize: r.URL.Query().Get("page_size"),
	}
	if err := h.validator.Struct(q); err != nil {
		httpx.BadRequest(w, "invalid date or paging parameters")
		return
	}
	filter := audit.TrailFilter{
		Action:   audit.Action(r.URL.Query().Get("action")),
		Page:     q.page(),
		PageSize: q.pageSize(),
	}
	if q.Date != "" {
		filter.Date, _ = time.Parse("2006-01-02", q.Date)
	}
	result, err := h.trail.Trail(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit trail", slog.Any("error", err))
		httpx.ServerError(w)
		return
	}
	rows := make([]trailEntry, 0, len(result.Rows))
	for _, e := range result.Rows {
		rows = append(rows, trailEntry{
			ID:          e.ID,
			TrailDate:   e.TrailDate.Format("2006-01-02"),
			Action:      string(e.Action),
			ActorID:     e.ActorID,
			ActorName:   e.ActorName,
			ActorRole:   e.ActorRole,
			Details:     e.Details,
			EntityCount: e.EntityCount,
			TotalDelta:  e.TotalDelta.StringFixed(2),
			At:          e.At.UTC().Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, pagedResponse{Rows: rows, Paging: result.Paging})
}

type snapshotRow struct {
	ProductID        int64  `json:"product_id"`
	LocationID       int64  `json:"location_id"`
	QtyOnHand        string `json:"qty_on_hand"`
	ActualValue      string `json:"actual_value"`
	FIFOValue        string `json:"fifo_value"`
	LIFOValue        string `json:"lifo_value"`
	AverageValue     string `json:"average_value"`
	StandardValue    string `json:"standard_value"`
	StandardMissing  bool   `json:"standard_missing,omitempty"`
	FIFOVsAverage    string `json:"fifo_vs_average"`
	LIFOVsAverage    string `json:"lifo_vs_average"`
	StandardVsActual string `json:"standard_vs_actual"`
	DaysOnHand       int    `json:"days_on_hand"`
	Aging            string `json:"aging"`
}

func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	q := pagedQuery{
		Date:     r.URL.Query().Get("date"),
		Page:     r.URL.Query().Get("page"),
		PageSize: r.URL.Query().Get("page_size"),
	}
	if err := h.validator.Struct(q); err != nil || q.Date == "" {
		httpx.BadRequest(w, "date (YYYY-MM-DD) is required")
		return
	}
	date, _ := time.Parse("2006-01-02", q.Date)
	snaps, paging, err := h.snapshots.Snapshots(r.Context(), date, q.page(), q.pageSize())
	if err != nil {
		h.logger.Error("valuation snapshots", slog.Any("error", err))
		httpx.ServerError(w)
		return
	}
	rows := make([]snapshotRow, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, snapshotRow{
			ProductID:        s.ProductID,
			LocationID:       s.LocationID,
			QtyOnHand:        s.QtyOnHand.String(),
			ActualValue:      s.ActualValue.StringFixed(2),
			FIFOValue:        s.FIFOValue.StringFixed(2),
			LIFOValue:        s.LIFOValue.StringFixed(2),
			AverageValue:     s.AverageValue.StringFixed(2),
			StandardValue:    s.StandardValue.StringFixed(2),
			StandardMissing:  s.StandardMissing,
			FIFOVsAverage:    s.FIFOVsAverage.StringFixed(2),
			LIFOVsAverage:    s.LIFOVsAverage.StringFixed(2),
			StandardVsActual: s.StandardVsActual.StringFixed(2),
			DaysOnHand:       s.DaysOnHand,
			Aging:            string(s.Aging),
		})
	}
	httpx.JSON(w, http.StatusOK, pagedResponse{Rows: rows, Paging: paging})
}
