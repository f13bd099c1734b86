package jobs

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func newTriggerRouter(t *testing.T, client *Client) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(nil, client, logger)
	r := chi.NewRouter()
	r.Route("/jobs", func(r chi.Router) {
		h.MountRoutes(r)
	})
	return r
}

func newQueueClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTriggerCloseDayValidation(t *testing.T) {
	router := newTriggerRouter(t, newQueueClient(t))

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{scope}`},
		{"missing scope", `{"date":"2026-03-02"}`},
		{"unknown scope", `{"scope":"PAYROLL"}`},
		{"bad date", `{"scope":"FINANCE","date":"03/02/2026"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs/trigger/close-day", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestTriggerCloseDayWithoutClient(t *testing.T) {
	router := newTriggerRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/trigger/close-day", strings.NewReader(`{"scope":"FINANCE"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTriggerCloseDayEnqueues(t *testing.T) {
	router := newTriggerRouter(t, newQueueClient(t))

	req := httptest.NewRequest(http.MethodPost, "/jobs/trigger/close-day", strings.NewReader(`{"scope":"INVENTORY","date":"2026-03-02","lock_after":true}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["task_id"])
	require.Equal(t, QueueDefault, resp["queue"])
}

func TestTriggerValuationEnqueues(t *testing.T) {
	router := newTriggerRouter(t, newQueueClient(t))

	req := httptest.NewRequest(http.MethodPost, "/jobs/trigger/valuation", strings.NewReader(`{"date":"2026-03-02"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	badReq := httptest.NewRequest(http.MethodPost, "/jobs/trigger/valuation", strings.NewReader(`{"date":"yesterday"}`))
	badRR := httptest.NewRecorder()
	router.ServeHTTP(badRR, badReq)
	require.Equal(t, http.StatusBadRequest, badRR.Code)
}
