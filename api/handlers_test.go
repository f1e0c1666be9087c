package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-reconciler/api"
	"github.com/warp/revenue-reconciler/recon"
	"github.com/warp/revenue-reconciler/recon/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march15 = time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) http.Handler {
	st := store.NewTxMemory()
	ctx := context.Background()

	schedules := []recon.RevenueSchedule{
		{ID: "s-1", ExpectedUsageGross: decimal.RequireFromString("100"), ExpectedCommissionGross: decimal.RequireFromString("10")},
		{ID: "s-2", ExpectedUsageGross: decimal.RequireFromString("60"), ExpectedCommissionGross: decimal.RequireFromString("6")},
		{ID: "s-3", ExpectedUsageGross: decimal.RequireFromString("30"), ExpectedCommissionGross: decimal.RequireFromString("3")},
	}
	for _, s := range schedules {
		s.TenantID, s.AccountID, s.VendorID, s.ScheduleDate = "t1", "acct-1", "vend-1", march15
		require.NoError(t, st.SaveSchedule(ctx, s))
	}
	lines := []recon.DepositLineItem{
		{ID: "l-1", DepositID: "dep-1", LineNumber: 1, Usage: decimal.RequireFromString("100"), Commission: decimal.RequireFromString("10")},
		{ID: "l-2", DepositID: "dep-2", LineNumber: 1, Usage: decimal.RequireFromString("90"), Commission: decimal.RequireFromString("9")},
		{ID: "l-3", DepositID: "dep-2", LineNumber: 2, Usage: decimal.RequireFromString("5"), Commission: decimal.RequireFromString("0.5")},
	}
	for _, l := range lines {
		l.TenantID, l.AccountID, l.VendorID, l.PaymentDate = "t1", "acct-1", "vend-1", march15
		require.NoError(t, st.SaveLine(ctx, l))
	}

	log, _ := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	engine := recon.NewEngine(st, recon.DefaultConfig(), log)
	return api.NewRouter(api.NewHandler(engine, log), []string{"*"})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// SELECTION AND ALLOCATION
// =============================================================================

func TestValidateSelection_ReportsDetected(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/selection/validate",
		`{"cardinality": "one_to_one", "line_ids": ["l-1"], "schedule_ids": ["s-1", "s-2"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[api.ValidateSelectionResponse](t, rec)
	assert.False(t, resp.Compatible)
	assert.Equal(t, "one_to_many", resp.Detected)
	assert.NotEmpty(t, resp.Message)
}

func TestGetCandidates(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/deposit-lines/l-1/candidates", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[api.CandidatesResponse](t, rec)
	assert.Equal(t, "l-1", resp.LineID)
	require.NotEmpty(t, resp.Candidates)
	assert.Equal(t, recon.ScheduleID("s-1"), resp.Candidates[0].Schedule.ID)
}

func TestGetCandidates_UnknownLine(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/deposit-lines/nope/candidates", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[api.ErrorResponse](t, rec).Code)
}

func TestPreviewAllocation_DoesNotWrite(t *testing.T) {
	// GIVEN: A 90.00 line and schedules expecting 60 and 30
	// WHEN: Previewing a one-to-many split twice
	// THEN: The same 60/30 plan comes back both times

	router := newTestRouter(t)
	body := `{"cardinality": "one_to_many", "line_ids": ["l-2"], "schedule_ids": ["s-2", "s-3"]}`

	for i := 0; i < 2; i++ {
		rec := do(t, router, http.MethodPost, "/api/allocations/preview", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		plan := decodeBody[recon.Plan](t, rec)
		require.Len(t, plan.Allocations, 2)
		assert.Equal(t, "60", plan.Allocations[0].Usage.String())
		assert.Equal(t, "30", plan.Allocations[1].Usage.String())
	}
}

func TestApplyGetAndReverse(t *testing.T) {
	// GIVEN: An exact one-to-one pair
	// WHEN: Applying, reading the group and reversing twice
	// THEN: 201, an active group, a reversal, then an already-reversed notice

	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/matches",
		`{"cardinality": "one_to_one", "line_ids": ["l-1"], "schedule_ids": ["s-1"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	applied := decodeBody[recon.ApplyResult](t, rec)
	require.NotEmpty(t, applied.MatchGroupID)
	require.Len(t, applied.Schedules, 1)
	assert.Equal(t, recon.StatusReconciled, applied.Schedules[0].Status)

	groupPath := "/api/match-groups/" + string(applied.MatchGroupID)
	rec = do(t, router, http.MethodGet, groupPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recon.GroupActive, decodeBody[recon.MatchGroup](t, rec).Status)

	rec = do(t, router, http.MethodGet, "/api/revenue-schedules/s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[recon.ScheduleView](t, rec)
	assert.Equal(t, recon.StatusReconciled, view.Schedule.Status)
	require.NotNil(t, view.Metrics.UsageDifference)
	assert.True(t, view.Metrics.UsageDifference.IsZero())

	rec = do(t, router, http.MethodPost, groupPath+"/reverse", "")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[recon.ReverseResult](t, rec)
	assert.False(t, first.AlreadyReversed)
	assert.Equal(t, recon.GroupFullyReversed, first.Group.Status)

	rec = do(t, router, http.MethodPost, groupPath+"/reverse", "")
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[recon.ReverseResult](t, rec)
	assert.True(t, second.AlreadyReversed)
	assert.NotEmpty(t, second.Notice)
}

// =============================================================================
// AUTO-MATCH
// =============================================================================

func TestAutoMatch_PreviewThenConfirm(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/deposits/dep-1/auto-match/preview", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decodeBody[recon.PreviewSummary](t, rec)
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Candidates, 1)
	assert.Equal(t, recon.ScheduleID("s-1"), summary.Candidates[0].ScheduleID)

	rec = do(t, router, http.MethodPost, "/api/deposits/dep-1/auto-match/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeBody[recon.ConfirmResult](t, rec)
	assert.Equal(t, 1, confirmed.AppliedCount)
	assert.Empty(t, confirmed.Failures)

	rec = do(t, router, http.MethodPost, "/api/deposits/dep-1/auto-match/preview", `{"threshold": 0.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[recon.PreviewSummary](t, rec)
	assert.Equal(t, 1, again.AlreadyMatched)
	assert.Empty(t, again.Candidates)
}

func TestAutoMatchConfirm_ExplicitCandidates(t *testing.T) {
	// GIVEN: A client-supplied candidate for a line that has money left
	// WHEN: Confirming only that candidate
	// THEN: It is applied and the response reports the group

	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/deposits/dep-2/auto-match/confirm",
		`{"candidates": [{"line_id": "l-3", "schedule_id": "s-3", "confidence": 0.8}]}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[recon.ConfirmResult](t, rec)
	assert.Equal(t, 1, result.AppliedCount)
	assert.Len(t, result.Groups, 1)
}

func TestAutoMatchPreview_ThresholdOutOfRange(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/deposits/dep-1/auto-match/preview", `{"threshold": 2}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody[api.ErrorResponse](t, rec).Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:   "incompatible selection",
			method: http.MethodPost, path: "/api/matches",
			body:       `{"cardinality": "one_to_one", "line_ids": ["l-1"], "schedule_ids": ["s-1", "s-2"]}`,
			wantStatus: http.StatusUnprocessableEntity, wantCode: "selection_incompatible",
		},
		{
			name:   "many to many without a matrix",
			method: http.MethodPost, path: "/api/allocations/preview",
			body:       `{"cardinality": "many_to_many", "line_ids": ["l-2", "l-3"], "schedule_ids": ["s-2", "s-3"]}`,
			wantStatus: http.StatusUnprocessableEntity, wantCode: "allocation_policy_unsupported",
		},
		{
			name:   "partial above remaining",
			method: http.MethodPost, path: "/api/allocations/preview",
			body:       `{"cardinality": "one_to_one", "line_ids": ["l-3"], "schedule_ids": ["s-3"], "usage": "6"}`,
			wantStatus: http.StatusUnprocessableEntity, wantCode: "exceeds_remaining",
		},
		{
			name:   "unknown schedule",
			method: http.MethodPost, path: "/api/matches",
			body:       `{"cardinality": "one_to_one", "line_ids": ["l-1"], "schedule_ids": ["ghost"]}`,
			wantStatus: http.StatusNotFound, wantCode: "not_found",
		},
		{
			name:   "unknown match group",
			method: http.MethodGet, path: "/api/match-groups/ghost",
			wantStatus: http.StatusNotFound, wantCode: "not_found",
		},
		{
			name:   "missing cardinality",
			method: http.MethodPost, path: "/api/matches",
			body:       `{"line_ids": ["l-1"], "schedule_ids": ["s-1"]}`,
			wantStatus: http.StatusBadRequest, wantCode: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t)

			rec := do(t, router, tt.method, tt.path, tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decodeBody[api.ErrorResponse](t, rec).Code)
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/matches", `{"cardinality":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decodeBody[api.ErrorResponse](t, rec).Error)
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}
