package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recurbill/internal/clock"
	"github.com/smallbiznis/recurbill/internal/config"
	"github.com/smallbiznis/recurbill/internal/observability"
	"github.com/smallbiznis/recurbill/internal/ownercontext"
	recurringdomain "github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOwner = "1234567890"

type fakeRecurring struct {
	recurringdomain.Service

	created  recurringdomain.CreateRequest
	updated  recurringdomain.UpdateRequest
	preview  recurringdomain.PreviewRuleRequest
	history  recurringdomain.HistoryRequest
	ownerID  snowflake.ID
	err      error
	dueCalls []recurringdomain.DueQuery
}

func (f *fakeRecurring) capture(ctx context.Context) {
	f.ownerID, _ = ownercontext.OwnerIDFromContext(ctx)
}

func (f *fakeRecurring) Create(ctx context.Context, req recurringdomain.CreateRequest) (*recurringdomain.RecurringTemplate, error) {
	f.capture(ctx)
	f.created = req
	if f.err != nil {
		return nil, f.err
	}
	return &recurringdomain.RecurringTemplate{ID: 99, Name: req.Name, IsActive: true}, nil
}

func (f *fakeRecurring) Get(ctx context.Context, id string) (*recurringdomain.RecurringTemplate, error) {
	f.capture(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &recurringdomain.RecurringTemplate{ID: 99, Name: "Retainer"}, nil
}

func (f *fakeRecurring) Update(ctx context.Context, id string, req recurringdomain.UpdateRequest) (*recurringdomain.RecurringTemplate, error) {
	f.capture(ctx)
	f.updated = req
	return &recurringdomain.RecurringTemplate{ID: 99}, f.err
}

func (f *fakeRecurring) Delete(ctx context.Context, id string) error {
	f.capture(ctx)
	return f.err
}

func (f *fakeRecurring) PreviewRule(ctx context.Context, req recurringdomain.PreviewRuleRequest) (*recurringdomain.PreviewResponse, error) {
	f.capture(ctx)
	f.preview = req
	if f.err != nil {
		return nil, f.err
	}
	return &recurringdomain.PreviewResponse{Description: "Monthly", Dates: []time.Time{req.StartDate}}, nil
}

func (f *fakeRecurring) History(ctx context.Context, id string, req recurringdomain.HistoryRequest) (*recurringdomain.HistoryResponse, error) {
	f.capture(ctx)
	f.history = req
	return &recurringdomain.HistoryResponse{TemplateID: id}, f.err
}

func (f *fakeRecurring) GenerateNow(ctx context.Context, id string) (*recurringdomain.GenerateResult, error) {
	f.capture(ctx)
	return nil, f.err
}

func (f *fakeRecurring) ListDue(_ context.Context, query recurringdomain.DueQuery) ([]recurringdomain.RecurringTemplate, error) {
	f.dueCalls = append(f.dueCalls, query)
	return nil, nil
}

func newTestServer(t *testing.T, svc *fakeRecurring) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	scanner, err := scheduler.New(scheduler.Params{
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fakeClock,
		Config:    config.NewStaticRecurringConfigHolder(config.DefaultRecurringConfig()),
		Recurring: svc,
	})
	require.NoError(t, err)

	engine := NewEngine(observability.Config{Environment: "test"})
	NewServer(ServerParams{
		Gin:       engine,
		Clock:     fakeClock,
		Recurring: svc,
		Scanner:   scanner,
	})
	return engine
}

func doRequest(engine *gin.Engine, method, path string, body any, owner string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(HeaderOwner, owner)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestOwnerHeaderIsRequired(t *testing.T) {
	engine := newTestServer(t, &fakeRecurring{})

	rec := doRequest(engine, http.MethodGet, "/api/recurring-invoices/99", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = doRequest(engine, http.MethodGet, "/api/recurring-invoices/99", nil, "not-a-number")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRecurringTemplate(t *testing.T) {
	svc := &fakeRecurring{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/api/recurring-invoices", map[string]any{
		"client_id":  "42",
		"name":       "Retainer",
		"frequency":  "monthly",
		"start_date": "2024-01-31",
		"end_date":   "2024-12-31",
		"auto_send":  true,
		"items": []map[string]any{
			{"description": "Design", "quantity": "2", "rate": 50},
		},
	}, testOwner)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, snowflake.ID(1234567890), svc.ownerID)
	assert.Equal(t, 1, svc.created.Interval)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), svc.created.StartDate)
	require.NotNil(t, svc.created.EndDate)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), *svc.created.EndDate)
	require.Len(t, svc.created.Items, 1)
	assert.Equal(t, "100", svc.created.Items[0].Quantity.Mul(svc.created.Items[0].Rate).String())
	assert.True(t, svc.created.AutoSend)
}

func TestCreateRejectsBadDates(t *testing.T) {
	engine := newTestServer(t, &fakeRecurring{})

	rec := doRequest(engine, http.MethodPost, "/api/recurring-invoices", map[string]any{
		"name":       "Retainer",
		"frequency":  "monthly",
		"start_date": "31/01/2024",
	}, testOwner)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "start_date", payload.Errors[0].Field)
}

func TestRecurrenceErrorsListEveryViolation(t *testing.T) {
	svc := &fakeRecurring{err: &recurringdomain.RecurrenceError{Violations: []string{
		"interval must be at least 1",
		"day_of_month must be between 1 and 31",
	}}}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/api/recurring-invoices", map[string]any{
		"name":       "Retainer",
		"frequency":  "monthly",
		"start_date": "2024-01-31",
	}, testOwner)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "invalid recurrence configuration", payload.Message)
	require.Len(t, payload.Errors, 2)
	assert.Equal(t, "invalid_recurrence", payload.Errors[0].Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		method string
		path   string
		status int
	}{
		{name: "not found", err: recurringdomain.ErrTemplateNotFound, method: http.MethodGet, path: "/api/recurring-invoices/99", status: http.StatusNotFound},
		{name: "invalid id", err: recurringdomain.ErrInvalidID, method: http.MethodGet, path: "/api/recurring-invoices/abc", status: http.StatusBadRequest},
		{name: "inactive", err: recurringdomain.ErrTemplateInactive, method: http.MethodPost, path: "/api/recurring-invoices/99/generate", status: http.StatusConflict},
		{name: "already processed", err: recurringdomain.ErrAlreadyProcessed, method: http.MethodPost, path: "/api/recurring-invoices/99/generate", status: http.StatusConflict},
		{name: "unexpected", err: assert.AnError, method: http.MethodDelete, path: "/api/recurring-invoices/99", status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestServer(t, &fakeRecurring{err: tt.err})
			rec := doRequest(engine, tt.method, tt.path, nil, testOwner)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestMapErrorRunInProgress(t *testing.T) {
	status, payload := mapError(scheduler.ErrRunInProgress)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "a generation run is already in progress", payload.Message)
}

func TestUpdateRecurringTemplateReplacesItemsOnlyWhenSent(t *testing.T) {
	svc := &fakeRecurring{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPut, "/api/recurring-invoices/99", map[string]any{"name": "Renamed"}, testOwner)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.updated.Name)
	assert.Equal(t, "Renamed", *svc.updated.Name)
	assert.Nil(t, svc.updated.Items)
	assert.Nil(t, svc.updated.StartDate)

	rec = doRequest(engine, http.MethodPut, "/api/recurring-invoices/99", map[string]any{
		"start_date": "2024-03-01",
		"items":      []map[string]any{{"description": "Hosting", "quantity": 1, "rate": "100"}},
	}, testOwner)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.updated.Items)
	assert.Len(t, *svc.updated.Items, 1)
	require.NotNil(t, svc.updated.StartDate)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *svc.updated.StartDate)
}

func TestDeleteRecurringTemplate(t *testing.T) {
	engine := newTestServer(t, &fakeRecurring{})
	rec := doRequest(engine, http.MethodDelete, "/api/recurring-invoices/99", nil, testOwner)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPreviewRecurrenceRule(t *testing.T) {
	svc := &fakeRecurring{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/api/recurring-invoices/preview", map[string]any{
		"frequency":    " Monthly ",
		"day_of_month": 31,
		"start_date":   "2024-01-31",
		"count":        3,
	}, testOwner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "monthly", string(svc.preview.Rule.Frequency))
	assert.Equal(t, 1, svc.preview.Rule.Interval)
	assert.Equal(t, 3, svc.preview.Count)
	require.NotNil(t, svc.preview.Rule.DayOfMonth)
	assert.Equal(t, 31, *svc.preview.Rule.DayOfMonth)
}

func TestHistoryParsesPaging(t *testing.T) {
	svc := &fakeRecurring{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodGet, "/api/recurring-invoices/99/history?limit=5&offset=10", nil, testOwner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recurringdomain.HistoryRequest{Limit: 5, Offset: 10}, svc.history)

	rec = doRequest(engine, http.MethodGet, "/api/recurring-invoices/99/history?limit=five", nil, testOwner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateDueInvoicesScopesToOwner(t *testing.T) {
	svc := &fakeRecurring{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/api/recurring-invoices/generate", map[string]any{"as_of": "2024-02-29"}, testOwner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Summary string `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Generated 0 invoices, 0 failures", resp.Data.Summary)

	require.Len(t, svc.dueCalls, 1)
	assert.Equal(t, snowflake.ID(1234567890), svc.dueCalls[0].OwnerID)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), svc.dueCalls[0].AsOf)

	rec = doRequest(engine, http.MethodPost, "/api/recurring-invoices/generate", nil, testOwner)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.dueCalls, 2)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), svc.dueCalls[1].AsOf)

	rec = doRequest(engine, http.MethodPost, "/api/recurring-invoices/generate?as_of=yesterday", nil, testOwner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndFallback(t *testing.T) {
	engine := newTestServer(t, &fakeRecurring{})

	rec := doRequest(engine, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	rec = doRequest(engine, http.MethodGet, "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}
