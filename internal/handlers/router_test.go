package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"remedy/internal/app"
	"remedy/internal/config"
	"remedy/internal/middleware"
	"remedy/internal/models"
	"remedy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const routerSecret = "router-test-secret"

type apiFixture struct {
	app    *app.App
	db     *gorm.DB
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:remedy_api_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.Migrate(db))

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = routerSecret
	a, err := app.New(cfg, db, log, app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	_, err = a.SeedPolicies(context.Background())
	require.NoError(t, err)

	router := NewRouter(cfg, RouterDeps{
		DB:         db,
		Tickets:    a.Tickets,
		Approvals:  a.Approvals,
		Policies:   a.Policies,
		Audit:      a.Audit,
		Hub:        a.Hub,
		Metrics:    a.Metrics,
		Automation: a.Automation,
		Logger:     log,
		Version:    "test",
	})
	return &apiFixture{app: a, db: db, router: router}
}

func tokenFor(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := middleware.SignHS256(map[string]interface{}{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, routerSecret)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.app.Pool.Drain(context.Background())
	require.NoError(t, err)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Services["database"].Status)
	assert.Equal(t, "enabled", health.Services["automation"].Status)
	assert.Len(t, w.Header().Get(RequestIDHeader), 32)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "", nil).Code)

	w = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTicketRoutes(t *testing.T) {
	f := newAPIFixture(t)
	agent := tokenFor(t, "agent@corp.example", "agent")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/tickets", "", nil).Code)

	w := f.do(t, http.MethodPost, "/api/tickets", agent, map[string]string{"subject": "no description"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/tickets", agent, services.TicketCreateRequest{
		Subject:        "Password reset needed urgently",
		Description:    "I forgot my password and cannot login",
		RequesterEmail: "jane@corp.example",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Ticket](t, w)
	assert.Equal(t, models.TicketNew, created.Status)

	f.drain(t)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d", created.ID), agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TicketResolved, decode[models.Ticket](t, w).Status)

	w = f.do(t, http.MethodGet, "/api/tickets?status=resolved", agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[PaginatedResponse](t, w)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 1, page.Pages)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d/executions", created.ID), agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(models.ExecutionSucceeded))

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d/audit", created.ID), agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), services.AuditTicketCreated)

	w = f.do(t, http.MethodGet, "/api/tickets/stats", agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[services.TicketStats](t, w)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.AutoResolved)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/tickets/9999", agent, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/tickets/abc", agent, nil).Code)
}

func TestCloseTicketRoute(t *testing.T) {
	f := newAPIFixture(t)
	agent := tokenFor(t, "agent@corp.example", "agent")

	w := f.do(t, http.MethodPost, "/api/tickets", agent, services.TicketCreateRequest{
		Subject:        "Printer on floor 3",
		Description:    "The printer makes a strange noise",
		RequesterEmail: "sam@corp.example",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[models.Ticket](t, w)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/%d/close", created.ID), agent, CloseTicketRequest{Reason: "duplicate"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := f.app.Tickets.GetTicket(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketClosed, got.Status)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/%d/close", created.ID), agent, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryExecutionRoute(t *testing.T) {
	f := newAPIFixture(t)
	agent := tokenFor(t, "agent@corp.example", "agent")
	approver := tokenFor(t, "boss@corp.example", "approver")

	plan, err := (&services.Plan{
		Category:   models.CategoryAccountUnlock,
		ActionType: "unlock_account",
		Adapter:    "directory",
	}).Encode()
	require.NoError(t, err)
	failed := &models.Ticket{
		TicketNumber:   "TKT-RETRY-1",
		Subject:        "Account locked",
		Description:    "locked out",
		RequesterEmail: "jane@corp.example",
		Category:       models.CategoryAccountUnlock,
		Status:         models.TicketFailed,
		Plan:           plan,
		ErrorMessage:   "retries exhausted",
	}
	require.NoError(t, f.db.Create(failed).Error)
	path := fmt.Sprintf("/api/tickets/%d/retry", failed.ID)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path, agent, nil).Code)

	w := f.do(t, http.MethodPost, path, approver, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[models.Ticket](t, w)
	assert.Equal(t, models.TicketInProgress, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// 已不是 failed
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, path, approver, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/tickets/9999/retry", approver, nil).Code)
}

func TestPerformanceRoute(t *testing.T) {
	f := newAPIFixture(t)
	agent := tokenFor(t, "agent@corp.example", "agent")

	w := f.do(t, http.MethodGet, "/api/tickets/performance?days=7", agent, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[services.PerformanceReport](t, w)
	assert.Zero(t, report.Resolution.Resolved)
	assert.NotNil(t, report.Categories)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tickets/performance", agent, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/tickets/performance?days=0", agent, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/tickets/performance?days=abc", agent, nil).Code)
}

func TestApprovalRoutes(t *testing.T) {
	f := newAPIFixture(t)
	agent := tokenFor(t, "agent@corp.example", "agent")
	approver := tokenFor(t, "boss@corp.example", "approver")

	w := f.do(t, http.MethodPost, "/api/tickets", agent, services.TicketCreateRequest{
		Subject:        "Need access to finance share",
		Description:    "Please grant me access to the finance share.",
		RequesterEmail: "bob@corp.example",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	f.drain(t)

	w = f.do(t, http.MethodGet, "/api/approvals?status=pending", approver, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Data  []models.ApprovalRequest `json:"data"`
		Total int64                    `json:"total"`
	}](t, w)
	require.Equal(t, int64(1), page.Total)
	approvalID := page.Data[0].ID

	path := fmt.Sprintf("/api/approvals/%d/approve", approvalID)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path, agent, nil).Code)

	w = f.do(t, http.MethodPost, path, approver, DecisionRequest{Comment: "ok for Q3"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decided := decode[models.ApprovalRequest](t, w)
	assert.Equal(t, models.ApprovalApproved, decided.Status)
	assert.Equal(t, "boss@corp.example", decided.DecidedBy)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/approvals/%d/reject", approvalID), approver, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/approvals/9999", approver, nil).Code)
}

func TestPolicyRoutes(t *testing.T) {
	f := newAPIFixture(t)
	admin := tokenFor(t, "admin@corp.example", "admin")
	agent := tokenFor(t, "agent@corp.example", "agent")

	w := f.do(t, http.MethodGet, "/api/policies", agent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(models.CategoryVPNIssue))

	retries := 3
	body := services.PolicyUpdateRequest{MaxRetries: &retries}
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPut, "/api/policies/password_reset", agent, body).Code)

	w = f.do(t, http.MethodPut, "/api/policies/password_reset", admin, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, decode[models.AutomationPolicy](t, w).MaxRetries)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/policies/printers", admin, body).Code)

	zero := 0
	w = f.do(t, http.MethodPut, "/api/policies/password_reset", admin, services.PolicyUpdateRequest{MaxRetries: &zero})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/audit?action="+services.AuditPolicyUpdated, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[PaginatedResponse](t, w).Total)
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{services.ErrTicketNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", services.ErrInvalidInput), http.StatusBadRequest},
		{services.ErrUnauthorizedActor, http.StatusUnauthorized},
		{services.ErrApprovalConflict, http.StatusConflict},
		{services.ErrTicketClosed, http.StatusConflict},
		{fmt.Errorf("x: %w", services.ErrRetryLimitReached), http.StatusConflict},
		{fmt.Errorf("x: %w", services.ErrPolicyMisconfigured), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusForError(tc.err), tc.err.Error())
	}
}
