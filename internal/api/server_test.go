package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	apperrors "github.com/lifecycle-mailer/internal/errors"
	"github.com/lifecycle-mailer/internal/models"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/lifecycle-mailer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock services for testing

type mockUserService struct {
	mu      sync.Mutex
	users   map[string]*models.User
	created []service.CreateUserInput
	err     error
}

func newMockUserService() *mockUserService {
	return &mockUserService{users: make(map[string]*models.User)}
}

func (m *mockUserService) CreateUser(ctx context.Context, in service.CreateUserInput) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if u.Email == in.Email {
			return nil, apperrors.NewDuplicateEmailError(in.Email)
		}
	}
	m.created = append(m.created, in)
	u := &models.User{ID: "user-new", Email: in.Email, FirstName: in.FirstName, Plan: in.Plan, LifecycleStage: types.StageNew}
	m.users[u.ID] = u
	return u, nil
}

func (m *mockUserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.NewUserNotFoundError(id)
	}
	return u, nil
}

func (m *mockUserService) ListUsers(ctx context.Context) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *mockUserService) mutate(id string, fn func(u *models.User)) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.NewUserNotFoundError(id)
	}
	fn(u)
	return u, nil
}

func (m *mockUserService) UpdateSubscriptionStatus(ctx context.Context, id string, status types.SubscriptionStatus) (*models.User, error) {
	if status == "" {
		return nil, apperrors.NewInvalidParameterError("status", "status is required")
	}
	return m.mutate(id, func(u *models.User) { u.SubscriptionStatus = status })
}

func (m *mockUserService) UpdatePlan(ctx context.Context, id string, plan types.Plan) (*models.User, error) {
	return m.mutate(id, func(u *models.User) { u.Plan = plan })
}

func (m *mockUserService) RecordActivity(ctx context.Context, id string) (*models.User, error) {
	return m.mutate(id, func(u *models.User) { u.LifecycleStage = types.StageActive })
}

func (m *mockUserService) CompleteOnboarding(ctx context.Context, id string) (*models.User, error) {
	return m.mutate(id, func(u *models.User) {
		u.OnboardingCompleted = true
		u.LifecycleStage = types.StageActive
	})
}

type mockDashboardService struct {
	days       int
	filter     models.EmailLogFilter
	logs       []*models.EmailLog
	eventNames []string
	err        error
}

func (m *mockDashboardService) Summary(ctx context.Context) (*service.Summary, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &service.Summary{Users: service.UserCounts{Total: 3}}, nil
}

func (m *mockDashboardService) DailySeries(ctx context.Context, days int) ([]service.DailyPoint, error) {
	m.days = days
	return make([]service.DailyPoint, days), nil
}

func (m *mockDashboardService) EventStats(ctx context.Context, days int) ([]service.EventStat, error) {
	m.days = days
	return []service.EventStat{{EventName: types.EventSignup}}, nil
}

func (m *mockDashboardService) Funnel(ctx context.Context) (*service.Funnel, error) {
	return &service.Funnel{New: 2}, nil
}

func (m *mockDashboardService) RecentLogs(ctx context.Context, filter models.EmailLogFilter) ([]*models.EmailLog, error) {
	m.filter = filter
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, apperrors.NewInvalidParameterError("status", "unknown email status")
	}
	return m.logs, nil
}

func (m *mockDashboardService) EventNames(ctx context.Context) ([]string, error) {
	return m.eventNames, nil
}

type mockWebhookService struct {
	payloads []service.WebhookPayload
	raw      [][]byte
	outcome  service.WebhookOutcome
	err      error
}

func (m *mockWebhookService) HandleEvent(ctx context.Context, payload service.WebhookPayload, raw []byte) (service.WebhookOutcome, error) {
	m.payloads = append(m.payloads, payload)
	m.raw = append(m.raw, raw)
	if m.err != nil {
		return "", m.err
	}
	if payload.MessageID() == "" {
		return service.OutcomeMissingID, nil
	}
	return m.outcome, nil
}

type mockEmailService struct {
	sent   []service.SendTransactionalInput
	result *service.SendResult
}

func (m *mockEmailService) SendTransactional(ctx context.Context, in service.SendTransactionalInput) *service.SendResult {
	m.sent = append(m.sent, in)
	return m.result
}

type testServer struct {
	*Server
	users     *mockUserService
	dashboard *mockDashboardService
	webhooks  *mockWebhookService
	emails    *mockEmailService
}

// createTestServer creates a test server with mock services
func createTestServer() *testServer {
	ts := &testServer{
		users:     newMockUserService(),
		dashboard: &mockDashboardService{},
		webhooks:  &mockWebhookService{outcome: service.OutcomeUpdated},
		emails:    &mockEmailService{result: &service.SendResult{Success: true, Status: types.EmailStatusSent}},
	}
	config := &ServerConfig{
		Host:           "localhost",
		Port:           "0",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	ts.Server = NewServer(config, ts.users, ts.dashboard, ts.webhooks, ts.emails)
	return ts
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	ts := createTestServer()
	ts.now = func() time.Time { return time.UnixMilli(1718000000123) }

	w := ts.do("GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1718000000123), body["timestamp"])
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	ts := createTestServer()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	ts := createTestServer()
	w := ts.do("OPTIONS", "/api/users/u1/plan", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestCompression(t *testing.T) {
	ts := createTestServer()
	req := httptest.NewRequest("GET", "/api/dashboard/summary", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var summary service.Summary
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, int64(3), summary.Users.Total)
}

func TestRateLimit(t *testing.T) {
	ts := createTestServer()
	ts.config.RateLimitRPS = 1
	ts.config.RateLimitBurst = 1
	srv := NewServer(ts.config, ts.users, ts.dashboard, ts.webhooks, ts.emails)

	send := func(client string) int {
		req := httptest.NewRequest("GET", "/api/dashboard/funnel", nil)
		req.Header.Set(ClientIDHeader, client)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"))
	assert.Equal(t, http.StatusOK, send("b"), "limits are per client")

	// the webhook is outside /api and never limited
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/loops-webhook", bytes.NewBufferString(`{"eventName":"email.opened","email":{"id":"m"}}`))
		req.Header.Set(ClientIDHeader, "a")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	now = now.Add(rl.idleTTL + time.Second)
	assert.True(t, rl.Allow("b"))
	rl.mu.Lock()
	_, stillThere := rl.limiters["a"]
	rl.mu.Unlock()
	assert.False(t, stillThere)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
}
