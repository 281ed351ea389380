package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/speedrun-hq/dca-watcher/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/executor"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"github.com/speedrun-hq/dca-watcher/pkg/scheduler"
	"github.com/speedrun-hq/dca-watcher/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct{ running bool }

func (m *fakeMonitor) IsRunning() bool { return m.running }

type fakeExecutor struct{ healthy bool }

func (e *fakeExecutor) IsHealthy(context.Context) bool { return e.healthy }

func (e *fakeExecutor) WalletInfo(context.Context) (executor.WalletInfo, error) {
	return executor.WalletInfo{Address: "0xaa", BalanceETH: "0.500000"}, nil
}

func (e *fakeExecutor) Stats() executor.Stats { return executor.Stats{Pending: 1} }

type fakeScheduler struct {
	active bool
	sweeps int
}

func (s *fakeScheduler) IsActive() bool        { return s.active }
func (s *fakeScheduler) ActivePlansCount() int { return 2 }

func (s *fakeScheduler) ActivePlans() []models.ActivePlan {
	return []models.ActivePlan{{User: "0x01", PlannerType: "eth"}, {User: "0x02", PlannerType: "erc20"}}
}

func (s *fakeScheduler) TriggerSweep(context.Context) scheduler.SweepResult {
	s.sweeps++
	return scheduler.SweepResult{Due: 1, Succeeded: 1}
}

type fakeLedger struct{}

func (fakeLedger) GetFailedDepositsStats() (storage.Stats, error) {
	return storage.Stats{Total: 3, Retryable: 2, MaxRetriesExceeded: 1}, nil
}

type fixture struct {
	monitor   *fakeMonitor
	executor  *fakeExecutor
	scheduler *fakeScheduler
	breaker   *circuitbreaker.Breaker
	server    *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	network, err := config.GetNetwork(config.NetworkBase)
	require.NoError(t, err)

	f := &fixture{
		monitor:   &fakeMonitor{running: true},
		executor:  &fakeExecutor{healthy: true},
		scheduler: &fakeScheduler{active: true},
		breaker: circuitbreaker.New("submit", config.CircuitBreakerConfig{
			Enabled:        true,
			Threshold:      1,
			WindowDuration: time.Minute,
			ResetTimeout:   time.Minute,
		}, &logger.EmptyLogger{}, nil),
	}
	f.server = NewServer(Deps{
		Network:   network,
		Monitor:   f.monitor,
		Executor:  f.executor,
		Scheduler: f.scheduler,
		Ledger:    fakeLedger{},
		Breakers:  []*circuitbreaker.Breaker{f.breaker},
	}, opts, &logger.EmptyLogger{})
	return f
}

func (f *fixture) do(method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		breakIt  func(f *fixture)
		wantCode int
	}{
		{name: "all healthy", breakIt: func(*fixture) {}, wantCode: http.StatusOK},
		{name: "monitor down", breakIt: func(f *fixture) { f.monitor.running = false }, wantCode: http.StatusServiceUnavailable},
		{name: "executor unhealthy", breakIt: func(f *fixture) { f.executor.healthy = false }, wantCode: http.StatusServiceUnavailable},
		{name: "scheduler stopped", breakIt: func(f *fixture) { f.scheduler.active = false }, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			tt.breakIt(f)

			rec := f.do(http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, float64(2), body["activePlans"])
		})
	}
}

func TestReadyWithoutMonitor(t *testing.T) {
	f := newFixture(t, Options{})
	f.server.deps.Monitor = nil

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ready", "").Code)
	f.scheduler.active = false
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/ready", "").Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Network struct {
			Name string `json:"name"`
		} `json:"network"`
		ActivePlans    []models.ActivePlan `json:"activePlans"`
		FailedDeposits storage.Stats       `json:"failedDeposits"`
		Wallet         executor.WalletInfo `json:"wallet"`
		Circuits       map[string]string   `json:"circuits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, config.NetworkBase, body.Network.Name)
	assert.Len(t, body.ActivePlans, 2)
	assert.Equal(t, 2, body.FailedDeposits.Retryable)
	assert.Equal(t, "0.500000", body.Wallet.BalanceETH)
	assert.Equal(t, "closed", body.Circuits["submit"])
}

func TestAdminAndMetricsAuth(t *testing.T) {
	f := newFixture(t, Options{MetricsAPIKey: "secret"})

	tests := []struct {
		method, path, auth string
		wantCode           int
	}{
		{http.MethodGet, "/metrics", "", http.StatusUnauthorized},
		{http.MethodGet, "/metrics", "Token secret", http.StatusUnauthorized},
		{http.MethodGet, "/metrics", "Bearer wrong", http.StatusUnauthorized},
		{http.MethodGet, "/metrics", "Bearer secre", http.StatusUnauthorized},
		{http.MethodGet, "/metrics", "Bearer secrets", http.StatusUnauthorized},
		{http.MethodGet, "/metrics", "Bearer secret", http.StatusOK},
		{http.MethodPost, "/admin/execute-plans", "", http.StatusUnauthorized},
		{http.MethodPost, "/admin/execute-plans", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path+" "+tt.auth, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, f.do(tt.method, tt.path, tt.auth).Code)
		})
	}
	assert.Equal(t, 1, f.scheduler.sweeps)
}

func TestCircuitReset(t *testing.T) {
	f := newFixture(t, Options{})
	_ = f.breaker.Execute(func() error { return assert.AnError })
	require.True(t, f.breaker.IsOpen())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/circuit/reset", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/admin/circuit/reset?name=oracle", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/circuit/reset?name=submit", "").Code)
	assert.False(t, f.breaker.IsOpen())
}

func TestWebhookRoute(t *testing.T) {
	called := false
	f := newFixture(t, Options{WebhookPath: "/webhook/alchemy", Webhook: func(c *gin.Context) {
		called = true
		c.Status(http.StatusAccepted)
	}})

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/webhook/alchemy", "").Code)
	assert.True(t, called)
}

func TestReplayDeposits(t *testing.T) {
	var gotFrom, gotTo uint64
	replay := func(_ context.Context, from, to uint64) (int, error) {
		gotFrom, gotTo = from, to
		return 4, nil
	}

	open := newFixture(t, Options{ReplayDeposits: replay})
	assert.Equal(t, http.StatusNotFound, open.do(http.MethodPost, "/admin/replay-deposits?from=100", "").Code)

	const auth = "Bearer secret"
	f := newFixture(t, Options{MetricsAPIKey: "secret", ReplayDeposits: replay})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/admin/replay-deposits?from=100", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/replay-deposits", auth).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/replay-deposits?from=10&to=5", auth).Code)

	rec := f.do(http.MethodPost, "/admin/replay-deposits?from=100&to=200", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(100), gotFrom)
	assert.Equal(t, uint64(200), gotTo)
	assert.JSONEq(t, `{"success":true,"deposits":4}`, rec.Body.String())

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/replay-deposits?from=300", auth).Code)
	assert.Equal(t, uint64(0), gotTo)
}
