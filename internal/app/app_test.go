package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muxite/webrag/internal/adapter/httpserver"
	"github.com/Muxite/webrag/internal/config"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example ,"))
}

func TestBuildRouter_HealthAndSecurityHeaders(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		GatewayRequestTimeout: 5 * time.Second,
		MaxRequestSizeBytes:   1 << 20,
		RateLimitPerMin:       10,
	}
	h := BuildRouter(cfg, httpserver.NewServer(cfg, nil, nil, nil, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestBuildRouter_TrustedHosts(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		GatewayRequestTimeout: 5 * time.Second,
		MaxRequestSizeBytes:   1 << 20,
		RateLimitPerMin:       10,
		TrustedHosts:          "api.example.com",
	}
	h := BuildRouter(cfg, httpserver.NewServer(cfg, nil, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Host = "evil.example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Host = "api.example.com:8080"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type recordingFailer struct {
	mu     sync.Mutex
	calls  int
	failed int64
	err    error
}

func (f *recordingFailer) FailStaleTasks(context.Context, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.failed, f.err
}

func TestStaleTaskSweeper_SweepsImmediately(t *testing.T) {
	t.Parallel()
	failer := &recordingFailer{failed: 2}
	s := NewStaleTaskSweeper(failer, time.Hour, time.Hour)
	require.NotNil(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		failer.mu.Lock()
		defer failer.mu.Unlock()
		return failer.calls >= 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestStaleTaskSweeper_NilTasks(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewStaleTaskSweeper(nil, time.Hour, time.Minute))
	var s *StaleTaskSweeper
	s.Run(context.Background()) // must not panic
}

func TestBuildReadinessChecks(t *testing.T) {
	t.Parallel()
	db, redis, broker := BuildReadinessChecks(nil, nil, nil)
	assert.Error(t, db(context.Background()))
	assert.Error(t, redis(context.Background()))
	assert.Error(t, broker(context.Background()))
}

func TestSweeper_ErrorIsNonFatal(t *testing.T) {
	t.Parallel()
	failer := &recordingFailer{err: errors.New("db down")}
	s := NewStaleTaskSweeper(failer, time.Hour, time.Hour)
	s.sweepOnce(context.Background())
	failer.mu.Lock()
	defer failer.mu.Unlock()
	assert.Equal(t, 1, failer.calls)
}
