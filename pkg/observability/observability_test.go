package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_AllHealthy(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return nil }))
	hc.RegisterCheck(ModelCheck(func(context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, "test", resp.Version)
}

func TestHealthChecker_CriticalFailure(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return errors.New("redis down") }))
	hc.RegisterCheck(ExternalServiceCheck("tracing", func(context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, "redis down", resp.Checks["session_store"].Message)
}

func TestHealthChecker_NonCriticalFailureIsDegraded(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(ExternalServiceCheck("tracing", func(context.Context) error { return errors.New("no collector") }))

	assert.Equal(t, HealthStatusDegraded, hc.Check(context.Background()).Status)
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Timeout:  10 * time.Millisecond,
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	assert.Equal(t, HealthStatusUnhealthy, hc.Check(context.Background()).Status)
}

func TestReadinessHandler(t *testing.T) {
	hc := NewHealthChecker("test")
	ready := true
	hc.RegisterCheck(ModelCheck(func(context.Context) error {
		if ready {
			return nil
		}
		return errors.New("loading")
	}))

	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ready = false
	rec = httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusUnhealthy, body.Status)
}

func TestAdminServerRoutes(t *testing.T) {
	InitMetrics()
	RecordTurn("completed", "", "assembled", time.Second)

	srv := httptest.NewServer(NewServer(":0", NewHealthChecker("v")).Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
