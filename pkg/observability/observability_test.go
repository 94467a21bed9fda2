package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerEmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf).
		WithField("service", "auth-service").
		WithFields(map[string]interface{}{"correlation_id": "cid-1-abcdefghi"})

	logger.Info("Request handled")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Request handled", record["msg"])
	assert.Equal(t, "auth-service", record["service"])
	assert.Equal(t, "cid-1-abcdefghi", record["correlation_id"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "visible")
}

func TestLoggerSetLevelSharedAcrossDerived(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(InfoLevel, &buf)
	derived := root.WithField("component", "resolver")

	derived.Debug("hidden")
	root.SetLevel(DebugLevel)
	derived.Debug("visible now")

	assert.Contains(t, buf.String(), "visible now")
	assert.NotContains(t, buf.String(), "hidden\"")
}

func TestLoggerWithErrorNil(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)
	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("warn"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("info"))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
}

func TestHealthReadinessHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := NewHealthChecker(client)
	h.RegisterProbe("dynamic-config", func(context.Context) error { return nil })

	w := httptest.NewRecorder()
	h.Readiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["dynamic-config"].Status)
}

func TestHealthRedisDownDegradesButStaysReady(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	h := NewHealthChecker(client)
	w := httptest.NewRecorder()
	h.Readiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, w.Code,
		"redis loss degrades the limiter to local windows, it does not take the service out of rotation")

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
}

func TestHealthFailingProbeDegrades(t *testing.T) {
	h := NewHealthChecker(nil)
	h.RegisterProbe("dynamic-config", func(context.Context) error {
		return errors.New("snapshot is stale")
	})

	status := h.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Contains(t, status.Dependencies["dynamic-config"].Message, "stale")
}

func TestHealthLiveness(t *testing.T) {
	h := NewHealthChecker(nil)
	w := httptest.NewRecorder()
	h.Liveness(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShutdownManagerRunsAllHooks(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, time.Second)

	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"api-server", "redis", "scheduler"} {
		name := name
		sm.Register(name, func(context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, sm.Shutdown())
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"api-server", "redis", "scheduler"}, ran)
}

func TestShutdownManagerReportsHookFailure(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, time.Second)

	sm.Register("healthy", func(context.Context) error { return nil })
	sm.Register("broken", func(context.Context) error { return errors.New("close failed") })

	assert.Error(t, sm.Shutdown())
}

func TestShutdownManagerTimeoutDoesNotHang(t *testing.T) {
	logger := NewLogger(ErrorLevel, &bytes.Buffer{})
	sm := NewShutdownManager(logger, 50*time.Millisecond)

	sm.Register("hung", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(time.Hour)
		return nil
	})

	done := make(chan struct{})
	go func() {
		sm.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not respect its timeout")
	}
}

func TestMetricsRegisterAndServe(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.AuthAttemptsTotal.WithLabelValues("user", "success").Inc()
	m.RateLimitDecisionsTotal.WithLabelValues("distributed", "allowed").Inc()
	m.RateLimitFallbackTotal.Inc()
	m.VerifiedTokenCacheSize.Set(3)

	w := httptest.NewRecorder()
	Handler(registry).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "gatekeeper_auth_attempts_total")
	assert.Contains(t, body, "gatekeeper_ratelimit_decisions_total")
	assert.Contains(t, body, "gatekeeper_verified_token_cache_entries")
}
