package server_test

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
	"github.com/amu-labs/gatekeep/internal/observability"
	"github.com/amu-labs/gatekeep/internal/server"
	"github.com/amu-labs/gatekeep/internal/upstream"
)

// isPermissionError reports sandboxes that refuse loopback sockets.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted")
}

func initMetricsOrSkip(t *testing.T) {
	t.Helper()
	if err := observability.InitMetrics("gatekeep", 0); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = observability.ShutdownMetrics() })
}

func startGateway(t *testing.T, upstreamURL string) *httptest.Server {
	t.Helper()
	observability.InitServerLogger("gatekeep-test", observability.ServerLoggerOptions{Level: "error", Environment: "test"})

	limiter, err := engine.NewRateLimiter(engine.NewMemoryAttemptStore(), core.DefaultRateLimit, map[string]core.RateLimitOverride{
		core.DefaultScope: {MaxAttempts: 2, Window: time.Hour},
	})
	require.NoError(t, err)

	srv := server.New(config.ServerConfig{Host: "127.0.0.1"}, server.Deps{
		Limiter:     limiter,
		Coordinator: engine.NewCoordinator(5 * time.Second),
		Upstream:    upstream.New(config.UpstreamConfig{BaseURL: upstreamURL, Timeout: 5 * time.Second}),
		Gateway:     config.GatewayConfig{SubjectHeader: "X-User-ID", CourseScope: core.DefaultScope},
	})

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping server setup: %v", err)
		}
		require.NoError(t, err)
	}
	ts := &httptest.Server{Listener: listener, Config: &http.Server{Handler: srv.Handler()}}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

func TestGatewayUnderLoad(t *testing.T) {
	initMetricsOrSkip(t)

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstreamSrv.Close)

	ts := startGateway(t, upstreamSrv.URL)
	client := ts.Client()

	const users = 5
	const perUser = 6

	type outcome struct {
		user   int
		status int
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(10).WithErrors()
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			user := u
			p.Go(func() (outcome, error) {
				req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/courses", strings.NewReader(`{}`))
				if err != nil {
					return outcome{}, err
				}
				req.Header.Set("X-User-ID", fmt.Sprintf("user-%d", user))
				resp, err := client.Do(req)
				if err != nil {
					return outcome{}, err
				}
				defer resp.Body.Close() // nolint:errcheck // test cleanup
				_, _ = io.Copy(io.Discard, resp.Body)
				return outcome{user: user, status: resp.StatusCode}, nil
			})
		}
	}
	results, err := p.Wait()
	require.NoError(t, err)

	created := make(map[int]int)
	for _, r := range results {
		switch r.status {
		case http.StatusCreated:
			created[r.user]++
		case http.StatusTooManyRequests:
		default:
			t.Errorf("unexpected status %d for user %d", r.status, r.user)
		}
	}
	for u := 0; u < users; u++ {
		assert.Equal(t, 2, created[u], "user-%d admits exactly max_attempts courses", u)
	}

	resp, err := client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	metrics := string(body)
	assert.Contains(t, metrics, "gatekeep_http_requests_total")
	assert.Contains(t, metrics, "gatekeep_rate_limit_checks_total")
	assert.Contains(t, metrics, "gatekeep_coordinator_acquires_total")
	assert.Contains(t, metrics, "gatekeep_upstream_requests_total")
}

func TestMetricsEndpointWithTelemetryDisabled(t *testing.T) {
	originalExporter := observability.PrometheusExporter
	originalTelemetry := observability.TelemetrySystem
	observability.PrometheusExporter = nil
	observability.TelemetrySystem = nil
	t.Cleanup(func() {
		observability.PrometheusExporter = originalExporter
		observability.TelemetrySystem = originalTelemetry
	})

	ts := startGateway(t, "")

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
