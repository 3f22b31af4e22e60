package apiserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bedrock/router/internal/config"
	"github.com/go-bedrock/router/internal/events"
	"github.com/go-bedrock/router/internal/fleet"
)

type stubCounter struct {
	total     int
	byBackend map[string]int
	bound     bool
}

func (s stubCounter) SessionCount() int                     { return s.total }
func (s stubCounter) SessionCountByBackend() map[string]int { return s.byBackend }
func (s stubCounter) Bound() bool                           { return s.bound }

type stubReloader struct{ triggered int }

func (s *stubReloader) TriggerReload() { s.triggered++ }

func newTestController(t *testing.T) *fleet.Controller {
	t.Helper()
	c := fleet.New(events.NewMultiSink(), "A Bedrock Router proxy server")
	cfg := &config.Config{
		Bind:              "0.0.0.0:19132",
		ProxyBind:         "0.0.0.0:0",
		LoadBalanceMethod: "round_robin",
		Backend: config.BackendConfig{
			HealthCheckRate: time.Hour,
			MotdRefreshRate: time.Hour,
			UnhealthyAfter:  3,
			Servers:         []config.ServerConfig{{Address: "127.0.0.1:19133"}},
		},
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, c.Reload(context.Background(), cfg))
	return c
}

func TestHealthzReturns503WhenFrontendSocketNotBound(t *testing.T) {
	c := newTestController(t)
	s := New(c, stubCounter{bound: false}, &stubReloader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthzReturns200WhenFrontendSocketIsBoundRegardlessOfBackendHealth(t *testing.T) {
	c := newTestController(t)
	// no backend has been marked Up, yet liveness only cares about the
	// frontend socket, per SPEC_FULL.md §5.3.
	s := New(c, stubCounter{bound: true}, &stubReloader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReturns200WhenForwarderDoesNotReportBoundState(t *testing.T) {
	c := newTestController(t)
	// a SessionCounter that doesn't also implement Bounder disables the
	// liveness check rather than failing closed.
	s := New(c, noBoundCounter{}, &stubReloader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

type noBoundCounter struct{}

func (noBoundCounter) SessionCount() int                     { return 0 }
func (noBoundCounter) SessionCountByBackend() map[string]int { return nil }

func TestBackendsListsConfiguredBackendsWithSessionCounts(t *testing.T) {
	c := newTestController(t)
	f := c.Current()
	id := f.Backends[0].ID

	counter := stubCounter{total: 2, byBackend: map[string]int{id: 2}, bound: true}
	s := New(c, counter, &stubReloader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/backends", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)
	assert.Contains(t, rec.Body.String(), `"sessions":2`)
}

func TestReloadTriggersReloaderAndReturns202(t *testing.T) {
	c := newTestController(t)
	reloader := &stubReloader{}
	s := New(c, stubCounter{bound: true}, reloader, nil)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, reloader.triggered)
}

func TestReloadWithoutReloaderReturns501(t *testing.T) {
	c := newTestController(t)
	s := New(c, stubCounter{bound: true}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthzMethodNotAllowedForPost(t *testing.T) {
	c := newTestController(t)
	s := New(c, stubCounter{bound: true}, &stubReloader{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsRouteAbsentWithoutAHandler(t *testing.T) {
	c := newTestController(t)
	s := New(c, stubCounter{bound: true}, &stubReloader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRouteServesProvidedHandler(t *testing.T) {
	c := newTestController(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("# metrics\n"))
	})
	s := New(c, stubCounter{bound: true}, &stubReloader{}, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}
