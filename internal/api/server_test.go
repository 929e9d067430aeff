package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/config"
	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/quota"
	"github.com/JakeFAU/postharvest/internal/scheduler"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(fakeDeps()), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	deps := fakeDeps()
	rec := serve(newTestServer(deps), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	deps.Ready = func(context.Context) error { return errors.New("postgres unreachable") }
	rec = serve(newTestServer(deps), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "postgres unreachable")
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	reset := time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC)
	deps := fakeDeps()
	deps.Ledger = &fakeLedger{snapshot: quota.Snapshot{
		RequestCount: 42,
		IsLimited:    true,
		ResetTime:    reset,
		Categories: []quota.CategoryStatus{
			{Key: "search", Used: 60, Capacity: 60, Exhausted: true, UsageRatio: 1, ResetAt: reset},
		},
	}}

	rec := serve(newTestServer(deps), http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(42), resp.Quota.RequestCount)
	require.True(t, resp.Quota.IsLimited)
	require.Len(t, resp.Quota.Categories, 1)
	require.Equal(t, CredentialStatus{Active: "backup", ActiveIndex: 1, PoolSize: 2}, resp.Credentials)
	require.Equal(t, map[string]int{"search": 2}, resp.Penalties)
	require.Len(t, resp.Jobs, 1)
	require.Equal(t, "accounts", resp.Jobs[0].Name)
	require.NotContains(t, rec.Body.String(), "secret-token")
}

func TestServer_Trigger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		strategy string
		fired    bool
		err      error
		want     int
	}{
		{name: "fired", strategy: "accounts", fired: true, want: http.StatusAccepted},
		{name: "skipped while running", strategy: "accounts", want: http.StatusConflict},
		{name: "unknown strategy", strategy: "nope", err: fmt.Errorf("job nope: %w", harvest.ErrNotFound), want: http.StatusNotFound},
		{name: "scheduler stopped", strategy: "accounts", err: scheduler.ErrNotRunning, want: http.StatusServiceUnavailable},
		{name: "other error", strategy: "accounts", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			jobs := &fakeJobs{fired: tt.fired, err: tt.err}
			deps := fakeDeps()
			deps.Jobs = jobs
			rec := serve(newTestServer(deps), http.MethodPost, "/v1/strategies/"+tt.strategy+"/trigger", nil)
			require.Equal(t, tt.want, rec.Code)
			require.Equal(t, []string{tt.strategy}, jobs.triggered)
		})
	}
}

func TestServer_ResetQuota(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{}
	deps := fakeDeps()
	deps.Ledger = ledger
	rec := serve(newTestServer(deps), http.MethodPost, "/v1/quota/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, ledger.resets)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(fakeDeps())
	serve(srv, http.MethodGet, "/healthz", nil)
	rec := serve(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(fakeDeps(), cfg, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/status", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/status?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	deps := fakeDeps()
	deps.Penalties = panickingPenalties{}
	rec := serve(newTestServer(deps), http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(fakeDeps()), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(newTestServer(fakeDeps()), http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func serve(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(deps Deps) *Server {
	return NewServer(deps, config.Config{Server: config.ServerConfig{RequestTimeout: 5 * time.Second}}, zap.NewNop())
}

func fakeDeps() Deps {
	return Deps{
		Ledger: &fakeLedger{},
		Credentials: fakeCredentials{creds: []harvest.Credential{
			{Index: 0, Name: "primary", BearerToken: "secret-token"},
			{Index: 1, Name: "backup", BearerToken: "secret-token"},
		}, active: 1},
		Penalties: fakePenalties{"search": 2},
		Jobs:      &fakeJobs{stats: []scheduler.JobStats{{Name: "accounts", Cadence: "3h0m0s"}}},
	}
}

type fakeLedger struct {
	mu       sync.Mutex
	snapshot quota.Snapshot
	resets   int
}

func (f *fakeLedger) Status() quota.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeLedger) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

type fakeCredentials struct {
	creds  []harvest.Credential
	active int
}

func (f fakeCredentials) Current() harvest.Credential { return f.creds[f.active] }
func (f fakeCredentials) ActiveIndex() int            { return f.active }
func (f fakeCredentials) Size() int                   { return len(f.creds) }

type fakePenalties map[string]int

func (f fakePenalties) Penalties() map[string]int { return f }

type panickingPenalties struct{}

func (panickingPenalties) Penalties() map[string]int { panic("boom") }

type fakeJobs struct {
	mu        sync.Mutex
	fired     bool
	err       error
	stats     []scheduler.JobStats
	triggered []string
}

func (f *fakeJobs) Trigger(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, name)
	return f.fired, f.err
}

func (f *fakeJobs) Stats() []scheduler.JobStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
