package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sreymja/mtls-proxy/internal/config"
	"github.com/sreymja/mtls-proxy/internal/metrics"
	"github.com/sreymja/mtls-proxy/internal/ratelimit"
	"github.com/sreymja/mtls-proxy/internal/requestlog"
)

type noopControlPlane struct{}

func (noopControlPlane) ServeHTTP(http.ResponseWriter, *http.Request) {}
func (noopControlPlane) IsReservedPath(string) bool                  { return false }

func newTestForwarder(t *testing.T) (*Forwarder, *requestlog.Store) {
	t.Helper()
	dir := t.TempDir()
	reqLog, err := requestlog.Open(filepath.Join(dir, "requests.db"))
	if err != nil {
		t.Fatalf("open request log: %v", err)
	}
	t.Cleanup(func() { _ = reqLog.Close() })

	cfg := config.Config{
		Server:  config.Server{MaxRequestSizeMB: 1, RateLimitRPS: 100, RateLimitBurst: 200},
		Target:  config.Target{BaseURL: "https://origin.test", TimeoutSecs: 5},
		Logging: config.Logging{},
	}
	store := config.NewStore(cfg, filepath.Join(dir, "config.toml"), nil, nil, nil)
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 100, BurstSize: 200})
	m := metrics.New(prometheus.NewRegistry())

	f := New(store, limiter, reqLog, m, nil, noopControlPlane{})
	return f, reqLog
}

func TestServeHTTP_StripsHopByHopAndInjectsForwardingHeaders(t *testing.T) {
	f, reqLog := newTestForwarder(t)

	var capturedHeaders http.Header
	f.sendFunc = func(_ context.Context, _, _ string, headers http.Header, _ []byte) (*http.Response, string, int) {
		capturedHeaders = headers
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok")), Header: http.Header{}}, "", 200
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Transfer-Encoding", "chunked")
	req.RemoteAddr = "203.0.113.9:4242"
	rec := httptest.NewRecorder()

	f.ServeHTTP(rec, req)

	if capturedHeaders.Get("Connection") != "" {
		t.Fatalf("expected Connection header stripped")
	}
	if capturedHeaders.Get("Transfer-Encoding") != "" {
		t.Fatalf("expected Transfer-Encoding header stripped")
	}
	if capturedHeaders.Get("Content-Type") != "application/json" {
		t.Fatalf("expected Content-Type preserved")
	}
	if capturedHeaders.Get("X-Forwarded-For") != "203.0.113.9" {
		t.Fatalf("expected X-Forwarded-For set to real peer address, got %q", capturedHeaders.Get("X-Forwarded-For"))
	}
	if capturedHeaders.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID assigned")
	}

	stats, err := reqLog.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Fatalf("expected request row logged, got %d", stats.TotalRequests)
	}
}

func TestServeHTTP_RateLimitRejectsWithoutLogEntry(t *testing.T) {
	f, reqLog := newTestForwarder(t)
	f.limiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: 0, BurstSize: 0})
	f.sendFunc = func(context.Context, string, string, http.Header, []byte) (*http.Response, string, int) {
		t.Fatalf("should not reach upstream when rate limited")
		return nil, "", 0
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	stats, err := reqLog.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 0 {
		t.Fatalf("expected no request row logged on rate-limit rejection, got %d", stats.TotalRequests)
	}
}

func TestServeHTTP_TimeoutProducesGatewayTimeout(t *testing.T) {
	f, _ := newTestForwarder(t)
	f.sendFunc = func(context.Context, string, string, http.Header, []byte) (*http.Response, string, int) {
		return nil, metrics.ErrorKindTimeout, http.StatusGatewayTimeout
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}
