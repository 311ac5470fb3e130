// Package forwarder is the proxy's hot path (C7): admission, request
// logging, upstream mTLS dial, response relay, response logging, and
// metrics, in that order for every accepted connection.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sreymja/mtls-proxy/internal/config"
	"github.com/sreymja/mtls-proxy/internal/errs"
	"github.com/sreymja/mtls-proxy/internal/metrics"
	"github.com/sreymja/mtls-proxy/internal/ratelimit"
	"github.com/sreymja/mtls-proxy/internal/requestlog"
	"github.com/sreymja/mtls-proxy/internal/tlsclient"
)

// hopByHopHeaders must never be copied from the inbound request to the
// upstream request (spec.md §4.7 step 4).
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

func isHopByHop(header string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(header)]
	return ok
}

// ControlPlane is the subset of the control API the forwarder dispatches
// reserved-prefix requests to, after admission has already run.
type ControlPlane interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
	IsReservedPath(path string) bool
}

// Forwarder implements http.Handler for the single inbound listener.
type Forwarder struct {
	cfg          *config.Store
	limiter      *ratelimit.Limiter
	requestLog   *requestlog.Store
	metrics      *metrics.Metrics
	tlsFactory   *tlsclient.Factory
	controlPlane ControlPlane
	now          func() time.Time
	sendFunc     func(ctx context.Context, method, rawURL string, headers http.Header, body []byte) (*http.Response, string, int)
}

// New wires a Forwarder from its dependencies.
func New(cfg *config.Store, limiter *ratelimit.Limiter, reqLog *requestlog.Store, m *metrics.Metrics, tlsFactory *tlsclient.Factory, cp ControlPlane) *Forwarder {
	f := &Forwarder{cfg: cfg, limiter: limiter, requestLog: reqLog, metrics: m, tlsFactory: tlsFactory, controlPlane: cp, now: time.Now}
	f.sendFunc = f.sendUpstream
	return f
}

func writeError(w http.ResponseWriter, path, requestID string, e *errs.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.StatusFor(e.Code))
	_ = json.NewEncoder(w).Encode(errs.ToResponse(e, path, requestID))
}

// ServeHTTP implements the admission → route-selection → proxy pipeline.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.metrics.RequestsTotal.Inc()
	f.metrics.RequestsInProgress.Inc()
	defer f.metrics.RequestsInProgress.Dec()
	start := f.now()

	// 1b. Rate limit.
	if !f.limiter.Allow() {
		f.metrics.ErrorsTotal.WithLabelValues(metrics.ErrorKindRequest).Inc()
		writeError(w, r.URL.Path, "", errs.New(errs.RateLimitExceeded, "rate limit exceeded"))
		return
	}

	// 1c. Bounded body read.
	snapshot := f.cfg.Get()
	maxBytes := int64(snapshot.Server.MaxRequestSizeMB) * 1024 * 1024
	limited := http.MaxBytesReader(w, r.Body, maxBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		f.metrics.ErrorsTotal.WithLabelValues(metrics.ErrorKindRequest).Inc()
		writeError(w, r.URL.Path, "", errs.New(errs.RequestTooLarge, "request body exceeds configured limit"))
		return
	}

	// 2. Route selection.
	if f.controlPlane != nil && f.controlPlane.IsReservedPath(r.URL.Path) {
		r.Body = io.NopCloser(bytes.NewReader(body))
		f.controlPlane.ServeHTTP(w, r)
		return
	}

	f.forward(w, r, body, snapshot, start)
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, body []byte, snapshot config.Config, start time.Time) {
	// 3. Assign identity, build upstream URI.
	requestID := uuid.New().String()
	upstreamURL := snapshot.Target.BaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	// 4. Header hygiene.
	outHeaders := make(http.Header)
	for k, vs := range r.Header {
		if isHopByHop(k) {
			continue
		}
		outHeaders[k] = vs
	}
	clientIP := peerAddress(r)
	outHeaders.Set("X-Forwarded-For", clientIP)
	outHeaders.Set("X-Forwarded-Proto", "http")
	outHeaders.Set("X-Request-ID", requestID)

	// 5. Log request.
	headerJSON, _ := json.Marshal(outHeaders)
	if f.requestLog != nil {
		if err := f.requestLog.LogRequest(requestlog.Request{
			ID:        requestID,
			Timestamp: start.UTC(),
			Method:    r.Method,
			URI:       upstreamURL,
			Headers:   string(headerJSON),
			BodySize:  int64(len(body)),
			ClientIP:  clientIP,
		}); err != nil {
			_ = err // best-effort on the data plane per spec.md §4.7 failure semantics
		}
	}

	// 6-7. Dial and send, bounded by target.timeout_secs over the whole exchange.
	timeout := time.Duration(snapshot.Target.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, errKind, status := f.sendFunc(ctx, r.Method, upstreamURL, outHeaders, body)

	duration := f.now().Sub(start)
	if errKind != "" {
		f.metrics.ErrorsTotal.WithLabelValues(errKind).Inc()
	}

	// 8. Emit response.
	var respBody []byte
	var respHeaders http.Header
	if resp != nil {
		respHeaders = resp.Header
		for k, vs := range respHeaders {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		respBody, _ = io.ReadAll(resp.Body)
		_, _ = w.Write(respBody)
		_ = resp.Body.Close()
		status = resp.StatusCode
	} else {
		w.WriteHeader(status)
	}

	// 9. Log response (synthetic on failure, real on success).
	respHeaderJSON, _ := json.Marshal(respHeaders)
	if f.requestLog != nil {
		if err := f.requestLog.LogResponse(requestlog.Response{
			RequestID:  requestID,
			Timestamp:  f.now().UTC(),
			StatusCode: status,
			Headers:    string(respHeaderJSON),
			BodySize:   int64(len(respBody)),
			DurationMs: duration.Milliseconds(),
		}); err != nil {
			_ = err
		}
	}

	// 10. Close span.
	f.metrics.RequestDurationSecs.WithLabelValues(statusClass(status)).Observe(duration.Seconds())
	f.metrics.ResponsesTotal.Inc()
}

// sendUpstream dials host:port via the current TLS connector, sends the
// request, and returns either the upstream response or a synthesized
// status (502 on network error, 504 on timeout) per spec.md §4.7 step 7.
func (f *Forwarder) sendUpstream(ctx context.Context, method, rawURL string, headers http.Header, body []byte) (resp *http.Response, errKind string, status int) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, metrics.ErrorKindRequest, http.StatusBadGateway
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialed := false
	client := &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				conn, dialErr := f.tlsFactory.Current().Connect(ctx, host, port)
				if dialErr == nil {
					dialed = true
					f.metrics.ActiveConnections.Inc()
				}
				return conn, dialErr
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, metrics.ErrorKindRequest, http.StatusBadGateway
	}
	req.Header = headers

	resp, err = client.Do(req)
	if dialed {
		f.metrics.ActiveConnections.Dec()
	}
	if err != nil {
		var handshakeErr *tlsclient.HandshakeError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, metrics.ErrorKindTimeout, http.StatusGatewayTimeout
		case errors.As(err, &handshakeErr):
			return nil, metrics.ErrorKindTLS, http.StatusBadGateway
		default:
			return nil, metrics.ErrorKindConnection, http.StatusBadGateway
		}
	}
	return resp, "", resp.StatusCode
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// peerAddress returns the real inbound peer address, overriding the
// reference implementation's hardcoded 127.0.0.1 per spec.md §9's resolved
// open question.
func peerAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
