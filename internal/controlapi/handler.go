// Package controlapi is the JSON control plane (C8): config read/update/
// validate, certificate CRUD, audit/log queries, metrics scrape, liveness.
package controlapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sreymja/mtls-proxy/internal/audit"
	"github.com/sreymja/mtls-proxy/internal/config"
	"github.com/sreymja/mtls-proxy/internal/errs"
	"github.com/sreymja/mtls-proxy/internal/requestlog"
)

const maxUploadBytes = 10 << 20 // 10 MiB, per spec.md §4.8.

var reservedExact = []string{"/health", "/metrics"}
var reservedPrefixes = []string{"/ui/"}

// Handler implements the reserved-prefix endpoints and satisfies
// forwarder.ControlPlane.
type Handler struct {
	cfg        *config.Store
	auditStore *audit.Store
	requestLog *requestlog.Store
	registry   *prometheus.Registry
	logger     *slog.Logger
	mux        *http.ServeMux
}

// Option configures a Handler, matching the reference module's functional-
// options wiring idiom.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// New builds a Handler and registers its routes on an internal ServeMux.
func New(cfg *config.Store, auditStore *audit.Store, requestLog *requestlog.Store, registry *prometheus.Registry, opts ...Option) *Handler {
	h := &Handler{cfg: cfg, auditStore: auditStore, requestLog: requestLog, registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.mux = http.NewServeMux()
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("GET /ui/api/config/current", h.handleConfigCurrent)
	h.mux.HandleFunc("POST /ui/api/config/update", h.handleConfigUpdate)
	h.mux.HandleFunc("POST /ui/api/config/validate", h.handleConfigValidate)
	h.mux.HandleFunc("POST /ui/api/certificates/upload", h.handleCertUpload)
	h.mux.HandleFunc("GET /ui/api/certificates/list", h.handleCertList)
	h.mux.HandleFunc("DELETE /ui/api/certificates/delete/{filename}", h.handleCertDelete)
	h.mux.HandleFunc("GET /ui/api/audit/logs", h.handleAuditLogs)
	h.mux.HandleFunc("GET /ui/api/audit/stats", h.handleAuditStats)
	h.mux.HandleFunc("GET /ui/api/logs", h.handleRequestLogs)
	h.mux.HandleFunc("GET /ui/api/stats", h.handleStats)
}

// IsReservedPath reports whether path belongs to the control plane.
// /health and /metrics are exact matches per spec.md §4.7/§4.9 — an
// upstream origin exposing its own /health or /metrics must still be
// reachable through the proxy catch-all. Only /ui/* is a prefix match.
func (h *Handler) IsReservedPath(path string) bool {
	for _, p := range reservedExact {
		if path == p {
			return true
		}
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ServeHTTP dispatches to the internal mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, e *errs.AppError) {
	requestID := r.Header.Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.StatusFor(e.Code))
	_ = json.NewEncoder(w).Encode(errs.ToResponse(e, r.URL.Path, requestID))
}

func (h *Handler) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleConfigCurrent(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.cfg.Get())
}

func (h *Handler) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req config.UpdateRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, r, errs.New(errs.InvalidInput, "malformed JSON body").WithDetails(err.Error()))
		return
	}
	updated, err := h.cfg.Update(req, "", peerAddress(r))
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleConfigValidate(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateConfig("", peerAddress(r)); err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *Handler) handleCertUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.respondError(w, r, errs.New(errs.FileTooLarge, "upload exceeds 10 MiB limit").WithDetails(err.Error()))
		return
	}
	certType := r.FormValue("cert_type")
	kind := config.CertKind(certType)
	if kind != config.CertClient && kind != config.CertKey && kind != config.CertCA {
		h.respondError(w, r, errs.Newf(errs.InvalidInput, "cert_type must be one of client, key, ca, got %q", certType))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, r, errs.New(errs.MissingRequiredField, "file field is required").WithDetails(err.Error()))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		h.respondError(w, r, errs.New(errs.InternalError, "read uploaded file").WithDetails(err.Error()))
		return
	}
	if err := h.cfg.UploadCertificate(kind, content, "", peerAddress(r)); err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
}

func (h *Handler) handleCertList(w http.ResponseWriter, r *http.Request) {
	names, err := h.cfg.ListCertificates()
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string][]string{"certificates": names})
}

func (h *Handler) handleCertDelete(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	existed, err := h.cfg.DeleteCertificate(filename, "", peerAddress(r))
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"existed": existed})
}

func (h *Handler) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{Kind: audit.EventKind(q.Get("kind"))}
	filter.Limit = queryInt(q, "limit", 100)
	filter.Offset = queryInt(q, "offset", 0)

	events, err := h.auditStore.Query(filter)
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *Handler) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.auditStore.Stats()
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleRequestLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := requestlog.Filter{
		Method: q.Get("method"),
		Status: queryInt(q, "status", 0),
		Limit:  queryInt(q, "limit", 100),
		Offset: queryInt(q, "offset", 0),
	}
	pairs, err := h.requestLog.Search(filter)
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"pairs": pairs, "count": len(pairs)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	reqStats, err := h.requestLog.Stats()
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	auditStats, err := h.auditStore.Stats()
	if err != nil {
		h.respondError(w, r, errs.As(err))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"requests": reqStats, "audit": auditStats})
}

func queryInt(q map[string][]string, key string, fallback int) int {
	vs, ok := q[key]
	if !ok || len(vs) == 0 {
		return fallback
	}
	n, err := strconv.Atoi(vs[0])
	if err != nil {
		return fallback
	}
	return n
}

func peerAddress(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}
