package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
)

// registerRoutes wires all API v1 routes into the server mux.
func (s *Server) registerRoutes() {
	// Health probes
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Metrics endpoint
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Nodes
	s.mux.HandleFunc("GET /api/v1/nodes", s.handleListNodes)
	s.mux.HandleFunc("POST /api/v1/nodes", s.handleRegisterNode)
	s.mux.HandleFunc("GET /api/v1/nodes/{id}", s.handleGetNode)
	s.mux.HandleFunc("POST /api/v1/nodes/{id}/heartbeat", s.handleNodeHeartbeat)
	s.mux.HandleFunc("POST /api/v1/nodes/{id}/deregister", s.handleDeregisterNode)

	// Routes
	s.mux.HandleFunc("POST /api/v1/routes/optimal", s.handleFindOptimalRoute)
	s.mux.HandleFunc("GET /api/v1/routes", s.handleListRoutes)
	s.mux.HandleFunc("GET /api/v1/routes/{id}", s.handleGetRoute)
	s.mux.HandleFunc("POST /api/v1/routes/{id}/performance", s.handleRoutePerformance)

	// Network
	s.mux.HandleFunc("GET /api/v1/network/status", s.handleNetworkStatus)

	// Trust
	s.mux.HandleFunc("POST /api/v1/trust/events", s.handleRecordEvent)
	s.mux.HandleFunc("GET /api/v1/trust/events", s.handleListEvents)
	s.mux.HandleFunc("GET /api/v1/trust/reputation/{type}/{id}", s.handleReputation)
	s.mux.HandleFunc("GET /api/v1/trust/stream", s.handleTrustStream)

	// Abuse reports
	s.mux.HandleFunc("POST /api/v1/abuse-reports", s.handleReportAbuse)
	s.mux.HandleFunc("GET /api/v1/abuse-reports", s.handleListAbuseReports)
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is a readiness probe: ready once the store answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps an error from a component onto its HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errdefs.IsNotFound(err):
		code = http.StatusNotFound
	case errdefs.IsInvalid(err):
		code = http.StatusBadRequest
	case errdefs.IsConflict(err):
		code = http.StatusConflict
	case errdefs.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err))
	}
	writeError(w, code, err.Error())
}

// decodeJSON reads a single JSON object from the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "request body is required")
	default:
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	return false
}
