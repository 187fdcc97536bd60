package api

import (
	"context"
	"net/http"
	"time"
)

const version = "0.1.0"

// Check represents the status of a single health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Entities  int              `json:"entities"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	if h.trust != nil {
		start := time.Now()
		if err := h.trust.Ping(ctx); err != nil {
			checks["trust_store"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["trust_store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["trust_store"] = Check{Status: "fail", Message: "not configured"}
		allHealthy = false
	}

	if h.nonces != nil {
		start := time.Now()
		if err := h.nonces.Ping(ctx); err != nil {
			checks["nonce_store"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["nonce_store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["nonce_store"] = Check{Status: "fail", Message: "not configured"}
		allHealthy = false
	}

	status := "healthy"
	code := http.StatusOK
	if !allHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	h.JSON(w, code, HealthResponse{
		Status:    status,
		Version:   version,
		Entities:  h.registry.Len(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
