package handlers

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/yellowcat/checkout/internal/platform/httpx"
)

const (
	healthStatusOK       = "ok"
	healthStatusDraining = "draining"
)

// SessionCounter reports how many checkout sessions are open.
type SessionCounter interface {
	Len() int
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	sessions  SessionCounter
	startedAt time.Time
	now       func() time.Time
	draining  atomic.Bool
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSessions reports the open session count on /readyz.
func WithHealthSessions(sessions SessionCounter) HealthOption {
	return func(h *HealthHandlers) {
		h.sessions = sessions
	}
}

// WithHealthClock overrides the clock used for uptime reporting.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.now()
	return h
}

// Drain flips /readyz to 503 so the load balancer stops routing new checkouts here.
func (h *HealthHandlers) Drain() {
	h.draining.Store(true)
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    healthStatusOK,
		"uptime":    now.Sub(h.startedAt).Round(time.Second).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// Readyz reports whether new sessions may be routed here.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":    healthStatusOK,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if h.sessions != nil {
		payload["sessions"] = h.sessions.Len()
	}
	status := http.StatusOK
	if h.draining.Load() {
		payload["status"] = healthStatusDraining
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}
