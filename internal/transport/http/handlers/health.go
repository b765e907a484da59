package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck probes a dependency and returns an error when it is unavailable.
type ReadinessCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthOption customises the health handler.
type HealthOption func(*HealthHandler)

// WithReadinessCheck registers a dependency probed by /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandler) {
		if check != nil {
			h.checks = append(h.checks, namedCheck{name: name, check: check})
		}
	}
}

// WithNodeID reports the registry node identity on /healthz.
func WithNodeID(nodeID string) HealthOption {
	return func(h *HealthHandler) {
		h.nodeID = nodeID
	}
}

// HealthHandler exposes liveness and readiness information.
type HealthHandler struct {
	startedAt time.Time
	nodeID    string
	checks    []namedCheck
}

// NewHealthHandler builds a new health handler instance.
func NewHealthHandler(opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{startedAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Status returns the status and start time of the node.
func (h *HealthHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		NodeID:    h.nodeID,
		StartedAt: h.startedAt,
		Timestamp: time.Now().UTC(),
	})
}

// Readiness probes every registered dependency and reports 503 when any fails.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	for _, nc := range h.checks {
		if err := nc.check(ctx); err != nil {
			resp.Checks[nc.name] = "unavailable"
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			_ = c.Error(err)
			continue
		}
		resp.Checks[nc.name] = "ok"
	}
	resp.Timestamp = time.Now().UTC()

	c.JSON(status, resp)
}
