package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/waveroomhq/roomserver/internal/v1/bus"
	"github.com/waveroomhq/roomserver/internal/v1/logging"
)

// DBPinger is the subset of *store.Store the readiness check needs.
type DBPinger interface {
	Ping() error
}

// ResolverChecker reports whether the metadata resolver's circuit breaker is
// currently closed (i.e. the upstream is considered reachable).
type ResolverChecker interface {
	Healthy() bool
}

// Handler manages health check endpoints.
type Handler struct {
	redisService    *bus.Service
	db              DBPinger
	resolver        ResolverChecker
	resolverEnabled bool
}

// NewHandler creates a new health check handler. db and resolver may be nil
// if the corresponding check should be skipped (e.g. in a unit test).
func NewHandler(redisService *bus.Service, db DBPinger, resolver ResolverChecker) *Handler {
	return &Handler{
		redisService:    redisService,
		db:              db,
		resolver:        resolver,
		resolverEnabled: resolver != nil,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
// Critical dependencies are the Shared-State Store (Redis) and the
// persisted layout (sqlite); the metadata resolver's circuit breaker state
// is reported for observability but does not fail readiness on its own — a
// resolver outage degrades submissions, not the room's realtime core.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	dbStatus := h.checkDB()
	checks["sqlite"] = dbStatus
	if dbStatus != "healthy" {
		allHealthy = false
	}

	if h.resolverEnabled {
		checks["metadata_resolver"] = h.checkResolver()
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(statusCode, response)
}

// checkRedis verifies Shared-State Store connectivity via PING.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy" // single-instance mode
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkDB verifies the persisted layout is reachable.
func (h *Handler) checkDB() string {
	if h.db == nil {
		return "healthy"
	}
	if err := h.db.Ping(); err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// checkResolver reports the metadata resolver's circuit breaker state.
func (h *Handler) checkResolver() string {
	if h.resolver == nil || h.resolver.Healthy() {
		return "healthy"
	}
	return "degraded"
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
