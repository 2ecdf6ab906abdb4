package http

import (
	"context"
	"net/http"
	"time"

	"watchparty/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
	peers   func() int
}

// NewHealthHandler reports readiness from checker. peers may be nil.
func NewHealthHandler(checker *monitoring.HealthChecker, peers func() int) *HealthHandler {
	return &HealthHandler{checker: checker, peers: peers}
}

func (h *HealthHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now().Unix(),
	}
	if h.peers != nil {
		body["connections"] = h.peers()
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
