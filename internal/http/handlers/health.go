package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/lms-api-gateway/internal/registry"
)

// Health godoc
//
// @ID          health
// @Summary     Aggregated backend health
// @Description Reports the probed health of every registered service. Degraded services still answer 200; the endpoint turns 503 once any service has no selectable instance.
// @Tags        Gateway
// @Produce     json
// @Success     200  {object}  registry.Report
// @Failure     503  {object}  registry.Report  "At least one service is unhealthy"
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	rep := h.health.Snapshot(h.now())
	status := http.StatusOK
	if rep.Status == registry.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	ok(c, status, rep)
}
