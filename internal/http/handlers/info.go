package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/lms-api-gateway/internal/domain"
)

// EndpointInfo describes one proxied route in the info document.
type EndpointInfo struct {
	Path         string   `json:"path" example:"/api/v1/properties"`
	Service      string   `json:"service" example:"property-service"`
	Methods      []string `json:"methods,omitempty"`
	AuthRequired bool     `json:"authRequired"`
}

// InfoResponse is the body of GET /api/v1/info.
type InfoResponse struct {
	Service   string                  `json:"service" example:"API Gateway"`
	Version   string                  `json:"version" example:"1.0.0"`
	Timestamp string                  `json:"timestamp" example:"2024-01-01T00:00:00.000Z"`
	Status    string                  `json:"status" example:"running"`
	Endpoints map[string]EndpointInfo `json:"endpoints"`
}

// EndpointsFrom lists routes for the info document. Routes sharing a path
// are folded into one entry; an empty method list means any method.
func EndpointsFrom(routes []domain.RouteDescriptor) []EndpointInfo {
	out := make([]EndpointInfo, 0, len(routes))
	index := make(map[string]int, len(routes))
	for _, r := range routes {
		i, seen := index[r.Path]
		if !seen {
			index[r.Path] = len(out)
			out = append(out, EndpointInfo{
				Path:         r.Path,
				Service:      r.Service,
				Methods:      slices.Clone(r.Methods),
				AuthRequired: r.AuthRequired,
			})
			continue
		}
		e := &out[i]
		e.AuthRequired = e.AuthRequired || r.AuthRequired
		if len(e.Methods) == 0 || len(r.Methods) == 0 {
			e.Methods = nil
			continue
		}
		for _, m := range r.Methods {
			if !slices.Contains(e.Methods, m) {
				e.Methods = append(e.Methods, m)
			}
		}
	}
	return out
}

// Info godoc
//
// @ID          info
// @Summary     Gateway information
// @Description Returns the gateway version and the proxied route prefixes. No authentication.
// @Tags        Gateway
// @Produce     json
// @Success     200  {object}  handlers.InfoResponse
// @Router      /api/v1/info [get]
func (h *Handlers) Info(c *gin.Context) {
	eps := make(map[string]EndpointInfo, len(h.routes))
	for _, e := range h.routes {
		eps[e.Path] = e
	}
	ok(c, http.StatusOK, InfoResponse{
		Service:   "API Gateway",
		Version:   h.version,
		Timestamp: timestamp(h.now()),
		Status:    "running",
		Endpoints: eps,
	})
}
