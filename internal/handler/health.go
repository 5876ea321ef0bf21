package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"apifetch-gateway/internal/config"
	"apifetch-gateway/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	service *service.FetchService
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, svc *service.FetchService) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, service: svc}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /gateway/status.
type StatusResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	SiteURL  string         `json:"site_url"`
	Pipeline service.Status `json:"pipeline"`
}

// Status reports the build version and how the pipeline is configured.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:   "ok",
		Version:  string(h.version),
		SiteURL:  h.cfg.Site.URL,
		Pipeline: h.service.Status(),
	})
}
