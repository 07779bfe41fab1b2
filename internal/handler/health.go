package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"s3front-proxy-go/internal/config"
	"s3front-proxy-go/internal/lifecycle"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg        *config.Config
	controller *lifecycle.Controller
	version    Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, ctrl *lifecycle.Controller, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, controller: ctrl, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information, including the lifecycle state.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"state":       h.controller.Status().String(),
		"version":     string(h.version),
		"upstream":    h.cfg.Upstream.Addr(),
		"path_prefix": h.cfg.Upstream.PathPrefix,
	})
}
