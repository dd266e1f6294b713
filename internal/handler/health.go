package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"media-relay-go/internal/config"
)

// serviceName is reported by the ping endpoint.
const serviceName = "media-relay"

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, now: time.Now}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ping reports that the relay is online, with the server time.
func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "online",
		"service":   serviceName,
		"version":   string(h.version),
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// relayStatus is the body of the status endpoint.
type relayStatus struct {
	Status               string `json:"status"`
	Version              string `json:"version"`
	DefaultFilename      string `json:"default_filename"`
	DefaultContentType   string `json:"default_content_type"`
	BufferThresholdBytes int64  `json:"buffer_threshold_bytes"`
	ChunkSizeBytes       int    `json:"chunk_size_bytes"`
	Depth                int    `json:"depth"`
	RewriteEnabled       bool   `json:"rewrite_enabled"`
}

// Status returns relay status information and the effective relay defaults.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, relayStatus{
		Status:               "ok",
		Version:              string(h.version),
		DefaultFilename:      h.cfg.Relay.DefaultFilename,
		DefaultContentType:   h.cfg.Relay.DefaultContentType,
		BufferThresholdBytes: h.cfg.Relay.BufferThresholdBytes,
		ChunkSizeBytes:       h.cfg.Stream.ChunkSizeBytes,
		Depth:                h.cfg.Stream.Depth,
		RewriteEnabled:       !h.cfg.Rewrite.Disabled,
	})
}
