package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/superscale/tasksync/internal/schema"
)

// VersionInfo contains server version information.
type VersionInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit,omitempty"`
	BuildDate     string `json:"build_date,omitempty"`
	SchemaVersion int    `json:"schema_version"`
}

// VersionHandler handles version-related HTTP endpoints.
type VersionHandler struct {
	info VersionInfo
}

// NewVersionHandler creates a new VersionHandler.
func NewVersionHandler(version, commit, buildDate string) *VersionHandler {
	return &VersionHandler{
		info: VersionInfo{
			Version:       version,
			Commit:        commit,
			BuildDate:     buildDate,
			SchemaVersion: schema.Version,
		},
	}
}

// RegisterPublicRoutes registers version routes that don't require authentication.
func (h *VersionHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/version", h.Get)
}

// Get returns the server version information. Clients compare
// schema_version before pushing.
// GET /version
func (h *VersionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}
