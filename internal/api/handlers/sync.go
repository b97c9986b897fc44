package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/api/middleware"
	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/push"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/syncerr"
)

// SyncProcessor is the server side of the sync protocol.
type SyncProcessor interface {
	Process(ctx context.Context, id auth.Identity, req push.PushRequest) (*push.PushResponse, error)
	Query(ctx context.Context, id auth.Identity, spec query.Spec) (*push.QueryResult, error)
	Stats(ctx context.Context, id auth.Identity, orgID string) (models.TodoStats, error)
	CheckMember(ctx context.Context, id auth.Identity, orgID string) error
}

// LiveStreamer serves poke streams over websockets.
type LiveStreamer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, orgID, userID string)
}

// SyncRecorder counts sync requests. It may be nil.
type SyncRecorder interface {
	RecordPush(status string)
	RecordQuery(table, status string)
}

// SchemaMismatchError is the error code of a push with another schema version.
const SchemaMismatchError = "schema_version_mismatch"

// SyncHandler handles the sync protocol endpoints.
type SyncHandler struct {
	proc     SyncProcessor
	live     LiveStreamer
	recorder SyncRecorder
	logger   zerolog.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(proc SyncProcessor, live LiveStreamer, recorder SyncRecorder, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		proc:     proc,
		live:     live,
		recorder: recorder,
		logger:   logger.With().Str("component", "sync_handler").Logger(),
	}
}

// RegisterRoutes registers sync routes on the given router group.
func (h *SyncHandler) RegisterRoutes(r *gin.RouterGroup) {
	sync := r.Group("/sync")
	{
		sync.POST("/push", h.Push)
		sync.POST("/query", h.Query)
		sync.GET("/stats", h.Stats)
		sync.GET("/identity", h.Identity)
		if h.live != nil {
			sync.GET("/live", h.Live)
		}
	}
}

func (h *SyncHandler) recordPush(status string) {
	if h.recorder != nil {
		h.recorder.RecordPush(status)
	}
}

func (h *SyncHandler) recordQuery(table, status string) {
	if h.recorder != nil {
		h.recorder.RecordQuery(table, status)
	}
}

// Push applies a batch of client mutations.
// POST /api/v1/sync/push
func (h *SyncHandler) Push(c *gin.Context) {
	id, ok := middleware.RequireIdentity(c)
	if !ok {
		return
	}

	var req push.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordPush("malformed")
		respondBindError(c, err)
		return
	}
	middleware.LogFields(c, func(l zerolog.Context) zerolog.Context {
		return l.Str("client_group_id", req.ClientGroupID).Int("mutations", len(req.Mutations))
	})

	resp, err := h.proc.Process(c.Request.Context(), id, req)
	switch {
	case err == nil:
	case errors.Is(err, push.ErrSchemaVersion):
		h.recordPush("schema_mismatch")
		c.JSON(http.StatusConflict, ErrorResponse{Error: SchemaMismatchError, Detail: err.Error()})
		return
	case push.IsRequestError(err):
		h.recordPush("rejected")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: string(syncerr.KindValidation), Detail: err.Error()})
		return
	default:
		h.recordPush("error")
		respondError(c, h.logger, err)
		return
	}

	h.recordPush("ok")
	c.JSON(http.StatusOK, resp)
}

// Query runs a query spec with the caller's read permissions. Any row the
// caller may not read fails the whole query with 403.
// POST /api/v1/sync/query
func (h *SyncHandler) Query(c *gin.Context) {
	id, ok := middleware.RequireIdentity(c)
	if !ok {
		return
	}

	var spec query.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondBindError(c, err)
		return
	}
	middleware.LogFields(c, func(l zerolog.Context) zerolog.Context {
		return l.Str("table", spec.Table)
	})

	res, err := h.proc.Query(c.Request.Context(), id, spec)
	if err != nil {
		h.recordQuery(spec.Table, string(syncerr.KindOf(err)))
		respondError(c, h.logger, err)
		return
	}

	h.recordQuery(spec.Table, "ok")
	c.JSON(http.StatusOK, res)
}

// Stats returns todo counts by status for an organization.
// GET /api/v1/sync/stats?org_id=
func (h *SyncHandler) Stats(c *gin.Context) {
	id, ok := middleware.RequireIdentity(c)
	if !ok {
		return
	}

	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: string(syncerr.KindValidation), Detail: "org_id is required"})
		return
	}

	stats, err := h.proc.Stats(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Identity returns the caller as the server sees them. Clients use the
// subject for local permission checks.
// GET /api/v1/sync/identity
func (h *SyncHandler) Identity(c *gin.Context) {
	id, ok := middleware.RequireIdentity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, id)
}

// Live upgrades to a websocket that streams pokes for an organization the
// caller belongs to.
// GET /api/v1/sync/live?org_id=
func (h *SyncHandler) Live(c *gin.Context) {
	id, ok := middleware.RequireIdentity(c)
	if !ok {
		return
	}

	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: string(syncerr.KindValidation), Detail: "org_id is required"})
		return
	}
	if err := h.proc.CheckMember(c.Request.Context(), id, orgID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.live.HandleWebSocket(c.Writer, c.Request, orgID, id.Subject)
}
