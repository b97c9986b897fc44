package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/syncerr"
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// StatusForKind maps an engine error kind to an HTTP status.
func StatusForKind(kind syncerr.Kind) int {
	switch kind {
	case syncerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case syncerr.KindForbidden:
		return http.StatusForbidden
	case syncerr.KindNotFound:
		return http.StatusNotFound
	case syncerr.KindValidation, syncerr.KindUnknownMutator:
		return http.StatusBadRequest
	case syncerr.KindVersionConflict, syncerr.KindConstraintViolation, syncerr.KindOutOfOrder:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError answers with the status and body for err. Unclassified
// errors are logged and reported without their message.
func respondError(c *gin.Context, logger zerolog.Logger, err error) {
	kind := syncerr.KindOf(err)
	status := StatusForKind(kind)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: string(kind), Detail: syncerr.Detail(err)})
}

// respondBindError answers a request whose body could not be decoded.
func respondBindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:  string(syncerr.KindValidation),
			Detail: "request body too large",
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:  string(syncerr.KindValidation),
		Detail: "invalid request body",
	})
}
