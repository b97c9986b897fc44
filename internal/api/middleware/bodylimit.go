package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// DefaultMaxBodyBytes bounds sync request bodies. A push of a few thousand
// queued mutations fits comfortably.
const DefaultMaxBodyBytes = 4 << 20

// BodyLimitMiddleware caps request bodies at maxBytes. A declared
// Content-Length over the cap is answered with 413 before authentication
// work is wasted on it. Chunked bodies are cut off while reading and the
// handler's bind error reports 413.
func BodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	limit := strconv.FormatInt(maxBytes, 10)

	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":  "validation",
				"detail": "request body exceeds " + limit + " bytes",
			})
			return
		}
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
