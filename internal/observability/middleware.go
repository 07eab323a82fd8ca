package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the id assigned to every admin request.
const RequestIDHeader = "X-Request-Id"

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return c.Request.URL.Path
}

// RequestLogger logs one event per admin request, keeping the caller's
// request id when it sent one.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		event.
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("peer", c.ClientIP()).
			Msg("admin request")
	}
}

// RequestMetricsMiddleware feeds RecordHTTPRequest; surface names the HTTP
// listener in the metric labels.
func RequestMetricsMiddleware(surface string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(surface, c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}
