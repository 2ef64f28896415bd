package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/ticketescrow/internal/logging"
	"github.com/mbd888/ticketescrow/internal/metrics"
	"github.com/mbd888/ticketescrow/internal/security"
	"github.com/mbd888/ticketescrow/internal/validation"
)

const (
	requestIDHeader   = "X-Request-ID"
	maxRequestIDBytes = 128
)

// useMiddleware installs the global chain. Request context comes first so
// every later layer logs with the request id.
func (s *Server) useMiddleware() {
	s.router.Use(
		s.requestContext(),
		gin.CustomRecovery(recoverJSON),
		security.HeadersMiddleware(s.cfg.IsProduction()),
		security.CORSMiddleware(s.cfg.AllowedOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize, webhookPath),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		accessLog(),
	)
}

// requestContext attaches a request id and the server logger to the request
// context, echoing the id back to the client.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > maxRequestIDBytes {
			id = uuid.NewString()
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func recoverJSON(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// accessLog writes one line per request; 4xx at warn, 5xx at error.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
