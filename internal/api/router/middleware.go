package router

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/toolmeter/internal/api/dto"
	"github.com/cuongbtq/toolmeter/internal/api/handler"
	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/storagekey"
	"github.com/gin-gonic/gin"
)

// Identity headers set by the upstream gateway after it authenticated the caller
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
)

// LoggerMiddleware writes one access log record per request.
// Health probes are skipped; 4xx log at warn and 5xx at error.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

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

		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.String("path", c.Request.URL.Path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
			slog.Int("body_size", c.Writer.Size()),
		}
		if actor := handler.ActorFrom(c); actor.TenantID != "" {
			attrs = append(attrs, slog.String("tenant_id", actor.TenantID))
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			attrs = append(attrs, slog.String("error", errs.String()))
		}

		logger.LogAttrs(c.Request.Context(), level, "HTTP Request", attrs...)
	}
}

// CORSMiddleware lets browser clients call the job API
func CORSMiddleware() gin.HandlerFunc {
	allowHeaders := strings.Join([]string{
		"Content-Type", "Authorization",
		HeaderTenantID, HeaderUserID, HeaderSessionID,
	}, ", ")

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Expose-Headers", "Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ActorMiddleware resolves the caller identity from gateway headers and the client IP.
// Identifiers end up in storage keys, so malformed ones are rejected here.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := domain.Actor{
			TenantID:  c.GetHeader(HeaderTenantID),
			UserID:    c.GetHeader(HeaderUserID),
			SessionID: c.GetHeader(HeaderSessionID),
			IP:        c.ClientIP(),
		}

		for _, field := range []struct{ name, value string }{
			{"tenant_id", actor.TenantID},
			{"user_id", actor.UserID},
			{"session_id", actor.SessionID},
		} {
			if field.value == "" {
				continue
			}
			if err := storagekey.ValidateIdentifier(field.name, field.value); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Field: field.name})
				return
			}
		}

		handler.SetActor(c, actor)
		c.Next()
	}
}
