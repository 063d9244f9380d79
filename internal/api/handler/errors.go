package handler

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/cuongbtq/toolmeter/internal/api/dto"
	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/parsing"
	"github.com/gin-gonic/gin"
)

// writeError maps the error taxonomy onto HTTP statuses. Unclassified errors are logged
// and hidden behind a generic 500.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	var (
		validation   *domain.ValidationError
		unsupported  *parsing.UnsupportedFormatError
		rateLimited  *domain.RateLimitedError
		insufficient *domain.InsufficientCreditsError
		signature    *domain.WebhookSignatureError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: validation.Message, Field: validation.Field})
	case errors.As(err, &unsupported):
		c.JSON(http.StatusUnsupportedMediaType, dto.ErrorResponse{Error: unsupported.Error()})
	case errors.As(err, &rateLimited):
		seconds := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: "rate limit exceeded"})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, dto.ErrorResponse{Error: insufficient.Error()})
	case errors.As(err, &signature):
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: signature.Error()})
	case errors.Is(err, domain.ErrAuthenticationRequired):
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrUnknownTool):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
	case errors.Is(err, domain.ErrNoActiveBalance):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	default:
		logger.Error("Request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
	}
}
