package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/toolmeter/internal/api/dto"
	"github.com/cuongbtq/toolmeter/internal/billing"
	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// HandleBilling handles POST /webhooks/billing
// Acknowledges every event it recorded, including duplicates and review cases, so the
// provider stops redelivering. Only processing failures return 500 to request a retry.
func (h *WebhookHandler) HandleBilling(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "failed to read body"})
		return
	}

	header := c.GetHeader(billing.SignatureHeader)
	if err := billing.VerifySignature(h.secret, header, body, h.now(), h.tolerance); err != nil {
		h.logger.Warn("Rejected billing webhook", slog.String("ip", c.ClientIP()), slog.Any("error", err))
		writeError(c, h.logger, err)
		return
	}

	ev, err := billing.ParseEvent(body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	outcome, err := h.billing.Handle(c.Request.Context(), ev)
	if err != nil {
		h.logger.Error("Billing event processing failed",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.WebhookResponse{EventID: ev.ID, Outcome: string(outcome)})
		return
	}
	c.JSON(http.StatusOK, dto.WebhookResponse{EventID: ev.ID, Outcome: string(outcome)})
}
