package handler

import (
	"net/http"

	"github.com/cuongbtq/toolmeter/internal/api/dto"
	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/gin-gonic/gin"
)

// GetBalance handles GET /api/v1/credits
func (h *CreditHandler) GetBalance(c *gin.Context) {
	actor := ActorFrom(c)
	if !actor.IsAuthenticated() || actor.TenantID == "" {
		writeError(c, h.logger, domain.ErrAuthenticationRequired)
		return
	}

	balance, err := h.credits.Balance(c.Request.Context(), actor.TenantID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewBalanceDTO(balance))
}
