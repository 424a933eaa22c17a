package handler

import (
	"trading-ledger/internal/core/ports"
	"trading-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type SummaryHandler struct {
	summarySvc ports.SummaryService
}

func NewSummaryHandler(summarySvc ports.SummaryService) *SummaryHandler {
	return &SummaryHandler{summarySvc: summarySvc}
}

// Get handles GET /api/v1/summary.
func (h *SummaryHandler) Get(c *gin.Context) {
	summary, err := h.summarySvc.GetSummary(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, summary)
}
