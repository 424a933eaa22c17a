package handler

import (
	"errors"
	"io"
	"net/http"

	"trading-ledger/internal/adapter/http/dto"
	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/pkg/apperror"
	"trading-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderGatewaySignature carries "t=<unix>,v1=<hex>" on gateway webhooks.
const HeaderGatewaySignature = "Gateway-Signature"

// WebhookHandler handles gateway deliveries and the dead-letter queue.
type WebhookHandler struct {
	webhookSvc ports.WebhookService
}

func NewWebhookHandler(webhookSvc ports.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// Receive handles POST /api/v1/webhooks/gateway. The body is passed to
// the service byte for byte since the signature covers it.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, apperror.New(apperror.CodeValidation, "Request body too large", http.StatusRequestEntityTooLarge))
			return
		}
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}

	result, err := h.webhookSvc.ReceiveEvent(c.Request.Context(), body, c.GetHeader(HeaderGatewaySignature))
	if err != nil {
		response.Error(c, err)
		return
	}

	// Every outcome is final from the sender's side; retries are ours.
	if result.Status == domain.IngestAccepted {
		response.Accepted(c, result)
		return
	}
	response.OK(c, result)
}

// GetEvent handles GET /api/v1/webhooks/events/:id.
func (h *WebhookHandler) GetEvent(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	ev, err := h.webhookSvc.GetEvent(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ev)
}

// ListDeadLetters handles GET /api/v1/webhooks/dlq.
func (h *WebhookHandler) ListDeadLetters(c *gin.Context) {
	var q dto.DeadLetterQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	dls, err := h.webhookSvc.ListDeadLetters(c.Request.Context(), q.Size())
	if err != nil {
		response.Error(c, err)
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	response.OK(c, dls)
}

// Reprocess handles POST /api/v1/webhooks/dlq/:id/reprocess.
func (h *WebhookHandler) Reprocess(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	ev, err := h.webhookSvc.ReprocessDLQEvent(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ev)
}

// parseUUIDParam writes a validation error and returns false when the
// path parameter is not a UUID.
func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Error(c, apperror.Validation("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}
