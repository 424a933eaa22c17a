package handler

import (
	"trading-ledger/internal/adapter/http/dto"
	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/pkg/apperror"
	"trading-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// ReconciliationHandler runs reconciliations and manages discrepancies.
type ReconciliationHandler struct {
	reconSvc ports.ReconciliationService
}

func NewReconciliationHandler(reconSvc ports.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{reconSvc: reconSvc}
}

// Run handles POST /api/v1/reconciliations. The run is synchronous.
func (h *ReconciliationHandler) Run(c *gin.Context) {
	var req dto.RunReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	report, err := h.reconSvc.RunReconciliation(c.Request.Context(), req.Start, req.End)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, report)
}

// Latest handles GET /api/v1/reconciliations/latest.
func (h *ReconciliationHandler) Latest(c *gin.Context) {
	report, err := h.reconSvc.GetLatestReport(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// Get handles GET /api/v1/reconciliations/:id.
func (h *ReconciliationHandler) Get(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	report, err := h.reconSvc.GetReport(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// Unresolved handles GET /api/v1/reconciliations/discrepancies/unresolved.
func (h *ReconciliationHandler) Unresolved(c *gin.Context) {
	ds, err := h.reconSvc.GetUnresolvedDiscrepancies(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	if ds == nil {
		ds = []domain.Discrepancy{}
	}
	response.OK(c, ds)
}

// Resolve handles POST /api/v1/reconciliations/:id/discrepancies/:discrepancy_id/resolve.
func (h *ReconciliationHandler) Resolve(c *gin.Context) {
	reportID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	discrepancyID, ok := parseUUIDParam(c, "discrepancy_id")
	if !ok {
		return
	}

	var req dto.ResolveDiscrepancyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	d, err := h.reconSvc.ResolveDiscrepancy(c.Request.Context(), reportID, discrepancyID, req.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, d)
}
