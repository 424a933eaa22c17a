package handler

import (
	"context"

	"trading-ledger/internal/adapter/http/dto"
	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/pkg/apperror"
	"trading-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// LedgerHandler serves balances, transactions and operator postings.
type LedgerHandler struct {
	ledgerSvc ports.LedgerService
}

func NewLedgerHandler(ledgerSvc ports.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledgerSvc: ledgerSvc}
}

// GetBalance handles GET /api/v1/ledger/balances/:account.
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	account := domain.Account(c.Param("account"))
	if !account.IsValid() {
		response.Error(c, apperror.Validation("unknown account: "+string(account)))
		return
	}

	balance, err := h.ledgerSvc.GetBalance(c.Request.Context(), account)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.BalanceResponse{Account: account, Balance: balance})
}

// ListTransactions handles GET /api/v1/ledger/transactions.
func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	var q dto.TransactionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	txs, err := h.ledgerSvc.GetTransactions(c.Request.Context(), q.ToFilter())
	if err != nil {
		response.Error(c, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	response.OK(c, txs)
}

// GetTransaction handles GET /api/v1/ledger/transactions/:id.
func (h *LedgerHandler) GetTransaction(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	tx, err := h.ledgerSvc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, tx)
}

// RecordDeposit handles POST /api/v1/ledger/deposits.
func (h *LedgerHandler) RecordDeposit(c *gin.Context) {
	h.recordMovement(c, h.ledgerSvc.RecordDeposit)
}

// RecordWithdrawal handles POST /api/v1/ledger/withdrawals.
func (h *LedgerHandler) RecordWithdrawal(c *gin.Context) {
	h.recordMovement(c, h.ledgerSvc.RecordWithdrawal)
}

func (h *LedgerHandler) recordMovement(c *gin.Context, record func(ctx context.Context, req ports.MovementRequest) (*domain.Transaction, error)) {
	var req dto.MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	tx, err := record(c.Request.Context(), req.ToPort())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, tx)
}

// RecordTrade handles POST /api/v1/ledger/trades.
func (h *LedgerHandler) RecordTrade(c *gin.Context) {
	var req dto.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	tx, err := h.ledgerSvc.RecordTradeResult(c.Request.Context(), req.PnL, req.TradeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, tx)
}

// RecordAdjustment handles POST /api/v1/ledger/adjustments.
func (h *LedgerHandler) RecordAdjustment(c *gin.Context) {
	var req dto.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	tx, err := h.ledgerSvc.RecordAdjustment(c.Request.Context(), req.ToPort())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, tx)
}
