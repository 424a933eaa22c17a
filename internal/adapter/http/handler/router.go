package handler

import (
	"trading-ledger/internal/adapter/http/middleware"
	"trading-ledger/internal/core/ports"
	"trading-ledger/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	LedgerSvc      ports.LedgerService
	WebhookSvc     ports.WebhookService
	ReconSvc       ports.ReconciliationService
	SummarySvc     ports.SummaryService
	TokenSvc       ports.TokenService        // nil = operator auth disabled
	RateLimitStore middleware.RateLimitStore // nil = rate limiting disabled
	WebhookLimit   middleware.RateLimitRule
	HealthCheckers []ports.HealthChecker
	Metrics        *metrics.Metrics // nil = no /metrics route
	MetricsPath    string
	MaxBodyBytes   int64
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger, deps.Metrics))
	if deps.MaxBodyBytes > 0 {
		r.Use(middleware.MaxBodySize(deps.MaxBodyBytes))
	}

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}

	swagger := r.Group("/swagger")
	{
		swagger.GET("", SwaggerUI)
		swagger.GET("/spec", SwaggerSpec)
	}

	noop := func(c *gin.Context) { c.Next() }

	webhookLimit := gin.HandlerFunc(noop)
	if deps.RateLimitStore != nil && deps.WebhookLimit.Limit > 0 {
		webhookLimit = middleware.RateLimiter(deps.RateLimitStore, "webhook", deps.WebhookLimit, deps.Logger)
	}

	operator := gin.HandlerFunc(noop)
	if deps.TokenSvc != nil {
		operator = middleware.OperatorAuth(deps.TokenSvc, deps.Logger)
	} else {
		deps.Logger.Warn().Msg("operator auth disabled: no JWT secret configured")
	}

	v1 := r.Group("/api/v1")

	// --- Gateway (signature-authenticated in the service) ---
	webhookHandler := NewWebhookHandler(deps.WebhookSvc)
	v1.POST("/webhooks/gateway", webhookLimit, webhookHandler.Receive)

	// --- Operator routes ---
	ops := v1.Group("", operator)

	summaryHandler := NewSummaryHandler(deps.SummarySvc)
	ops.GET("/summary", summaryHandler.Get)

	ledgerHandler := NewLedgerHandler(deps.LedgerSvc)
	ledger := ops.Group("/ledger")
	{
		ledger.GET("/balances/:account", ledgerHandler.GetBalance)
		ledger.GET("/transactions", ledgerHandler.ListTransactions)
		ledger.GET("/transactions/:id", ledgerHandler.GetTransaction)
		ledger.POST("/deposits", ledgerHandler.RecordDeposit)
		ledger.POST("/withdrawals", ledgerHandler.RecordWithdrawal)
		ledger.POST("/trades", ledgerHandler.RecordTrade)
		ledger.POST("/adjustments", ledgerHandler.RecordAdjustment)
	}

	webhooks := ops.Group("/webhooks")
	{
		webhooks.GET("/events/:id", webhookHandler.GetEvent)
		webhooks.GET("/dlq", webhookHandler.ListDeadLetters)
		webhooks.POST("/dlq/:id/reprocess", webhookHandler.Reprocess)
	}

	reconHandler := NewReconciliationHandler(deps.ReconSvc)
	recon := ops.Group("/reconciliations")
	{
		recon.POST("", reconHandler.Run)
		recon.GET("/latest", reconHandler.Latest)
		recon.GET("/discrepancies/unresolved", reconHandler.Unresolved)
		recon.GET("/:id", reconHandler.Get)
		recon.POST("/:id/discrepancies/:discrepancy_id/resolve", reconHandler.Resolve)
	}

	return r
}
