package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trading-ledger/internal/adapter/http/middleware"
	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/internal/core/ports/mocks"
	"trading-ledger/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
)

type routerMocks struct {
	ledger  *mocks.MockLedgerService
	webhook *mocks.MockWebhookService
	recon   *mocks.MockReconciliationService
	summary *mocks.MockSummaryService
	token   *mocks.MockTokenService
}

func newTestRouter(t *testing.T, withAuth bool, limit int64) (http.Handler, routerMocks) {
	ctrl := gomock.NewController(t)
	m := routerMocks{
		ledger:  mocks.NewMockLedgerService(ctrl),
		webhook: mocks.NewMockWebhookService(ctrl),
		recon:   mocks.NewMockReconciliationService(ctrl),
		summary: mocks.NewMockSummaryService(ctrl),
		token:   mocks.NewMockTokenService(ctrl),
	}
	deps := RouterDeps{
		LedgerSvc:      m.ledger,
		WebhookSvc:     m.webhook,
		ReconSvc:       m.recon,
		SummarySvc:     m.summary,
		RateLimitStore: middleware.NewLocalRateLimitStore(),
		WebhookLimit:   middleware.RateLimitRule{Limit: limit, Window: time.Minute},
		Metrics:        metrics.New(prometheus.NewRegistry()),
		MaxBodyBytes:   1 << 20,
		Logger:         zerolog.Nop(),
	}
	if withAuth {
		deps.TokenSvc = m.token
	}
	return SetupRouter(deps), m
}

func serve(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_OperatorRoutesRequireToken(t *testing.T) {
	router, m := newTestRouter(t, true, 100)

	w := serve(router, http.MethodGet, "/api/v1/summary", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	m.token.EXPECT().Validate("tok").Return(&ports.TokenClaims{Subject: "ops"}, nil)
	m.summary.EXPECT().GetSummary(gomock.Any()).Return(&domain.Summary{}, nil)
	w = serve(router, http.MethodGet, "/api/v1/summary", "", map[string]string{"Authorization": "Bearer tok"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
}

func TestRouter_WebhookSkipsOperatorAuth(t *testing.T) {
	router, m := newTestRouter(t, true, 100)

	m.webhook.EXPECT().ReceiveEvent(gomock.Any(), gomock.Any(), "sig").
		Return(&domain.IngestResult{Status: domain.IngestDuplicate}, nil)
	w := serve(router, http.MethodPost, "/api/v1/webhooks/gateway", `{}`, map[string]string{HeaderGatewaySignature: "sig"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_WebhookRateLimited(t *testing.T) {
	router, m := newTestRouter(t, false, 2)

	m.webhook.EXPECT().ReceiveEvent(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.IngestResult{Status: domain.IngestDuplicate}, nil).Times(2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/api/v1/webhooks/gateway", `{}`, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/api/v1/webhooks/gateway", `{}`, nil).Code)
}

func TestRouter_ReconciliationRoutesResolve(t *testing.T) {
	router, m := newTestRouter(t, false, 100)

	m.recon.EXPECT().GetLatestReport(gomock.Any()).Return(&domain.ReconciliationReport{Status: domain.ReportStatusCompleted}, nil)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/reconciliations/latest", "", nil).Code)

	m.recon.EXPECT().GetUnresolvedDiscrepancies(gomock.Any()).Return(nil, nil)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/reconciliations/discrepancies/unresolved", "", nil).Code)

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/api/v1/reconciliations/not-a-uuid", "", nil).Code)
}

func TestRouter_MetricsAndHealth(t *testing.T) {
	router, _ := newTestRouter(t, false, 100)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health", "", nil).Code)

	w := serve(router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
