package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			appErr:   ErrInsufficientFunds(),
			expected: "[LED_001] Insufficient available balance",
		},
		{
			name:     "with wrapped error",
			appErr:   ErrPersistence(fmt.Errorf("connection refused")),
			expected: "[SYS_001] Internal storage error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appErr.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := ErrReconciliation(inner)

	assert.True(t, errors.Is(appErr, inner))
	assert.Nil(t, Validation("x").Unwrap())
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("record deposit: %w", ErrUnsupportedCurrency("JPY"))

	assert.True(t, HasCode(wrapped, CodeUnsupportedCurrency))
	assert.False(t, HasCode(wrapped, CodeValidation))
	assert.False(t, HasCode(errors.New("plain"), CodeValidation))
	assert.False(t, HasCode(nil, CodeValidation))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"Validation", Validation("bad"), CodeValidation, http.StatusBadRequest},
		{"InvalidAmount", ErrInvalidAmount("amount must be positive"), CodeInvalidAmount, http.StatusBadRequest},
		{"UnsupportedCurrency", ErrUnsupportedCurrency("JPY"), CodeUnsupportedCurrency, http.StatusBadRequest},
		{"InvalidSignature", ErrInvalidSignature(), CodeInvalidSignature, http.StatusUnauthorized},
		{"SignatureExpired", ErrSignatureExpired(), CodeSignatureExpired, http.StatusForbidden},
		{"InvalidToken", ErrInvalidToken(), CodeInvalidToken, http.StatusUnauthorized},
		{"InsufficientFunds", ErrInsufficientFunds(), CodeInsufficientFunds, http.StatusPaymentRequired},
		{"NotFound", ErrNotFound("Transaction"), CodeNotFound, http.StatusNotFound},
		{"InvalidState", ErrInvalidState("event is not dead-lettered"), CodeInvalidState, http.StatusConflict},
		{"Handler", ErrHandler("deposit.completed", errors.New("boom")), CodeHandler, http.StatusInternalServerError},
		{"Reconciliation", ErrReconciliation(errors.New("timeout")), CodeReconciliation, http.StatusBadGateway},
		{"RateLimit", ErrRateLimitExceeded(), CodeRateLimitExceeded, http.StatusTooManyRequests},
		{"Persistence", ErrPersistence(errors.New("disk")), CodePersistence, http.StatusInternalServerError},
		{"LockUnavailable", ErrLockUnavailable(errors.New("redis down")), CodeLockUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestErrNotFound_Message(t *testing.T) {
	assert.Equal(t, "Webhook event not found", ErrNotFound("Webhook event").Message)
}
