package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// HasCode reports whether err (or anything it wraps) is an AppError with code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

const (
	CodeValidation          = "VAL_001"
	CodeInvalidAmount       = "VAL_002"
	CodeUnsupportedCurrency = "VAL_003"
	CodeInvalidSignature    = "SEC_001"
	CodeSignatureExpired    = "SEC_002"
	CodeInvalidToken        = "SEC_003"
	CodeInsufficientFunds   = "LED_001"
	CodeNotFound            = "LED_002"
	CodeInvalidState        = "LED_003"
	CodeHandler             = "WHK_001"
	CodeReconciliation      = "REC_001"
	CodeRateLimitExceeded   = "RATE_001"
	CodePersistence         = "SYS_001"
	CodeLockUnavailable     = "SYS_002"
)

// ---- Validation (VAL) ----

// Validation rejects malformed input before anything is written.
func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func ErrInvalidAmount(message string) *AppError {
	return New(CodeInvalidAmount, message, http.StatusBadRequest)
}

func ErrUnsupportedCurrency(currency string) *AppError {
	return New(CodeUnsupportedCurrency, fmt.Sprintf("Unsupported currency %q", currency), http.StatusBadRequest)
}

// ---- Webhook security (SEC) ----

func ErrInvalidSignature() *AppError {
	return New(CodeInvalidSignature, "Invalid signature", http.StatusUnauthorized)
}

// ErrSignatureExpired is the replay rejection for stale signature timestamps.
func ErrSignatureExpired() *AppError {
	return New(CodeSignatureExpired, "Signature timestamp outside tolerance", http.StatusForbidden)
}

func ErrInvalidToken() *AppError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Ledger (LED) ----

func ErrInsufficientFunds() *AppError {
	return New(CodeInsufficientFunds, "Insufficient available balance", http.StatusPaymentRequired)
}

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidState(message string) *AppError {
	return New(CodeInvalidState, message, http.StatusConflict)
}

// ---- Webhook handlers (WHK) ----

// ErrHandler marks a business failure inside a webhook handler. It is recorded
// on the event and retried, never returned to the webhook sender.
func ErrHandler(eventType string, err error) *AppError {
	return Wrap(CodeHandler, fmt.Sprintf("Handler failed for %s", eventType), http.StatusInternalServerError, err)
}

// ---- Reconciliation (REC) ----

func ErrReconciliation(err error) *AppError {
	return Wrap(CodeReconciliation, "Reconciliation run failed", http.StatusBadGateway, err)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New(CodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

// ErrPersistence reports a failed storage write. The surrounding transaction
// has been rolled back.
func ErrPersistence(err error) *AppError {
	return Wrap(CodePersistence, "Internal storage error", http.StatusInternalServerError, err)
}

func ErrLockUnavailable(err error) *AppError {
	return Wrap(CodeLockUnavailable, "Lock service unavailable", http.StatusServiceUnavailable, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap(CodePersistence, "Internal server error", http.StatusInternalServerError, err)
}
