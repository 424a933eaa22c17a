package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"trading-ledger/pkg/apperror"
)

// HMACSignatureService implements ports.SignatureVerifier for gateway
// webhooks. Headers look like "t=<unix seconds>,v1=<hex hmac-sha256>" and the
// MAC covers "<t>.<raw body>".
type HMACSignatureService struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACSignatureService creates a verifier that accepts timestamps within
// tolerance of the local clock.
func NewHMACSignatureService(secret string, tolerance time.Duration) *HMACSignatureService {
	return &HMACSignatureService{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Sign returns a complete header value for body signed at timestamp.
func (s *HMACSignatureService) Sign(timestamp int64, body []byte) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + s.mac(timestamp, body)
}

// Verify checks header against body. A bad or malformed signature is
// SEC_001; a valid signature outside the tolerance is SEC_002.
func (s *HMACSignatureService) Verify(header string, body []byte) error {
	timestamp, signatures, ok := parseSignatureHeader(header)
	if !ok {
		return apperror.ErrInvalidSignature()
	}

	expected := []byte(s.mac(timestamp, body))
	matched := false
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(strings.ToLower(sig))) {
			matched = true
			break
		}
	}
	if !matched {
		return apperror.ErrInvalidSignature()
	}

	age := s.now().Sub(time.Unix(timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > s.tolerance {
		return apperror.ErrSignatureExpired()
	}
	return nil
}

func (s *HMACSignatureService) mac(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignatureHeader splits "t=..,v1=..". Several v1 values are allowed
// during secret rotation; unknown keys are ignored.
func parseSignatureHeader(header string) (int64, []string, bool) {
	var (
		timestamp int64
		haveTS    bool
		sigs      []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, false
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			timestamp, haveTS = ts, true
		case "v1":
			if value != "" {
				sigs = append(sigs, value)
			}
		}
	}
	return timestamp, sigs, haveTS && len(sigs) > 0
}
