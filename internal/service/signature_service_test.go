package service

import (
	"testing"
	"time"

	"trading-ledger/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sigNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSigner() *HMACSignatureService {
	s := NewHMACSignatureService("whsec_test", 5*time.Minute)
	s.now = func() time.Time { return sigNow }
	return s
}

func TestHMACSignatureService_SignAndVerify(t *testing.T) {
	svc := newTestSigner()
	body := []byte(`{"id":"evt_1","type":"deposit.completed"}`)

	header := svc.Sign(sigNow.Unix(), body)

	assert.Regexp(t, `^t=\d+,v1=[0-9a-f]{64}$`, header)
	require.NoError(t, svc.Verify(header, body))
}

func TestHMACSignatureService_VerifyFailures(t *testing.T) {
	svc := newTestSigner()
	body := []byte(`{"id":"evt_1"}`)
	valid := svc.Sign(sigNow.Unix(), body)

	other := NewHMACSignatureService("other-secret", 5*time.Minute)

	tests := []struct {
		name   string
		header string
		body   []byte
		code   string
	}{
		{"tampered body", valid, []byte(`{"id":"evt_2"}`), apperror.CodeInvalidSignature},
		{"wrong secret", other.Sign(sigNow.Unix(), body), body, apperror.CodeInvalidSignature},
		{"empty header", "", body, apperror.CodeInvalidSignature},
		{"missing timestamp", "v1=abcdef", body, apperror.CodeInvalidSignature},
		{"missing signature", "t=1709294400", body, apperror.CodeInvalidSignature},
		{"garbage timestamp", "t=soon,v1=abcdef", body, apperror.CodeInvalidSignature},
		{"ten minutes old", svc.Sign(sigNow.Add(-10*time.Minute).Unix(), body), body, apperror.CodeSignatureExpired},
		{"ten minutes ahead", svc.Sign(sigNow.Add(10*time.Minute).Unix(), body), body, apperror.CodeSignatureExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Verify(tt.header, tt.body)
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestHMACSignatureService_ToleranceBoundary(t *testing.T) {
	svc := newTestSigner()
	body := []byte("{}")

	assert.NoError(t, svc.Verify(svc.Sign(sigNow.Add(-5*time.Minute).Unix(), body), body))
	assert.Error(t, svc.Verify(svc.Sign(sigNow.Add(-5*time.Minute-time.Second).Unix(), body), body))
}

func TestHMACSignatureService_AcceptsRotatedSignature(t *testing.T) {
	svc := newTestSigner()
	body := []byte("{}")
	good := svc.Sign(sigNow.Unix(), body)

	header := "t=" + good[2:12] + ",v1=deadbeef," + good[13:]
	assert.NoError(t, svc.Verify(header, body))
}
