package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByType(t *testing.T) {
	err := New(ErrorTypeRateLimit, "too many requests for alice")
	wrapped := fmt.Errorf("acquire: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrRateLimited))
	assert.False(t, stderrors.Is(wrapped, ErrAuthenticationFailed))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := Wrap(ErrorTypeProxyConnect, "probe through proxy failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrProxyConnect)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(ErrorTypeRateLimit, ""), http.StatusTooManyRequests},
		{New(ErrorTypeUpstreamThrottled, ""), http.StatusTooManyRequests},
		{New(ErrorTypeNoWorkingProxy, ""), http.StatusServiceUnavailable},
		{New(ErrorTypeNoAvailableProxy, ""), http.StatusServiceUnavailable},
		{New(ErrorTypeProxyConnect, ""), http.StatusServiceUnavailable},
		{New(ErrorTypeAuthRequired, ""), http.StatusUnauthorized},
		{New(ErrorTypeAuthFailed, ""), http.StatusUnauthorized},
		{New(ErrorTypeChallenge, ""), http.StatusBadRequest},
		{New(ErrorTypeInvalidInput, ""), http.StatusBadRequest},
		{stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "type %s", TypeOf(tt.err))
	}
}

func TestSafeMessageHidesCause(t *testing.T) {
	err := Wrap(ErrorTypeStorage, "write record", stderrors.New("disk full at /var/lib/secret"))
	msg := SafeMessage(err)

	assert.Equal(t, "Internal server error", msg)
	assert.NotContains(t, msg, "/var/lib")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrorTypeProxyConnect))
	assert.True(t, IsRetryable(ErrorTypeStorage))
	assert.False(t, IsRetryable(ErrorTypeAuthFailed))
	assert.False(t, IsRetryable(ErrorTypeUnknown))
}
