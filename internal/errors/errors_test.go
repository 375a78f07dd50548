package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestErrorKindMapping(t *testing.T) {
	cases := []struct {
		kind     Kind
		sentinel error
	}{
		{KindAuth, ErrAuthenticationFailed},
		{KindRateLimit, ErrRateLimited},
		{KindServer, ErrServer},
		{KindTransport, ErrTransport},
		{KindToken, ErrTokenUnavailable},
	}
	for _, tc := range cases {
		err := NewRequestError(tc.kind, "op", "scope", fmt.Errorf("boom"))
		assert.ErrorIs(t, err, tc.sentinel, "kind %s", tc.kind)
		assert.NotErrorIs(t, err, ErrFrame)
	}

	// KindTransport also matches the timeout sentinel.
	err := NewRequestError(KindTransport, "op", "scope", fmt.Errorf("boom"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestErrorUnwrapAndFields(t *testing.T) {
	cause := fmt.Errorf("underlying: %w", io.ErrUnexpectedEOF)
	err := NewRequestError(KindServer, "nova.request", "android_device_manager", cause).
		WithStatusCode(503).
		WithAttempts(4)

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.Contains(t, err.Error(), "4 attempt(s)")
	assert.False(t, err.Timestamp.IsZero())
}

func TestFrameError(t *testing.T) {
	err := NewFrameError("mcs", "short read", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "mcs frame")

	var fe *FrameError
	require.True(t, As(err, &fe))
	assert.Equal(t, "short read", fe.Reason)
}

func TestSpotErrorAuthClassification(t *testing.T) {
	authLike := []*SpotError{
		{Method: "m", GRPCStatus: 16},
		{Method: "m", GRPCStatus: 7},
		{Method: "m", GRPCStatus: -1, HTTPStatus: 401},
		{Method: "m", GRPCStatus: -1, HTTPStatus: 403},
	}
	for _, err := range authLike {
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "%v", err)
		assert.NotErrorIs(t, err, ErrServer)
	}

	serverLike := &SpotError{Method: "m", GRPCStatus: -1, HTTPStatus: 502, Message: "bad gateway"}
	assert.ErrorIs(t, serverLike, ErrServer)
	assert.NotErrorIs(t, serverLike, ErrAuthenticationFailed)
	assert.Contains(t, serverLike.Error(), "HTTP 502")
}

func TestRetryClassifiers(t *testing.T) {
	assert.True(t, IsRetryable(NewRequestError(KindServer, "op", "", fmt.Errorf("x"))))
	assert.True(t, IsRetryable(NewRequestError(KindRateLimit, "op", "", fmt.Errorf("x"))))
	assert.False(t, IsRetryable(NewRequestError(KindAuth, "op", "", fmt.Errorf("x"))))

	assert.True(t, IsAuthError(NewRequestError(KindAuth, "op", "", fmt.Errorf("x"))))
	assert.True(t, IsAuthError(NewRequestError(KindToken, "op", "", fmt.Errorf("x"))))
	assert.False(t, IsAuthError(NewRequestError(KindServer, "op", "", fmt.Errorf("x"))))
}
