package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      3,
		Multiplier:      2.0,
	}
}

func TestWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithBackoffHTTPRetriesOn5xx(t *testing.T) {
	calls := 0
	err := WithBackoffHTTP(context.Background(), fastConfig(), func() (int, error) {
		calls++
		if calls < 2 {
			return 503, nil
		}
		return 200, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithBackoffHTTPDoesNotRetryOn4xx(t *testing.T) {
	calls := 0
	err := WithBackoffHTTP(context.Background(), fastConfig(), func() (int, error) {
		calls++
		return 404, nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
	assert.False(t, IsRetryableError(&net.DNSError{IsNotFound: true}))
	assert.True(t, IsRetryableError(&net.DNSError{IsTimeout: true}))
}
