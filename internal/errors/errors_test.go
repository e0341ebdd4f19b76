package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)

	tests := []struct {
		name      string
		status    int
		retryable bool
		fatal     bool
	}{
		{name: "created", status: 201},
		{name: "rate limited", status: 429, retryable: true},
		{name: "request timeout", status: 408, retryable: true},
		{name: "bad gateway", status: 502, retryable: true},
		{name: "unavailable", status: 503, retryable: true},
		{name: "unauthorized", status: 401, fatal: true},
		{name: "forbidden", status: 403, fatal: true},
		{name: "repo not found", status: 404, fatal: true},
		{name: "validation", status: 422, fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus(tt.status, reset, nil)
			if !tt.retryable && !tt.fatal {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestRetryableTransferError_RateLimited(t *testing.T) {
	reset := time.Now().Add(time.Minute)
	err := ClassifyStatus(429, reset, errors.New("slow down"))

	var rt *RetryableTransferError
	require.True(t, errors.As(err, &rt))
	assert.True(t, rt.RateLimited())
	assert.Equal(t, reset, rt.ResetAt)
	assert.Contains(t, err.Error(), "slow down")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("attempt: %w", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(&IntegrityError{ChunkID: "c1", Expected: "a", Actual: "b"}))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(&FatalTransferError{StatusCode: 401, Err: errors.New("bad token")}))
}

func TestIsFatal(t *testing.T) {
	storeErr := &StoreError{Op: "save", SessionID: "s1", Err: errors.New("disk full")}
	assert.True(t, IsFatal(fmt.Errorf("persist: %w", storeErr)))
	assert.Contains(t, storeErr.Error(), "s1")
	assert.False(t, IsFatal(&RetryableTransferError{StatusCode: 500, Err: errors.New("boom")}))
}

func TestEmptySourceError(t *testing.T) {
	err := &EmptySourceError{Source: "/src", Unreadable: 2}
	assert.True(t, errors.Is(err, ErrEmptySource))
	assert.Contains(t, err.Error(), "all 2 files unreadable")

	empty := &EmptySourceError{Source: "/src"}
	assert.Contains(t, empty.Error(), "no files to upload")
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("parallel_uploads", 0, "must be at least 1")
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), "parallel_uploads = 0")
}
