package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     4 * time.Millisecond,
		MaxAttempts:  3,
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name          string
		failures      []error
		expectedCalls int
		expectedKind  interfaces.Kind
	}{
		{
			name:          "succeeds first time",
			expectedCalls: 1,
		},
		{
			name:          "transient then success",
			failures:      []error{interfaces.ErrTransient, interfaces.ErrTransient},
			expectedCalls: 3,
		},
		{
			name:          "transient exhausts attempts",
			failures:      []error{interfaces.ErrTransient, interfaces.ErrTransient, interfaces.ErrTransient, interfaces.ErrTransient},
			expectedCalls: 3,
			expectedKind:  interfaces.KindTransient,
		},
		{
			name:          "validation is not retried",
			failures:      []error{interfaces.ErrInvalidArgument},
			expectedCalls: 1,
			expectedKind:  interfaces.KindInvalidArgument,
		},
		{
			name:          "conflict is retried",
			failures:      []error{interfaces.ErrConflict},
			expectedCalls: 2,
		},
		{
			name:          "unclassified errors are fatal",
			failures:      []error{errors.New("corrupt")},
			expectedCalls: 1,
			expectedKind:  interfaces.KindFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastPolicy(), DiscardLogger(), "test", func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			assert.Equal(t, tt.expectedCalls, calls)
			if tt.expectedKind == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.expectedKind, interfaces.KindOf(err))
			}
		})
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastPolicy(), nil, "test", func(context.Context) error {
		calls++
		return interfaces.ErrTransient
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
