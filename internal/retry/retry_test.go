package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fast, nil, "quote", func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	calls := 0
	v, err := Do(context.Background(), fast, logger, "quote", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &broker.APIError{Status: 503, Body: "unavailable"}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Len(t, hook.AllEntries(), 2)
}

func TestDo_FailFastOnPermanent(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, nil, "quote", func(context.Context) (int, error) {
		calls++
		return 0, &broker.APIError{Status: 400, Body: "bad symbol"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var apiErr *broker.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, nil, "quote", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection reset by peer")
	})
	require.Error(t, err)
	assert.Equal(t, fast.MaxRetries+1, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, fast, nil, "quote", func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &broker.APIError{Status: 429}, true},
		{"502", fmt.Errorf("wrapped: %w", &broker.APIError{Status: 502}), true},
		{"404", &broker.APIError{Status: 404}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"timeout text", errors.New("i/o timeout"), true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"validation", errors.New("quantity must be positive"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestNextBackoff_Capped(t *testing.T) {
	for i := 0; i < 20; i++ {
		b := nextBackoff(time.Second, 2*time.Second)
		assert.GreaterOrEqual(t, b, 1500*time.Millisecond)
		assert.LessOrEqual(t, b, 2*time.Second+500*time.Millisecond)
	}
}
