package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(attempt int) error {
		calls++
		require.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	calls := 0
	last := errors.New("still down")
	err := Do(context.Background(), fastConfig(), func(int) error {
		calls++
		return last
	})
	require.ErrorIs(t, err, last)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	denied := errors.New("denied")
	err := Do(context.Background(), fastConfig(), func(int) error {
		calls++
		return Permanent(denied)
	})
	require.Equal(t, denied, err)
	require.False(t, IsPermanent(err))
	require.Equal(t, 1, calls)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	calls := 0
	err := Do(ctx, cfg, func(int) error {
		calls++
		cancel()
		return errors.New("temporary")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	value, err := DoWithResult(context.Background(), fastConfig(), func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("temporary")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", value)
}
