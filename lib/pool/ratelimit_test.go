package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestTieredLimiterAppliesTightestLevel(t *testing.T) {
	t.Parallel()

	tl := &TieredLimiter{
		Socket: rate.NewLimiter(rate.Inf, 0),
		User:   rate.NewLimiter(rate.Limit(10), 10),
		Site:   rate.NewLimiter(rate.Inf, 0),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, tl.WaitN(ctx, 10)) // drains the burst immediately
	require.NoError(t, tl.WaitN(ctx, 10)) // must wait ~1s for the user limiter to refill
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestTieredLimiterNilLevelsAreUnlimited(t *testing.T) {
	t.Parallel()

	tl := &TieredLimiter{}
	require.NoError(t, tl.WaitN(context.Background(), 1<<20))
}

func TestTieredLimiterHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	tl := &TieredLimiter{User: rate.NewLimiter(rate.Limit(1), 1)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, tl.WaitN(ctx, 1)) // consumes the single burst token
	err := tl.WaitN(ctx, 1)              // second call must exceed the context deadline
	require.Error(t, err)
}

func TestNewLimiterZeroOrNegativeIsUnbounded(t *testing.T) {
	t.Parallel()

	l := NewLimiter(0)
	require.Equal(t, rate.Inf, l.Limit())

	l = NewLimiter(-5)
	require.Equal(t, rate.Inf, l.Limit())
}

func TestNewLimiterBurstMatchesRate(t *testing.T) {
	t.Parallel()

	l := NewLimiter(4096)
	require.Equal(t, rate.Limit(4096), l.Limit())
	require.Equal(t, 4096, l.Burst())
}
