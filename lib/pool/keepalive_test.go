package pool

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func dialerPair(t *testing.T) (func(ctx context.Context) (net.Conn, error), *int32) {
	t.Helper()
	var count int32
	dial := func(ctx context.Context) (net.Conn, error) {
		atomic.AddInt32(&count, 1)
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}
	return dial, &count
}

func TestPoolLeaseReusesReturnedChannel(t *testing.T) {
	t.Parallel()

	dial, calls := dialerPair(t)
	p, err := NewPool(KeepAliveConfig{Dial: dial, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	ch, err := p.Lease(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(calls))

	p.Return(ch)
	require.Equal(t, 1, p.IdleCount())

	ch2, err := p.Lease(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(calls), "a returned channel must be reused instead of dialing again")
	require.Equal(t, 0, p.IdleCount())
	p.Discard(ch2)
}

func TestPoolReturnDropsBeyondMaxIdle(t *testing.T) {
	t.Parallel()

	dial, _ := dialerPair(t)
	p, err := NewPool(KeepAliveConfig{Dial: dial, MaxIdle: 1, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	a, err := p.Lease(context.Background())
	require.NoError(t, err)
	b, err := p.Lease(context.Background())
	require.NoError(t, err)

	p.Return(a)
	require.Equal(t, 1, p.IdleCount())
	p.Return(b)
	require.Equal(t, 1, p.IdleCount(), "pool must not grow its idle set past MaxIdle")
}

func TestPoolSweepRetiresExpiredAndOverusedChannels(t *testing.T) {
	t.Parallel()

	dial, _ := dialerPair(t)
	clock := clockwork.NewFakeClock()
	p, err := NewPool(KeepAliveConfig{
		Dial:                  dial,
		Clock:                 clock,
		ConnectionAliveTime:   time.Minute,
		ConnectionMaxRequests: 2,
	})
	require.NoError(t, err)

	fresh, err := p.Lease(context.Background())
	require.NoError(t, err)
	p.Return(fresh)

	stale, err := p.Lease(context.Background())
	require.NoError(t, err)
	p.Return(stale)
	require.Equal(t, 2, p.IdleCount())

	clock.Advance(2 * time.Minute)
	retired := p.sweepOnce()
	require.Equal(t, 2, retired)
	require.Equal(t, 0, p.IdleCount())
}

func TestPoolRefillToMinIdle(t *testing.T) {
	t.Parallel()

	dial, calls := dialerPair(t)
	p, err := NewPool(KeepAliveConfig{Dial: dial, MinIdle: 3, MaxIdle: 5, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	p.refillToMinIdle(context.Background())
	require.Equal(t, 3, p.IdleCount())
	require.EqualValues(t, 3, atomic.LoadInt32(calls))
}

func TestNewPoolRejectsMinIdleAboveMaxIdle(t *testing.T) {
	t.Parallel()

	dial, _ := dialerPair(t)
	_, err := NewPool(KeepAliveConfig{Dial: dial, MinIdle: 5, MaxIdle: 1})
	require.Error(t, err)
}
