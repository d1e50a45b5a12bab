package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type countingDriver struct {
	calls int32
	delay time.Duration
	set   *ResolvedSet
	err   *ResolveError
}

func (d *countingDriver) Query(ctx context.Context, name string, family Family) (*ResolvedSet, *ResolveError) {
	atomic.AddInt32(&d.calls, 1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.set, d.err
}

func TestCachingResolverCoalescesConcurrentQueries(t *testing.T) {
	driver := &countingDriver{
		delay: 20 * time.Millisecond,
		set:   &ResolvedSet{IPs: []net.IP{net.ParseIP("127.0.0.1")}, TTL: time.Minute},
	}
	r, err := NewCachingResolver(CacheConfig{Driver: driver, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	const n = 20
	done := make(chan *ResolvedSet, n)
	for i := 0; i < n; i++ {
		go func() {
			set, resErr := r.Resolve(context.Background(), "example.com", FamilyIPv4, 0)
			require.Nil(t, resErr)
			done <- set
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	require.LessOrEqual(t, atomic.LoadInt32(&driver.calls), int32(2), "concurrent lookups for the same key must coalesce into at most one in-flight driver call")
}

func TestCachingResolverHonorsTTLBounds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	driver := &countingDriver{set: &ResolvedSet{IPs: []net.IP{net.ParseIP("10.0.0.1")}, TTL: time.Second}}
	r, err := NewCachingResolver(CacheConfig{
		Driver:         driver,
		Clock:          clock,
		PositiveMinTTL: 5 * time.Second,
	})
	require.NoError(t, err)

	_, resErr := r.Resolve(context.Background(), "example.com", FamilyIPv4, 0)
	require.Nil(t, resErr)
	require.EqualValues(t, 1, driver.calls)

	clock.Advance(2 * time.Second) // still within the raised PositiveMinTTL floor
	_, resErr = r.Resolve(context.Background(), "example.com", FamilyIPv4, 0)
	require.Nil(t, resErr)
	require.EqualValues(t, 1, driver.calls, "cached entry must still be valid under the TTL floor")

	clock.Advance(10 * time.Second)
	_, resErr = r.Resolve(context.Background(), "example.com", FamilyIPv4, 0)
	require.Nil(t, resErr)
	require.EqualValues(t, 2, driver.calls, "expired entry must trigger a fresh driver query")
}

func TestFailOverPrimarySuccessBeforeTimeout(t *testing.T) {
	primary := &countingDriver{set: &ResolvedSet{IPs: []net.IP{net.ParseIP("1.1.1.1")}}}
	standby := &countingDriver{set: &ResolvedSet{IPs: []net.IP{net.ParseIP("2.2.2.2")}}}
	fo := NewFailOverDriver(FailOverConfig{Primary: primary, Standby: standby, Timeout: 50 * time.Millisecond})

	set, resErr := fo.Query(context.Background(), "example.com", FamilyIPv4)
	require.Nil(t, resErr)
	require.Equal(t, "1.1.1.1", set.IPs[0].String())
	require.EqualValues(t, 0, standby.calls, "standby must not be started when primary answers before the timeout")
}

func TestFailOverStandbyWinsAfterTimeout(t *testing.T) {
	primary := &countingDriver{delay: 200 * time.Millisecond, set: &ResolvedSet{IPs: []net.IP{net.ParseIP("1.1.1.1")}}}
	standby := &countingDriver{set: &ResolvedSet{IPs: []net.IP{net.ParseIP("2.2.2.2")}}}
	fo := NewFailOverDriver(FailOverConfig{Primary: primary, Standby: standby, Timeout: 20 * time.Millisecond})

	set, resErr := fo.Query(context.Background(), "example.com", FamilyIPv4)
	require.Nil(t, resErr)
	require.Equal(t, "2.2.2.2", set.IPs[0].String())
}

func TestFailOverReturnsLatestErrorWhenBothFail(t *testing.T) {
	primary := &countingDriver{err: &ResolveError{Kind: ServFail, Name: "example.com"}}
	standby := &countingDriver{err: &ResolveError{Kind: NotFound, Name: "example.com"}}
	fo := NewFailOverDriver(FailOverConfig{Primary: primary, Standby: standby, Timeout: 5 * time.Millisecond})

	_, resErr := fo.Query(context.Background(), "example.com", FamilyIPv4)
	require.NotNil(t, resErr)
}

func TestRedirectionApply(t *testing.T) {
	r := Redirection{
		Exact: map[string]string{"old.example.com": "new.example.com"},
		Child: map[string]string{"internal.example.com": "internal.corp.example.com"},
	}
	require.Equal(t, "new.example.com", r.Apply("old.example.com"))
	require.Equal(t, "api.internal.corp.example.com", r.Apply("api.internal.example.com"))
	require.Equal(t, "unrelated.com", r.Apply("unrelated.com"))
}
