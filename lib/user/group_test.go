package user

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	users []*User
	err   error
}

func (s *staticSource) Fetch(ctx context.Context) ([]*User, error) {
	return s.users, s.err
}

func TestGroupInFlightTaskKeepsOriginalSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g, err := NewGroup(GroupConfig{Name: "default", Clock: clock}, []*User{
		{Name: "alice", Credential: Credential{Hash: "h1"}},
	})
	require.NoError(t, err)

	snap1 := g.Snapshot()
	u, ok := Lookup(snap1, "alice", "h1")
	require.True(t, ok)
	require.Equal(t, "alice", u.Name)

	// Publish a new snapshot that drops alice.
	g.Publish([]*User{{Name: "bob", Credential: Credential{Hash: "h2"}}})

	// The task's previously-captured snapshot still resolves alice.
	_, ok = Lookup(snap1, "alice", "h1")
	require.True(t, ok, "in-flight tasks must keep their original snapshot")

	// New lookups against the live snapshot see bob, not alice.
	snap2 := g.Snapshot()
	_, ok = Lookup(snap2, "alice", "h1")
	require.False(t, ok)
	_, ok = Lookup(snap2, "bob", "h2")
	require.True(t, ok)
}

func TestGroupRefreshFailureRetainsPreviousUsers(t *testing.T) {
	src := &staticSource{users: []*User{{Name: "carol", Credential: Credential{Hash: "h3"}}}}
	g, err := NewGroup(GroupConfig{Name: "default", Source: src}, nil)
	require.NoError(t, err)

	require.NoError(t, g.Refresh(context.Background()))
	_, ok := Lookup(g.Snapshot(), "carol", "h3")
	require.True(t, ok)

	src.users = nil
	src.err = context.DeadlineExceeded
	require.Error(t, g.Refresh(context.Background()))

	_, ok = Lookup(g.Snapshot(), "carol", "h3")
	require.True(t, ok, "a failed refresh must retain the previous snapshot")
}

func TestEnforceShortCircuitsOnHostACL(t *testing.T) {
	u := &User{Name: "dave", HostACL: NewACL(Permit)}
	u.HostACL.AddExact("blocked.example.com", Forbid)
	u.Prepare()

	res := Enforce(u, time.Now(), "blocked.example.com", 443, "http_forward", "curl/8", nil)
	require.Equal(t, Forbid, res.Action)
	require.Equal(t, "acl_host", res.Reason)
}

func TestEnforceAliveRequestsCap(t *testing.T) {
	u := &User{Name: "erin", Quotas: Quotas{MaxAliveRequests: 1}}
	u.Prepare()

	res := Enforce(u, time.Now(), "example.com", 443, "http_forward", "", nil)
	require.Equal(t, Permit, res.Action)

	res = Enforce(u, time.Now(), "example.com", 443, "http_forward", "", nil)
	require.Equal(t, Forbid, res.Action)
	require.Equal(t, "alive_requests", res.Reason)
}

func TestEnforceExpiredUser(t *testing.T) {
	u := &User{Name: "frank", ExpireAt: time.Now().Add(-time.Minute)}
	u.Prepare()
	res := Enforce(u, time.Now(), "example.com", 443, "http_forward", "", nil)
	require.Equal(t, Forbid, res.Action)
	require.Equal(t, "expired", res.Reason)
}
