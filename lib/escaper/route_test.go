package escaper

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingLeaf struct {
	name string
	hits int
}

func (r *recordingLeaf) Name() string               { return r.name }
func (r *recordingLeaf) Capabilities() []Capability { return nil }
func (r *recordingLeaf) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	r.hits++
	return &Connection{EscaperNode: r.name}, nil
}

func graphWithLeaves(t *testing.T, names ...string) (*Graph, map[string]*recordingLeaf) {
	t.Helper()
	nodes := map[string]Node{}
	leaves := map[string]*recordingLeaf{}
	for _, n := range names {
		leaf := &recordingLeaf{name: n}
		nodes[n] = leaf
		leaves[n] = leaf
	}
	g, err := NewGraph(nodes)
	require.NoError(t, err)
	return g, leaves
}

func TestUpstreamRouteExactBeatsWildcardAndSubnet(t *testing.T) {
	g, leaves := graphWithLeaves(t, "exact", "wild", "subnet", "def")
	r, err := NewUpstreamRoute(UpstreamRouteConfig{
		NodeName:    "route",
		Graph:       g,
		Exact:       map[string]string{"api.example.com": "exact"},
		Wildcards:   map[string]string{"example.com": "wild"},
		Subnets:     map[string]string{"10.0.0.0/8": "subnet"},
		DefaultNext: "def",
	})
	require.NoError(t, err)

	_, escErr := r.Dial(context.Background(), &Request{Host: "api.example.com"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["exact"].hits)

	_, escErr = r.Dial(context.Background(), &Request{Host: "other.example.com"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["wild"].hits)

	_, escErr = r.Dial(context.Background(), &Request{Host: "10.1.2.3"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["subnet"].hits)

	_, escErr = r.Dial(context.Background(), &Request{Host: "unrelated.net"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["def"].hits)
}

func TestClientRouteSubnetMatch(t *testing.T) {
	g, leaves := graphWithLeaves(t, "internal", "def")
	r, err := NewClientRoute(ClientRouteConfig{
		NodeName:    "route",
		Graph:       g,
		Subnets:     map[string]string{"192.168.0.0/16": "internal"},
		DefaultNext: "def",
	})
	require.NoError(t, err)

	_, escErr := r.Dial(context.Background(), &Request{ClientIP: net.ParseIP("192.168.1.5")})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["internal"].hits)

	_, escErr = r.Dial(context.Background(), &Request{ClientIP: net.ParseIP("8.8.8.8")})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["def"].hits)
}

func TestMappingRouteWrapsIndex(t *testing.T) {
	g, leaves := graphWithLeaves(t, "a", "b", "c")
	m, err := NewMappingRoute("route", g, []string{"a", "b", "c"})
	require.NoError(t, err)

	_, escErr := m.Dial(context.Background(), &Request{PathIndex: 1})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["a"].hits)

	_, escErr = m.Dial(context.Background(), &Request{PathIndex: 4}) // wraps back to "a"
	require.Nil(t, escErr)
	require.Equal(t, 2, leaves["a"].hits)
}

func TestSelectRouteIsStableForSameKey(t *testing.T) {
	g, _ := graphWithLeaves(t, "a", "b", "c")
	s, err := NewSelectRoute(SelectRouteConfig{
		NodeName:  "route",
		Graph:     g,
		Algorithm: SelectRendezvous,
		Children:  map[string]int{"a": 1, "b": 1, "c": 1},
	})
	require.NoError(t, err)

	req := &Request{ClientIP: net.ParseIP("1.2.3.4"), User: "alice", Host: "example.com"}
	first := s.pick(req)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, s.pick(req))
	}
}

func TestFailoverRoutePrimaryWinsWithinDelay(t *testing.T) {
	g, leaves := graphWithLeaves(t, "primary", "standby")
	fo, err := NewFailoverRoute(FailoverRouteConfig{
		NodeName:      "route",
		Graph:         g,
		Primary:       "primary",
		Standby:       "standby",
		FallbackDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, escErr := fo.Dial(context.Background(), &Request{})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["primary"].hits)
	require.Equal(t, 0, leaves["standby"].hits)
}

type slowLeaf struct {
	name  string
	delay time.Duration
	fail  bool
}

func (s *slowLeaf) Name() string               { return s.name }
func (s *slowLeaf) Capabilities() []Capability { return nil }
func (s *slowLeaf) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, &EscapeError{Kind: ConnectTimedOut, Node: s.name, Err: ctx.Err()}
	}
	if s.fail {
		return nil, &EscapeError{Kind: Unreachable, Node: s.name}
	}
	return &Connection{EscaperNode: s.name}, nil
}

func TestFailoverRouteStandbyWinsAfterDelay(t *testing.T) {
	nodes := map[string]Node{
		"primary": &slowLeaf{name: "primary", delay: 500 * time.Millisecond},
		"standby": &slowLeaf{name: "standby", delay: 0},
	}
	g, err := NewGraph(nodes)
	require.NoError(t, err)

	fo, err := NewFailoverRoute(FailoverRouteConfig{
		NodeName:      "route",
		Graph:         g,
		Primary:       "primary",
		Standby:       "standby",
		FallbackDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	conn, escErr := fo.Dial(context.Background(), &Request{})
	require.Nil(t, escErr)
	require.Equal(t, "standby", conn.EscaperNode)
}

func TestTrickFloatOnlyPicksConfiguredChildren(t *testing.T) {
	g, leaves := graphWithLeaves(t, "a", "b")
	tf, err := NewTrickFloat("route", g, map[string]int{"a": 1, "b": 1})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, escErr := tf.Dial(context.Background(), &Request{})
		require.Nil(t, escErr)
	}
	require.Equal(t, 20, leaves["a"].hits+leaves["b"].hits)
}
