package escaper

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func runQueryHelper(t *testing.T, child string) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var req queryRequest
		_ = msgpack.Unmarshal(buf[:n], &req)
		resp, _ := msgpack.Marshal(&queryResponse{Child: child})
		_, _ = conn.WriteToUDP(resp, addr)
	}()

	return conn.LocalAddr().String()
}

func TestQueryRouteUsesHelperResponse(t *testing.T) {
	g, leaves := graphWithLeaves(t, "chosen", "fallback")
	addr := runQueryHelper(t, "chosen")

	q, err := NewQueryRoute(QueryRouteConfig{
		NodeName:   "query",
		Graph:      g,
		HelperAddr: addr,
		Timeout:    time.Second,
		Fallback:   "fallback",
		Candidates: []string{"chosen"},
	})
	require.NoError(t, err)

	_, escErr := q.Dial(context.Background(), &Request{ClientIP: net.ParseIP("1.2.3.4"), Host: "example.com"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["chosen"].hits)
}

func TestQueryRouteFallsBackOnTimeout(t *testing.T) {
	g, leaves := graphWithLeaves(t, "chosen", "fallback")

	// Reserve a UDP address but never answer it, forcing the helper
	// round-trip to hit Timeout and fall back.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	conn.Close()

	q, err := NewQueryRoute(QueryRouteConfig{
		NodeName:   "query",
		Graph:      g,
		HelperAddr: addr,
		Timeout:    50 * time.Millisecond,
		Fallback:   "fallback",
	})
	require.NoError(t, err)

	_, escErr := q.Dial(context.Background(), &Request{ClientIP: net.ParseIP("1.2.3.4"), Host: "example.com"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["fallback"].hits)
}
