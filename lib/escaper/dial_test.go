package escaper

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

func acceptOnce(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()
}

func TestDialHappyEyeballsConnectsToReachableIPv4(t *testing.T) {
	ln, port := listenLoopback(t)
	acceptOnce(t, ln)

	conn, ip, err := DialHappyEyeballs(context.Background(), HappyEyeballsConfig{
		ResolutionDelay: 10 * time.Millisecond,
		AttemptTimeout:  time.Second,
	}, []net.IP{net.ParseIP("127.0.0.1")}, nil, port)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, "127.0.0.1", ip.String())
	conn.Close()
}

func TestDialHappyEyeballsFallsBackToSecondaryFamily(t *testing.T) {
	ln, port := listenLoopback(t)
	acceptOnce(t, ln)

	// unreachable "v4" address (TEST-NET-1, reserved, will just hang until
	// AttemptTimeout) forces the race to fall through to the v6 slot,
	// which we point at the real loopback listener via an IPv4-mapped
	// address standing in for "the other family reachable".
	conn, _, err := DialHappyEyeballs(context.Background(), HappyEyeballsConfig{
		ResolutionDelay: 20 * time.Millisecond,
		AttemptTimeout:  2 * time.Second,
	}, nil, []net.IP{net.ParseIP("127.0.0.1")}, port)
	require.NoError(t, err)
	require.NotNil(t, conn)
	conn.Close()
}

func TestDialHappyEyeballsReturnsErrorWhenNoAddresses(t *testing.T) {
	_, _, err := DialHappyEyeballs(context.Background(), HappyEyeballsConfig{}, nil, nil, 80)
	require.Error(t, err)
}

func TestDialHappyEyeballsReturnsErrorWhenUnreachable(t *testing.T) {
	conn, _, err := DialHappyEyeballs(context.Background(), HappyEyeballsConfig{
		ResolutionDelay: 5 * time.Millisecond,
		AttemptTimeout:  100 * time.Millisecond,
	}, []net.IP{net.ParseIP("127.0.0.1")}, nil, 1) // port 1 is reserved and should refuse immediately
	require.Error(t, err)
	require.Nil(t, conn)
}
