package pool

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestRelayCopiesBothDirectionsUntilEOF(t *testing.T) {
	t.Parallel()

	clientConn, clientPeer := net.Pipe()
	remoteConn, remotePeer := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Relay(context.Background(), CopyConfig{Clock: clockwork.NewFakeClock()}, clientConn, remoteConn)
	}()

	go func() {
		_, _ = clientPeer.Write([]byte("request"))
		clientPeer.Close()
	}()

	buf := make([]byte, 7)
	_, err := io.ReadFull(remotePeer, buf)
	require.NoError(t, err)
	require.Equal(t, "request", string(buf))

	_, _ = remotePeer.Write([]byte("reply"))
	remotePeer.Close()

	buf = make([]byte, 5)
	_, err = io.ReadFull(clientPeer, buf)
	require.NoError(t, err)
	require.Equal(t, "reply", string(buf))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not return after both sides closed cleanly")
	}
}

func TestRelayCountsBytesPerDirection(t *testing.T) {
	t.Parallel()

	clientConn, clientPeer := net.Pipe()
	remoteConn, remotePeer := net.Pipe()

	var clientToRemote, remoteToClient int
	cfg := CopyConfig{
		Clock:            clockwork.NewFakeClock(),
		OnClientToRemote: func(n int) { clientToRemote += n },
		OnRemoteToClient: func(n int) { remoteToClient += n },
	}

	done := make(chan error, 1)
	go func() { done <- Relay(context.Background(), cfg, clientConn, remoteConn) }()

	go func() {
		_, _ = clientPeer.Write([]byte("hello"))
		clientPeer.Close()
	}()
	_, _ = io.ReadAll(remotePeer)
	remotePeer.Close()

	<-done
	require.Equal(t, 5, clientToRemote)
	require.Equal(t, 0, remoteToClient)
}

func TestRelayTerminatesAfterConsecutiveIdleChecks(t *testing.T) {
	t.Parallel()

	clientConn, clientPeer := net.Pipe()
	remoteConn, remotePeer := net.Pipe()
	defer clientPeer.Close()
	defer remotePeer.Close()

	clock := clockwork.NewFakeClock()
	cfg := CopyConfig{
		Clock:             clock,
		IdleCheckDuration: time.Second,
		IdleMaxCount:      2,
	}

	done := make(chan error, 1)
	go func() { done <- Relay(context.Background(), cfg, clientConn, remoteConn) }()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case err := <-done:
		require.Error(t, err, "relay must give up after IdleMaxCount consecutive idle checks")
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not terminate on sustained idleness")
	}
}

func TestRelayPropagatesContextCancellation(t *testing.T) {
	t.Parallel()

	clientConn, clientPeer := net.Pipe()
	remoteConn, remotePeer := net.Pipe()
	defer clientPeer.Close()
	defer remotePeer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Relay(ctx, CopyConfig{Clock: clockwork.NewFakeClock()}, clientConn, remoteConn) }()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not return after context cancellation")
	}
}
