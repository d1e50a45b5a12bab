package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytedance/g3proxy/lib/task"
)

// pipeWrite returns a (server, client) net.Pipe pair with data already
// queued on the client side. The client half is closed once the write
// completes, so a payload shorter than the detector's peek window still
// unblocks the peek (with a short read plus an error) instead of
// hanging forever waiting for more bytes that will never arrive.
func pipeWrite(t *testing.T, data []byte) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		client.Write(data)
		client.Close()
	}()
	return server, client
}

func TestDetectClassifiesTLSClientHelloAsTLSStream(t *testing.T) {
	ln := &Listener{cfg: ListenerConfig{}}
	server, client := pipeWrite(t, []byte{0x16, 0x03, 0x01, 0x00, 0x05, 'x', 'x', 'x', 'x', 'x'})
	defer client.Close()

	proto, _, err := ln.detect(server)
	require.NoError(t, err)
	require.Equal(t, task.TLSStream, proto)
}

func TestDetectClassifiesTLSClientHelloAsSNITargetWhenConfigured(t *testing.T) {
	ln := &Listener{cfg: ListenerConfig{SNIOnly: true}}
	server, client := pipeWrite(t, []byte{0x16, 0x03, 0x03, 0x00, 0x05, 'x', 'x', 'x', 'x', 'x'})
	defer client.Close()

	proto, _, err := ln.detect(server)
	require.NoError(t, err)
	require.Equal(t, task.SNITarget, proto)
}

func TestDetectClassifiesHTTPConnect(t *testing.T) {
	ln := &Listener{cfg: ListenerConfig{}}
	server, client := pipeWrite(t, []byte("CONNECT example.com:443 HTTP/1.1\r\n"))
	defer client.Close()

	proto, _, err := ln.detect(server)
	require.NoError(t, err)
	require.Equal(t, task.HTTPConnect, proto)
}

func TestDetectClassifiesHTTPForward(t *testing.T) {
	ln := &Listener{cfg: ListenerConfig{}}
	server, client := pipeWrite(t, []byte("GET http://example.com/ HTTP/1.1\r\n"))
	defer client.Close()

	proto, _, err := ln.detect(server)
	require.NoError(t, err)
	require.Equal(t, task.HTTPForward, proto)
}

func TestDetectClassifiesSocks5(t *testing.T) {
	ln := &Listener{cfg: ListenerConfig{}}
	server, client := pipeWrite(t, []byte{0x05, 0x01, 0x00})
	defer client.Close()

	proto, _, err := ln.detect(server)
	require.NoError(t, err)
	require.Equal(t, task.SocksTCPConnect, proto)
}

func TestDetectFallsBackToTCPStream(t *testing.T) {
	ln := &Listener{cfg: ListenerConfig{}}
	server, client := pipeWrite(t, []byte("not a recognized preamble"))
	defer client.Close()

	proto, _, err := ln.detect(server)
	require.NoError(t, err)
	require.Equal(t, task.TCPStream, proto)
}

func TestDetectPeekedBytesRemainReadable(t *testing.T) {
	ln := &Listener{cfg: ListenerConfig{}}
	payload := []byte("GET / HTTP/1.1\r\n")
	server, client := pipeWrite(t, payload)
	defer client.Close()

	_, wrapped, err := ln.detect(server)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := wrapped.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload[:n], buf[:n])
}
