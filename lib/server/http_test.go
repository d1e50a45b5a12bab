package server

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bytedance/g3proxy/lib/escaper"
	"github.com/bytedance/g3proxy/lib/task"
)

func TestHTTPHandlerServesConnectTunnel(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	upstreamNear, upstreamFar := net.Pipe()

	h, err := NewHTTPHandler(HTTPHandlerConfig{
		Proto:    task.HTTPConnect,
		Upstream: &fakeUpstream{conn: &escaper.Connection{Conn: upstreamNear, EscaperNode: "direct"}},
	})
	require.NoError(t, err)

	tsk := task.New("listener", task.HTTPConnect, "127.0.0.1:1234")

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), serverSide, tsk) }()

	go clientSide.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(clientSide), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	go clientSide.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err = upstreamFar.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	clientSide.Close()
	upstreamFar.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect handler did not finish")
	}
	require.Equal(t, "example.com:443", tsk.Upstream)
}
