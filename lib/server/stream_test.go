package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bytedance/g3proxy/lib/escaper"
	"github.com/bytedance/g3proxy/lib/task"
)

type fakeUpstream struct {
	conn *escaper.Connection
	err  *escaper.EscapeError
}

func (f *fakeUpstream) Escape(ctx context.Context, req *escaper.Request) (*escaper.Connection, *escaper.EscapeError) {
	return f.conn, f.err
}

func TestStreamHandlerRelaysToResolvedUpstream(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	upstreamNear, upstreamFar := net.Pipe()

	h, err := NewStreamHandler(StreamHandlerConfig{
		Proto:    task.TCPStream,
		Upstream: &fakeUpstream{conn: &escaper.Connection{Conn: upstreamNear, EscaperNode: "direct"}},
	})
	require.NoError(t, err)

	tsk := task.New("listener", task.TCPStream, "127.0.0.1:1234")
	tsk.Upstream = "example.com:443"

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), serverSide, tsk) }()

	go clientSide.Write([]byte("hello"))
	buf := make([]byte, 5)
	_, err = upstreamFar.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	clientSide.Close()
	upstreamFar.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish relaying")
	}
	require.Equal(t, "direct", tsk.Path.EscaperNode)
}

func TestStreamHandlerSurfacesEscapeError(t *testing.T) {
	h, err := NewStreamHandler(StreamHandlerConfig{
		Proto:    task.TCPStream,
		Upstream: &fakeUpstream{err: &escaper.EscapeError{Kind: escaper.Forbidden, Node: "acl"}},
	})
	require.NoError(t, err)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	tsk := task.New("listener", task.TCPStream, "127.0.0.1:1234")
	tsk.Upstream = "example.com:443"

	err = h.Serve(context.Background(), serverSide, tsk)
	require.Error(t, err)
	require.Equal(t, "acl", tsk.Path.EscaperNode)
}
