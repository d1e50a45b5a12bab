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

func TestSocksHandlerServesSocks5Connect(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	upstreamNear, upstreamFar := net.Pipe()

	h, err := NewSocksHandler(SocksHandlerConfig{
		Upstream: &fakeUpstream{conn: &escaper.Connection{Conn: upstreamNear, EscaperNode: "direct"}},
	})
	require.NoError(t, err)

	tsk := task.New("listener", task.SocksTCPConnect, "127.0.0.1:1234")

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), serverSide, tsk) }()

	go clientSide.Write([]byte{0x05, 0x01, 0x00})
	reply := make([]byte, 2)
	_, err = clientSide.Read(reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, reply)

	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50}
	go clientSide.Write(req)
	connectReply := make([]byte, 10)
	_, err = clientSide.Read(connectReply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), connectReply[1])

	go clientSide.Write([]byte("hi"))
	buf := make([]byte, 2)
	_, err = upstreamFar.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))

	clientSide.Close()
	upstreamFar.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("socks handler did not finish")
	}
	require.Equal(t, "93.184.216.34:80", tsk.Upstream)
}

func TestParseSocksUserExtractsPathHint(t *testing.T) {
	user, hint := parseSocksUser("alice+key=sticky-1+path=2")
	require.Equal(t, "alice", user)
	require.Equal(t, "sticky-1", hint.StickyKey)
	require.Equal(t, 2, hint.Index)
}
