package escaper

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveHTTPConnectOnce(t *testing.T, ln net.Listener, ok bool) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			return
		}
		if ok {
			conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		} else {
			conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		}
	}()
}

func TestProxyHTTPEstablishesTunnel(t *testing.T) {
	ln, port := listenLoopback(t)
	serveHTTPConnectOnce(t, ln, true)

	p, err := NewProxy(ProxyConfig{
		NodeName:  "chain",
		Kind:      ProxyHTTP,
		NextProxy: ln.Addr().String(),
	})
	require.NoError(t, err)

	conn, escErr := p.Dial(context.Background(), &Request{Host: "upstream.example.com", Port: port})
	require.Nil(t, escErr)
	require.NotNil(t, conn)
	conn.Conn.Close()
}

func TestProxyHTTPSurfacesConnectRefused(t *testing.T) {
	ln, _ := listenLoopback(t)
	serveHTTPConnectOnce(t, ln, false)

	p, err := NewProxy(ProxyConfig{
		NodeName:  "chain",
		Kind:      ProxyHTTP,
		NextProxy: ln.Addr().String(),
	})
	require.NoError(t, err)

	_, escErr := p.Dial(context.Background(), &Request{Host: "upstream.example.com", Port: 80})
	require.NotNil(t, escErr)
	require.Equal(t, ConnectRefused, escErr.Kind)
}

func TestProxyConfigRequiresNextProxy(t *testing.T) {
	_, err := NewProxy(ProxyConfig{NodeName: "chain"})
	require.Error(t, err)
}

func TestProxyFloatFailsBeforeFirstPublish(t *testing.T) {
	pf, err := NewProxyFloat(ProxyFloatConfig{NodeName: "float"})
	require.NoError(t, err)

	_, escErr := pf.Dial(context.Background(), &Request{Host: "example.com", Port: 80})
	require.NotNil(t, escErr)
	require.Equal(t, Forbidden, escErr.Kind)
}

func TestProxyFloatUsesPublishedNextHop(t *testing.T) {
	ln, port := listenLoopback(t)
	serveHTTPConnectOnce(t, ln, true)

	pf, err := NewProxyFloat(ProxyFloatConfig{NodeName: "float", Kind: ProxyHTTP})
	require.NoError(t, err)
	pf.Publish(ln.Addr().String())

	conn, escErr := pf.Dial(context.Background(), &Request{Host: "upstream.example.com", Port: port})
	require.Nil(t, escErr)
	conn.Conn.Close()
}
