package audit

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serveIcapOnce(t *testing.T, ln net.Listener, status string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewReader(bufio.NewReader(conn))
		_, _ = tp.ReadLine() // request line
		_, _ = tp.ReadMIMEHeader()
		conn.Write([]byte(status + "\r\n\r\n"))
	}()
}

func TestIcapClientReqModNoModification(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveIcapOnce(t, ln, "ICAP/1.0 204 No Modifications Necessary")

	c, err := NewIcapClient(IcapClientConfig{ServiceAddr: ln.Addr().String()})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mod, err := c.ReqMod(ctx, req, nil)
	require.NoError(t, err)
	require.True(t, mod.Unmodified)
}

func TestIcapClientSurfacesNonStandardStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveIcapOnce(t, ln, "ICAP/1.0 500 Server Error")

	c, err := NewIcapClient(IcapClientConfig{ServiceAddr: ln.Addr().String()})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = c.ReqMod(ctx, req, nil)
	require.Error(t, err)
}

func TestIcapClientBypassesOnUnreachableService(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	c, err := NewIcapClient(IcapClientConfig{ServiceAddr: addr, Bypass: true})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	mod, err := c.ReqMod(ctx, req, nil)
	require.NoError(t, err)
	require.True(t, mod.Unmodified)
}

func TestIcapClientSurfacesUnavailableWithoutBypass(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c, err := NewIcapClient(IcapClientConfig{ServiceAddr: addr, Bypass: false})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = c.ReqMod(ctx, req, nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unavailable"))
}
