/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/oxy/forward"
	"github.com/gravitational/oxy/utils"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/audit"
	"github.com/bytedance/g3proxy/lib/escaper"
	"github.com/bytedance/g3proxy/lib/pool"
	"github.com/bytedance/g3proxy/lib/task"
	"github.com/bytedance/g3proxy/lib/user"
)

// HTTPHandlerConfig configures an HTTPHandler, the front end for
// task.HTTPForward, task.HTTPSForward, task.FTPOverHTTP, task.EasyProxy
// and task.HTTPConnect (spec.md §4.1). Plain requests go through oxy's
// forward.Forwarder the same way the AWS signing service in
// lib/srv/app/aws/handler.go wires it; CONNECT establishes a tunnel and
// hands off to a byte relay, or to a TLS-MITM loop when Auditor is set.
type HTTPHandlerConfig struct {
	Proto    task.Protocol
	Upstream UpstreamResolver
	Copy     pool.CopyConfig
	// Users, if set, requires a valid Proxy-Authorization header on every
	// request and runs the per-user enforcement chain before dialing
	// (spec.md §4.5).
	Users *user.Group
	// Auditor, if set, terminates TLS for every CONNECT tunnel and runs
	// intercepted request/response pairs through ICAP REQMOD/RESPMOD
	// (spec.md §4.4). Nil means CONNECT tunnels relay opaque bytes.
	Auditor *audit.Auditor
	Log     logrus.FieldLogger
}

func (c *HTTPHandlerConfig) checkAndSetDefaults() error {
	if c.Upstream == nil {
		return trace.BadParameter("http handler requires an upstream resolver")
	}
	if c.Proto == "" {
		c.Proto = task.HTTPForward
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "server.http")
	}
	return nil
}

// HTTPHandler serves forward-proxy HTTP requests (absolute-URI GET/POST/
// etc.) and CONNECT tunnels, dialing every upstream through the escaper
// graph rather than net.Dial directly.
type HTTPHandler struct {
	cfg       HTTPHandlerConfig
	forwarder *forward.Forwarder
}

// NewHTTPHandler creates an HTTPHandler.
func NewHTTPHandler(cfg HTTPHandlerConfig) (*HTTPHandler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &HTTPHandler{cfg: cfg}

	tr := &http.Transport{
		DialContext: h.dialViaEscaper,
	}
	fwd, err := forward.New(
		forward.RoundTripper(tr),
		forward.PassHostHeader(true),
		forward.ErrorHandler(utils.ErrorHandlerFunc(h.formatForwardError)),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.forwarder = fwd
	return h, nil
}

func (h *HTTPHandler) Protocol() task.Protocol { return h.cfg.Proto }

// dialViaEscaper is the http.Transport DialContext hook: it is the only
// place this handler ever reaches the network, always through the
// escaper graph so every request is subject to path selection, ACLs and
// quotas the same way a CONNECT tunnel is.
func (h *HTTPHandler) dialViaEscaper(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port := splitHostPort(addr)
	conn, eerr := h.cfg.Upstream.Escape(ctx, &escaper.Request{Host: host, Port: port})
	if eerr != nil {
		return nil, eerr
	}
	return conn.Conn, nil
}

// parseProxyAuth decodes a "Proxy-Authorization: Basic ..." header into
// its name/password pair. An absent or malformed header returns two
// empty strings, which user.Lookup treats as the anonymous user.
func parseProxyAuth(req *http.Request) (name, password string) {
	h := req.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(h, prefix) {
		return "", ""
	}
	decoded, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return "", ""
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func clientIPOf(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// authenticate looks up the user presented on req's Proxy-Authorization
// header and runs the per-user enforcement chain against host/port
// (spec.md §4.5). A nil Users config skips authentication entirely. The
// returned error, if any, is safe to surface directly to the client.
func (h *HTTPHandler) authenticate(t *task.Task, req *http.Request, clientAddr net.Addr, host string, port uint16) error {
	if h.cfg.Users == nil {
		return nil
	}
	name, pass := parseProxyAuth(req)
	snap := h.cfg.Users.Snapshot()
	u, ok := user.Lookup(snap, name, pass)
	if !ok {
		return trace.AccessDenied("proxy authentication failed")
	}
	t.UserHandle = u.Name
	result := h.cfg.Users.Enforce(u, time.Now(), host, int(port), string(h.cfg.Proto), req.UserAgent(), clientIPOf(clientAddr))
	if result.Action.IsForbid() {
		return trace.AccessDenied("forbidden: %s", result.Reason)
	}
	return nil
}

func (h *HTTPHandler) formatForwardError(w http.ResponseWriter, req *http.Request, err error) {
	code := http.StatusBadGateway
	if eerr, ok := err.(*escaper.EscapeError); ok {
		code = httpStatusForEscapeError(eerr)
	}
	w.WriteHeader(code)
}

func httpStatusForEscapeError(eerr *escaper.EscapeError) int {
	switch eerr.Kind {
	case escaper.Forbidden:
		return int(ErrForbidden)
	case escaper.ConnectTimedOut:
		return int(ErrTimeout)
	case escaper.DnsError:
		return int(ErrDNSFailure)
	case escaper.TlsHandshakeFailed:
		return int(ErrTLSHandshake)
	default:
		return int(ErrEscaperUnreachable)
	}
}

// Serve bridges the raw accepted connection into net/http via a
// single-connection Listener, so request parsing, keep-alive and
// chunked-body handling all come from net/http rather than a hand-rolled
// reader, matching how lib/srv/app/server.go's proxy front end works.
func (h *HTTPHandler) Serve(ctx context.Context, conn net.Conn, t *task.Task) error {
	if t.Protocol == task.HTTPConnect {
		return h.serveConnect(ctx, conn, t)
	}

	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, port := splitHostPort(r.Host)
			if err := h.authenticate(t, r, conn.RemoteAddr(), host, port); err != nil {
				w.Header().Set("Proxy-Authenticate", `Basic realm="g3proxy"`)
				w.WriteHeader(http.StatusProxyAuthRequired)
				return
			}
			t.SetStage(task.StageRelaying)
			h.forwarder.ServeHTTP(w, r)
		}),
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				closeDone()
			}
		},
	}

	ln := newSingleConnListener(conn)
	go srv.Serve(ln)

	select {
	case <-done:
	case <-ctx.Done():
		conn.Close()
	}
	return nil
}

// serveConnect reads the CONNECT request line, dials the target through
// the escaper graph, replies 200, and relays raw bytes.
func (h *HTTPHandler) serveConnect(ctx context.Context, conn net.Conn, t *task.Task) error {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return trace.Wrap(err)
	}
	t.Upstream = req.Host
	t.SetStage(task.StageConnecting)

	host, port := splitHostPort(req.Host)
	if err := h.authenticate(t, req, conn.RemoteAddr(), host, port); err != nil {
		_, _ = conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
		return trace.Wrap(err)
	}

	upstream, eerr := h.cfg.Upstream.Escape(ctx, &escaper.Request{Host: host, Port: port})
	if eerr != nil {
		_, _ = conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		t.Path.EscaperNode = eerr.Node
		return trace.Wrap(eerr)
	}
	defer upstream.Conn.Close()

	t.Path = task.EgressPath{EscaperNode: upstream.EscaperNode, NextProxy: upstream.NextProxy}
	if upstream.PeerIP != nil {
		t.Path.ResolvedIP = upstream.PeerIP.String()
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return trace.Wrap(err)
	}
	t.SetStage(task.StageRelaying)

	if h.cfg.Auditor != nil {
		return trace.Wrap(h.serveMITM(ctx, &peekedConn{Conn: conn, r: br}, upstream.Conn, host, t))
	}

	cfg := h.cfg.Copy
	cfg.OnClientToRemote = func(n int) { t.Counters.AddClientRead(int64(n)); t.Counters.AddRemoteWrite(int64(n)) }
	cfg.OnRemoteToClient = func(n int) { t.Counters.AddRemoteRead(int64(n)); t.Counters.AddClientWrite(int64(n)) }
	return trace.Wrap(pool.Relay(ctx, cfg, &peekedConn{Conn: conn, r: br}, upstream.Conn))
}

// serveMITM terminates TLS on both sides of a CONNECT tunnel and pumps
// each request/response pair through the configured Auditor's ICAP
// REQMOD/RESPMOD, matching spec.md §4.4's interception contract for
// plain HTTP-over-TLS. Non-HTTP TLS payloads (e.g. a WebSocket upgrade)
// break the http.ReadRequest/ReadResponse loop and end the tunnel; this
// engine does not fall back to opaque relay mid-stream once MITM has
// started; detour.go's opaque-stream path is the configured escape
// hatch for traffic that shouldn't be MITM'd at all.
func (h *HTTPHandler) serveMITM(ctx context.Context, clientConn, upstreamConn net.Conn, host string, t *task.Task) error {
	tlsClient := tls.Server(clientConn, h.cfg.Auditor.ServerTLSConfig(host))
	if err := tlsClient.HandshakeContext(ctx); err != nil {
		return trace.Wrap(err)
	}
	defer tlsClient.Close()

	tlsUpstream := tls.Client(upstreamConn, &tls.Config{ServerName: host})
	if err := tlsUpstream.HandshakeContext(ctx); err != nil {
		return trace.Wrap(err)
	}
	defer tlsUpstream.Close()

	clientReader := bufio.NewReader(tlsClient)
	upstreamReader := bufio.NewReader(tlsUpstream)

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return trace.Wrap(err)
		}

		reqBody, _ := io.ReadAll(req.Body)
		req.Body.Close()
		mod, err := h.cfg.Auditor.ReqMod(ctx, req, reqBody)
		if err != nil {
			return trace.Wrap(err)
		}
		if !mod.Unmodified {
			if mod.Headers != nil {
				req.Header = mod.Headers
			}
			reqBody = mod.Body
		}
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
		req.ContentLength = int64(len(reqBody))
		req.RequestURI = ""

		if err := req.Write(tlsUpstream); err != nil {
			return trace.Wrap(err)
		}
		t.Counters.AddClientRead(int64(len(reqBody)))
		t.Counters.AddRemoteWrite(int64(len(reqBody)))

		resp, err := http.ReadResponse(upstreamReader, req)
		if err != nil {
			return trace.Wrap(err)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		respMod, err := h.cfg.Auditor.RespMod(ctx, req, resp, respBody, mod.SharedHeaders)
		if err != nil {
			return trace.Wrap(err)
		}
		if !respMod.Unmodified {
			if respMod.Headers != nil {
				resp.Header = respMod.Headers
			}
			respBody = respMod.Body
		}
		resp.Body = io.NopCloser(bytes.NewReader(respBody))
		resp.ContentLength = int64(len(respBody))

		if err := resp.Write(tlsClient); err != nil {
			return trace.Wrap(err)
		}
		t.Counters.AddRemoteRead(int64(len(respBody)))
		t.Counters.AddClientWrite(int64(len(respBody)))

		if req.Close || resp.Close {
			return nil
		}
	}
}

// singleConnListener lets an already-accepted net.Conn be served by a
// plain net/http.Server: the first Accept returns it, the second blocks
// until Close so http.Server's internal accept loop parks instead of
// busy-spinning once the one connection is handed off.
type singleConnListener struct {
	conn net.Conn
	once sync.Once
	ch   chan net.Conn
	done chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{conn: conn, ch: make(chan net.Conn, 1), done: make(chan struct{})}
	l.ch <- conn
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.ch:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
