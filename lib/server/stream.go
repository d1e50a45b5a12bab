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
	"context"
	"net"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/escaper"
	"github.com/bytedance/g3proxy/lib/pool"
	"github.com/bytedance/g3proxy/lib/task"
)

// UpstreamResolver maps a Task's (host, port) to an escaper Request and
// drives it through the graph, returning a dialed upstream. Handlers
// never talk to the escaper graph's root node directly so they can be
// exercised against a fake in tests.
type UpstreamResolver interface {
	Escape(ctx context.Context, req *escaper.Request) (*escaper.Connection, *escaper.EscapeError)
}

// graphResolver adapts an escaper.Node (normally the graph's configured
// entry node) to UpstreamResolver.
type graphResolver struct {
	entry escaper.Node
}

// NewUpstreamResolver wraps an escaper.Node as the entry point every
// handler in this package dials through.
func NewUpstreamResolver(entry escaper.Node) UpstreamResolver {
	return &graphResolver{entry: entry}
}

func (g *graphResolver) Escape(ctx context.Context, req *escaper.Request) (*escaper.Connection, *escaper.EscapeError) {
	return g.entry.Dial(ctx, req)
}

// StreamHandlerConfig configures a StreamHandler, the front end for
// task.TCPStream, task.TLSStream and task.SNITarget connections: a plain
// byte-for-byte relay to whatever the escaper graph dials, with no
// protocol parsing of the tunneled payload itself (spec.md §4.1).
type StreamHandlerConfig struct {
	Proto    task.Protocol
	Upstream UpstreamResolver
	Copy     pool.CopyConfig
	Log      logrus.FieldLogger
}

func (c *StreamHandlerConfig) checkAndSetDefaults() error {
	if c.Upstream == nil {
		return trace.BadParameter("stream handler requires an upstream resolver")
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "server.stream")
	}
	return nil
}

// StreamHandler relays an opaque stream to the host:port carried on the
// Task (populated by the SNI/CONNECT front end that accepted it).
type StreamHandler struct {
	cfg StreamHandlerConfig
}

// NewStreamHandler creates a StreamHandler for one of TCPStream,
// TLSStream or SNITarget.
func NewStreamHandler(cfg StreamHandlerConfig) (*StreamHandler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &StreamHandler{cfg: cfg}, nil
}

func (h *StreamHandler) Protocol() task.Protocol { return h.cfg.Proto }

// Serve extracts the target host:port (via SNI sniffing for TLSStream
// and SNITarget, or from t.Upstream when already known) and relays.
func (h *StreamHandler) Serve(ctx context.Context, conn net.Conn, t *task.Task) error {
	t.SetStage(task.StageConnecting)

	host := t.Upstream
	var br *bufio.Reader
	if host == "" && (t.Protocol == task.TLSStream || t.Protocol == task.SNITarget) {
		var sni string
		var err error
		sni, br, err = sniffSNI(conn)
		if err != nil {
			return trace.Wrap(err)
		}
		host = sni
		t.Upstream = sni
	}
	if host == "" {
		return trace.BadParameter("no upstream host known for task %s", t.ID)
	}

	hostname, port := splitHostPort(host)
	req := &escaper.Request{Host: hostname, Port: port}
	upstream, eerr := h.cfg.Upstream.Escape(ctx, req)
	if eerr != nil {
		t.Path.EscaperNode = eerr.Node
		return trace.Wrap(eerr)
	}
	defer upstream.Conn.Close()

	t.Path = task.EgressPath{
		EscaperNode: upstream.EscaperNode,
		NextProxy:   upstream.NextProxy,
	}
	if upstream.BindIP != nil {
		t.Path.BindIP = upstream.BindIP.String()
	}
	if upstream.PeerIP != nil {
		t.Path.ResolvedIP = upstream.PeerIP.String()
	}
	t.SetStage(task.StageRelaying)

	cfg := h.cfg.Copy
	cfg.OnClientToRemote = func(n int) { t.Counters.AddClientRead(int64(n)); t.Counters.AddRemoteWrite(int64(n)) }
	cfg.OnRemoteToClient = func(n int) { t.Counters.AddRemoteRead(int64(n)); t.Counters.AddClientWrite(int64(n)) }

	var client net.Conn = conn
	if br != nil {
		client = &peekedConn{Conn: conn, r: br}
	}
	return trace.Wrap(pool.Relay(ctx, cfg, client, upstream.Conn))
}

func splitHostPort(hostport string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 443
	}
	p, perr := parsePort(portStr)
	if perr != nil {
		return host, 443
	}
	return host, p
}
