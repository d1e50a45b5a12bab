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

// Package control implements the daemon's control-plane socket
// (spec.md §4.9): a Unix domain socket speaking line-delimited JSON,
// used by an operator CLI (or `cmd/g3proxy -G`) to reload configuration,
// take the process offline for a graceful drain, publish ad-hoc events
// into the running graph, and query live state without restarting the
// process. There is no third-party control-plane transport anywhere in
// the retrieval pack, so this talks net.Listen("unix", ...) and
// encoding/json directly - the same two stdlib packages the teacher
// reaches for whenever it needs a small bespoke RPC surface rather than
// a full gRPC service.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Op names the control-plane operations spec.md §4.9 lists.
type Op string

const (
	OpReload  Op = "reload"
	OpOffline Op = "offline"
	OpPublish Op = "publish"
	OpQuery   Op = "query"
)

// Request is one line of the wire protocol: {"op": "...", "args": {...}}.
type Request struct {
	Op   Op              `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Handler implements one control-plane operation. Args is the raw
// "args" field of the Request; handlers decode it themselves since
// each operation's argument shape differs.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Config configures a Server.
type Config struct {
	SocketPath string
	Log        logrus.FieldLogger
}

func (c *Config) checkAndSetDefaults() error {
	if c.SocketPath == "" {
		return trace.BadParameter("control server requires a socket path")
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "control")
	}
	return nil
}

// Server accepts control-plane connections on a Unix socket and
// dispatches each request line to the registered Handler for its Op.
type Server struct {
	cfg      Config
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[Op]Handler
}

// New creates a Server. The socket file is removed and recreated if one
// already exists at SocketPath (a stale file from an unclean shutdown),
// matching the teacher's convention of never leaving a process unable
// to restart because of leftover state on disk.
func New(cfg Config) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	_ = os.Remove(cfg.SocketPath)

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, trace.Wrap(err, "listening on control socket %q", cfg.SocketPath)
	}
	return &Server{
		cfg:      cfg,
		ln:       ln,
		handlers: make(map[Op]Handler),
	}, nil
}

// Handle registers the Handler invoked for requests with the given Op.
// Registering a second handler for the same Op replaces the first, so
// callers can re-wire behavior (e.g. after a config reload) without
// tearing the socket down.
func (s *Server) Handle(op Op, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

// Addr returns the socket's address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is canceled or the listener is
// closed, handling each connection's request lines sequentially.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return trace.Wrap(err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{OK: false, Error: err.Error()})
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.cfg.Log.WithError(err).Warn("control: failed writing response")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Op]
	s.mu.RUnlock()
	if !ok {
		return Response{OK: false, Error: trace.BadParameter("unknown op %q", req.Op).Error()}
	}

	result, err := h(ctx, req.Args)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Result: raw}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.cfg.SocketPath)
	return trace.Wrap(err)
}

// Client is a thin synchronous client for issuing one-shot control
// requests, used by the `-G`/status CLI flags of cmd/g3proxy.
type Client struct {
	SocketPath string
}

// Call dials the socket, sends one Request and returns its Response.
func (c *Client) Call(ctx context.Context, op Op, args any) (*Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer conn.Close()

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := json.NewEncoder(conn).Encode(Request{Op: op, Args: rawArgs}); err != nil {
		return nil, trace.Wrap(err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, trace.Wrap(err)
	}
	if !resp.OK {
		return &resp, trace.Errorf("%s", resp.Error)
	}
	return &resp, nil
}
