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

// Package server implements the listener and protocol-specific front
// ends of spec.md §4.1: PROXY protocol decoding, the intelli_proxy
// protocol detector, and the HTTP/SOCKS/TLS-stream/SNI/reverse servers
// that turn an accepted connection into a Task handed to the escaper
// graph.
package server

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/logs"
	"github.com/bytedance/g3proxy/lib/task"
)

// ErrorCode is one of the engine's custom HTTP error statuses, extending
// the 5xx range the way the original daemon family does (spec.md §4.1).
type ErrorCode int

const (
	// ErrNoEscaper means the server found no escaper configured.
	ErrNoEscaper ErrorCode = 521
	// ErrEscaperUnreachable means dial() failed with Unreachable.
	ErrEscaperUnreachable ErrorCode = 522
	// ErrDNSFailure means resolution failed for the requested host.
	ErrDNSFailure ErrorCode = 523
	// ErrTimeout means the upstream connect attempt timed out.
	ErrTimeout ErrorCode = 524
	// ErrForbidden means ACL/quota enforcement denied the task.
	ErrForbidden ErrorCode = 525
	// ErrTLSHandshake means the TLS handshake to the upstream failed.
	ErrTLSHandshake ErrorCode = 526
	// ErrCapabilityUnmet means the escaper graph required a capability no
	// node on the selected path advertises (spec.md §4.2 invariant).
	ErrCapabilityUnmet ErrorCode = 521
	// ErrAuditUnavailable means an auditor dependency (cert side-car,
	// ICAP) was unreachable and its bypass policy forbade passthrough.
	ErrAuditUnavailable ErrorCode = 530
)

// Handler turns one accepted, classified connection into a finished
// Task. Implementations live in http.go, socks.go, tlsstream.go.
type Handler interface {
	Protocol() task.Protocol
	Serve(ctx context.Context, conn net.Conn, t *task.Task) error
}

// ListenerConfig configures a Listener (spec.md §4.1 "listener").
type ListenerConfig struct {
	Addr              string
	UseProxyProtocol  bool
	EchoProxyProtocol bool
	// SNIOnly routes a detected TLS ClientHello to the SNI-routing
	// front end (task.SNITarget) instead of the intercepting TLS-stream
	// front end (task.TLSStream). Set per listener, matching spec.md
	// §4.1's distinct "sni_proxy" and "tls_stream" server types.
	SNIOnly          bool
	HandshakeTimeout time.Duration
	Log              logrus.FieldLogger
	Clock            clockwork.Clock
	// TaskLog emits the task channel's one-record-per-completion log
	// (spec.md §4.7, §8 scenario 1); defaults to logs.ChannelTask scoped
	// under "server".
	TaskLog *logs.Logger
}

func (c *ListenerConfig) checkAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("listener requires an address")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "server")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TaskLog == nil {
		c.TaskLog = logs.New(nil, logs.ChannelTask, "server")
	}
	return nil
}

// Listener accepts raw TCP connections, optionally decodes the PROXY
// protocol header, classifies the stream, and dispatches to the
// matching Handler.
type Listener struct {
	cfg      ListenerConfig
	ln       net.Listener
	handlers map[task.Protocol]Handler
}

// NewListener creates and binds a Listener.
func NewListener(cfg ListenerConfig, handlers ...Handler) (*Listener, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	byProto := make(map[task.Protocol]Handler, len(handlers))
	for _, h := range handlers {
		byProto[h.Protocol()] = h
	}

	l := &Listener{cfg: cfg, ln: ln, handlers: byProto}
	if cfg.UseProxyProtocol {
		l.ln = &proxyproto.Listener{Listener: ln}
	}
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. Each connection runs in its own goroutine, matching spec.md
// §5's "a task never migrates between threads implicitly" at the
// connection-handling granularity Go's goroutine-per-connection model
// expresses it in.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			default:
				return trace.Wrap(err)
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			l.cfg.Log.Errorf("panic handling connection from %v: %v", conn.RemoteAddr(), r)
			conn.Close()
		}
	}()

	_ = conn.SetReadDeadline(l.cfg.Clock.Now().Add(l.cfg.HandshakeTimeout))
	proto, peeked, err := l.detect(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		l.cfg.Log.WithError(err).Debug("protocol detection failed")
		conn.Close()
		return
	}

	handler, ok := l.handlers[proto]
	if !ok {
		l.cfg.Log.Warnf("no handler registered for protocol %v", proto)
		conn.Close()
		return
	}

	t := task.New(l.cfg.Addr, proto, conn.RemoteAddr().String())
	if err := handler.Serve(ctx, peeked, t); err != nil {
		l.cfg.Log.WithFields(logrus.Fields{"task_id": t.ID, "error": err}).Debug("task finished with error")
		if t.Reason == "" {
			t.Finish(task.ReasonEscapeError)
		}
		l.cfg.TaskLog.TaskFinish(t)
		return
	}
	t.Finish(task.ReasonFinished)
	l.cfg.TaskLog.TaskFinish(t)
}
