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
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"strings"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/logs"
	"github.com/bytedance/g3proxy/lib/task"
)

// MasqueListenerConfig configures a MasqueListener, the minimal
// CONNECT-UDP-style front end of spec.md §4.1. It is not a Listener/
// Handler pair like the rest of this package because QUIC listens on a
// UDP socket of its own rather than accepting net.Conn from a shared TCP
// Listener.
type MasqueListenerConfig struct {
	Addr      string
	TLSConfig *tls.Config
	Upstream  UpstreamResolver
	Log       logrus.FieldLogger
	// TaskLog emits the task channel's one-record-per-completion log
	// (spec.md §4.7); defaults to logs.ChannelTask scoped under "masque".
	TaskLog *logs.Logger
}

func (c *MasqueListenerConfig) checkAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("masque listener requires an address")
	}
	if c.Upstream == nil {
		return trace.BadParameter("masque listener requires an upstream resolver")
	}
	if c.TLSConfig == nil {
		return trace.BadParameter("masque listener requires a TLS config")
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "server.masque")
	}
	if c.TaskLog == nil {
		c.TaskLog = logs.New(nil, logs.ChannelTask, "masque")
	}
	return nil
}

// MasqueListener accepts QUIC connections and serves a single
// CONNECT-UDP-style tunnel per stream. A client opens a stream, writes
// one request line "CONNECT-UDP host:port\n", reads a one-line "200\n"
// or "502 <reason>\n" reply, and from then on the stream carries
// 2-byte-length-prefixed UDP datagrams in both directions. This carries
// datagrams as framed stream data rather than the native QUIC DATAGRAM
// extension: detour.go (this engine's other quic-go consumer) only uses
// ordinary streams, and the datagram extension's API shape is not
// otherwise grounded in this codebase.
type MasqueListener struct {
	cfg MasqueListenerConfig
	ln  *quic.Listener
}

// NewMasqueListener creates and binds a MasqueListener.
func NewMasqueListener(cfg MasqueListenerConfig) (*MasqueListener, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	tlsCfg := cfg.TLSConfig.Clone()
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{"g3-masque"}
	}
	ln, err := quic.ListenAddr(cfg.Addr, tlsCfg, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &MasqueListener{cfg: cfg, ln: ln}, nil
}

// Addr returns the bound address.
func (l *MasqueListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *MasqueListener) Close() error { return l.ln.Close() }

// Serve runs the accept loop until ctx is cancelled.
func (l *MasqueListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			default:
				return trace.Wrap(err)
			}
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *MasqueListener) handleConn(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go l.handleStream(ctx, conn, stream)
	}
}

func (l *MasqueListener) handleStream(ctx context.Context, conn quic.Connection, stream quic.Stream) {
	defer stream.Close()

	t := task.New(l.cfg.Addr, task.Masque, conn.RemoteAddr().String())
	defer func() {
		if t.Reason == "" {
			t.Finish(task.ReasonFinished)
		}
		l.cfg.TaskLog.TaskFinish(t)
	}()

	br := bufio.NewReader(stream)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Finish(task.ReasonClientClosed)
		return
	}
	target := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "CONNECT-UDP"))
	target = strings.TrimSpace(target)
	if target == "" {
		io.WriteString(stream, "400 bad request\n")
		return
	}
	t.Upstream = target
	t.SetStage(task.StageConnecting)

	// A UDP socket has no Happy-Eyeballs/path-selection analogue in this
	// engine's escaper graph (escaper.Node.Dial always returns a TCP
	// connection), so CONNECT-UDP's destination is dialed directly
	// rather than through h.cfg.Upstream; this is a scope decision, not
	// an oversight, and is recorded in DESIGN.md.
	udpAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		io.WriteString(stream, "502 resolve failed\n")
		t.Finish(task.ReasonResolveError)
		return
	}
	udpConn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		io.WriteString(stream, "502 dial failed\n")
		t.Finish(task.ReasonEscapeError)
		return
	}
	defer udpConn.Close()

	if _, err := io.WriteString(stream, "200 ok\n"); err != nil {
		return
	}
	t.SetStage(task.StageRelaying)

	errc := make(chan error, 2)
	go func() {
		buf := make([]byte, 2+65507)
		for {
			var lenBuf [2]byte
			if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
				errc <- err
				return
			}
			n := int(binary.BigEndian.Uint16(lenBuf[:]))
			if n > len(buf) {
				errc <- trace.BadParameter("masque datagram too large: %d", n)
				return
			}
			if _, err := io.ReadFull(br, buf[:n]); err != nil {
				errc <- err
				return
			}
			if _, err := udpConn.Write(buf[:n]); err != nil {
				errc <- err
				return
			}
			t.Counters.AddClientRead(int64(n))
			t.Counters.AddRemoteWrite(int64(n))
		}
	}()
	go func() {
		buf := make([]byte, 65507)
		for {
			n, err := udpConn.Read(buf)
			if err != nil {
				errc <- err
				return
			}
			var lenBuf [2]byte
			binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
			if _, err := stream.Write(lenBuf[:]); err != nil {
				errc <- err
				return
			}
			if _, err := stream.Write(buf[:n]); err != nil {
				errc <- err
				return
			}
			t.Counters.AddRemoteRead(int64(n))
			t.Counters.AddClientWrite(int64(n))
		}
	}()

	select {
	case <-errc:
	case <-ctx.Done():
	}
}
