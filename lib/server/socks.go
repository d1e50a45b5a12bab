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
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/escaper"
	"github.com/bytedance/g3proxy/lib/pool"
	"github.com/bytedance/g3proxy/lib/task"
	"github.com/bytedance/g3proxy/lib/user"
)

// SOCKS5 reply codes (RFC 1928 §6).
const (
	socks5ReplySucceeded           byte = 0x00
	socks5ReplyGeneralFailure      byte = 0x01
	socks5ReplyForbidden           byte = 0x02
	socks5ReplyNetworkUnreachable  byte = 0x03
	socks5ReplyHostUnreachable     byte = 0x04
	socks5ReplyConnectionRefused   byte = 0x05
	socks5ReplyTTLExpired          byte = 0x06
	socks5ReplyCmdNotSupported     byte = 0x07
	socks5ReplyAddrTypeNotSupported byte = 0x08

	socks5AddrIPv4   byte = 0x01
	socks5AddrDomain byte = 0x03
	socks5AddrIPv6   byte = 0x04

	socks5CmdConnect      byte = 0x01
	socks5CmdUDPAssociate byte = 0x03
)

// SocksHandlerConfig configures a SocksHandler, the front end for
// task.SocksTCPConnect (spec.md §4.1 "SOCKS server"): SOCKS4/4a CONNECT
// and SOCKS5 CONNECT/UDP-ASSOCIATE, with the +key=value username
// extension parsed into a path-selection hint.
type SocksHandlerConfig struct {
	Upstream        UpstreamResolver
	Copy            pool.CopyConfig
	EnableUDPAssociate bool
	// UDPConnectOnly restricts every UDP-ASSOCIATE session to the single
	// destination the client named in its SOCKS5 request, rather than the
	// general per-datagram destination switching of full UDP-ASSOCIATE
	// (spec.md §3's "simplified UDP-CONNECT" variant, task.SocksUDPConnect).
	UDPConnectOnly bool
	// UDPBindIP is the address UDP-ASSOCIATE replies advertise for the
	// relay socket; defaults to the TCP control connection's local IP.
	UDPBindIP net.IP
	// Users, if set, requires SOCKS4 userid / SOCKS5 username-password
	// credentials to resolve to a permitted user (spec.md §4.5); nil
	// disables authentication entirely.
	Users *user.Group
	Log       logrus.FieldLogger
}

func (c *SocksHandlerConfig) checkAndSetDefaults() error {
	if c.Upstream == nil {
		return trace.BadParameter("socks handler requires an upstream resolver")
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "server.socks")
	}
	return nil
}

// SocksHandler serves SOCKS4/4a and SOCKS5 control connections.
type SocksHandler struct {
	cfg SocksHandlerConfig
}

// NewSocksHandler creates a SocksHandler.
func NewSocksHandler(cfg SocksHandlerConfig) (*SocksHandler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SocksHandler{cfg: cfg}, nil
}

func (h *SocksHandler) Protocol() task.Protocol { return task.SocksTCPConnect }

func (h *SocksHandler) Serve(ctx context.Context, conn net.Conn, t *task.Task) error {
	br := bufio.NewReader(conn)
	ver, err := br.Peek(1)
	if err != nil {
		return trace.Wrap(err)
	}
	switch ver[0] {
	case 0x04:
		return h.serveSocks4(ctx, br, conn, t)
	case 0x05:
		return h.serveSocks5(ctx, br, conn, t)
	default:
		return trace.BadParameter("unsupported SOCKS version byte 0x%x", ver[0])
	}
}

// serveSocks4 handles SOCKS4 and SOCKS4a CONNECT requests.
func (h *SocksHandler) serveSocks4(ctx context.Context, br *bufio.Reader, conn net.Conn, t *task.Task) error {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return trace.Wrap(err)
	}
	if hdr[1] != 0x01 { // CD: only CONNECT supported
		conn.Write([]byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0})
		return trace.BadParameter("socks4 command 0x%x not supported", hdr[1])
	}
	port := binary.BigEndian.Uint16(hdr[2:4])
	ip := net.IPv4(hdr[4], hdr[5], hdr[6], hdr[7])

	userID, err := readUntilNull(br)
	if err != nil {
		return trace.Wrap(err)
	}
	t.UserHandle, t.SelectionHint = parseSocksUser(userID)

	var authedUser *user.User
	if h.cfg.Users != nil {
		snap := h.cfg.Users.Snapshot()
		u, ok := user.Lookup(snap, t.UserHandle, "")
		if !ok {
			conn.Write([]byte{0x00, 0x5d, 0, 0, 0, 0, 0, 0})
			return trace.AccessDenied("socks4 authentication failed")
		}
		t.UserHandle = u.Name
		authedUser = u
	}

	host := ip.String()
	isSocks4a := hdr[4] == 0 && hdr[5] == 0 && hdr[6] == 0 && hdr[7] != 0
	if isSocks4a {
		domain, derr := readUntilNull(br)
		if derr != nil {
			return trace.Wrap(derr)
		}
		host = domain
	}

	if authedUser != nil {
		result := h.cfg.Users.Enforce(authedUser, time.Now(), host, int(port), string(h.Protocol()), "", clientIPOf(conn.RemoteAddr()))
		if result.Action.IsForbid() {
			conn.Write([]byte{0x00, 0x5d, 0, 0, 0, 0, 0, 0})
			return trace.AccessDenied("forbidden: %s", result.Reason)
		}
	}

	t.Upstream = net.JoinHostPort(host, strconv.Itoa(int(port)))
	t.SetStage(task.StageConnecting)

	upstream, eerr := h.cfg.Upstream.Escape(ctx, &escaper.Request{Host: host, Port: port, PathIndex: t.SelectionHint.Index, PathHeader: t.SelectionHint.StickyKey})
	if eerr != nil {
		conn.Write([]byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0})
		t.Path.EscaperNode = eerr.Node
		return trace.Wrap(eerr)
	}
	defer upstream.Conn.Close()
	t.Path = task.EgressPath{EscaperNode: upstream.EscaperNode, NextProxy: upstream.NextProxy}

	if _, err := conn.Write([]byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}); err != nil {
		return trace.Wrap(err)
	}
	t.SetStage(task.StageRelaying)

	cfg := h.cfg.Copy
	cfg.OnClientToRemote = func(n int) { t.Counters.AddClientRead(int64(n)); t.Counters.AddRemoteWrite(int64(n)) }
	cfg.OnRemoteToClient = func(n int) { t.Counters.AddRemoteRead(int64(n)); t.Counters.AddClientWrite(int64(n)) }
	return trace.Wrap(pool.Relay(ctx, cfg, &peekedConn{Conn: conn, r: br}, upstream.Conn))
}

func readUntilNull(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0x00)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}

// parseSocksUser splits a SOCKS username on "+key=value" suffixes into
// the bare handle and a PathSelectionHint (spec.md §4.1).
func parseSocksUser(raw string) (string, task.PathSelectionHint) {
	parts := strings.Split(raw, "+")
	hint := task.PathSelectionHint{}
	for _, kv := range parts[1:] {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		switch key {
		case "key":
			hint.StickyKey = val
		case "path":
			if n, err := strconv.Atoi(val); err == nil {
				hint.Index = n
			}
		}
	}
	return parts[0], hint
}

// serveSocks5 handles the SOCKS5 negotiation, auth, and CONNECT/
// UDP-ASSOCIATE requests.
func (h *SocksHandler) serveSocks5(ctx context.Context, br *bufio.Reader, conn net.Conn, t *task.Task) error {
	greeting := make([]byte, 2)
	if _, err := io.ReadFull(br, greeting); err != nil {
		return trace.Wrap(err)
	}
	nMethods := int(greeting[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(br, methods); err != nil {
		return trace.Wrap(err)
	}

	hasUserPass := false
	for _, m := range methods {
		if m == 0x02 {
			hasUserPass = true
		}
	}
	var authedUser *user.User
	if hasUserPass {
		conn.Write([]byte{0x05, 0x02})
		u, err := h.socks5UserPassAuth(br, conn, t)
		if err != nil {
			return trace.Wrap(err)
		}
		authedUser = u
	} else {
		conn.Write([]byte{0x05, 0x00})
		if h.cfg.Users != nil {
			snap := h.cfg.Users.Snapshot()
			u, ok := user.Lookup(snap, "", "")
			if !ok {
				return trace.AccessDenied("socks5 requires authentication")
			}
			t.UserHandle = u.Name
			authedUser = u
		}
	}

	reqHdr := make([]byte, 4)
	if _, err := io.ReadFull(br, reqHdr); err != nil {
		return trace.Wrap(err)
	}
	cmd := reqHdr[1]
	host, err := readSocks5Addr(br, reqHdr[3])
	if err != nil {
		return trace.Wrap(err)
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(br, portBuf); err != nil {
		return trace.Wrap(err)
	}
	port := binary.BigEndian.Uint16(portBuf)

	switch cmd {
	case socks5CmdConnect:
		return h.socks5Connect(ctx, br, conn, t, host, port, authedUser)
	case socks5CmdUDPAssociate:
		if !h.cfg.EnableUDPAssociate {
			writeSocks5Reply(conn, socks5ReplyCmdNotSupported, net.IPv4zero, 0)
			return trace.BadParameter("udp associate disabled")
		}
		return h.socks5UDPAssociate(ctx, conn, t, authedUser, host, port)
	default:
		writeSocks5Reply(conn, socks5ReplyCmdNotSupported, net.IPv4zero, 0)
		return trace.BadParameter("socks5 command 0x%x not supported", cmd)
	}
}

// socks5UserPassAuth runs the RFC 1929 username/password subnegotiation.
// When h.cfg.Users is set, the presented credential must resolve to a
// permitted user or the subnegotiation fails; the resolved user is
// returned so the caller can later Enforce against it once the request's
// destination is known.
func (h *SocksHandler) socks5UserPassAuth(br *bufio.Reader, conn net.Conn, t *task.Task) (*user.User, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, trace.Wrap(err)
	}
	uname := make([]byte, hdr[1])
	if _, err := io.ReadFull(br, uname); err != nil {
		return nil, trace.Wrap(err)
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(br, plen); err != nil {
		return nil, trace.Wrap(err)
	}
	passwd := make([]byte, plen[0])
	if _, err := io.ReadFull(br, passwd); err != nil {
		return nil, trace.Wrap(err)
	}
	t.UserHandle, t.SelectionHint = parseSocksUser(string(uname))

	if h.cfg.Users == nil {
		_, err := conn.Write([]byte{0x01, 0x00})
		return nil, err
	}
	snap := h.cfg.Users.Snapshot()
	u, ok := user.Lookup(snap, t.UserHandle, string(passwd))
	if !ok {
		conn.Write([]byte{0x01, 0x01})
		return nil, trace.AccessDenied("socks5 authentication failed")
	}
	t.UserHandle = u.Name
	if _, err := conn.Write([]byte{0x01, 0x00}); err != nil {
		return nil, trace.Wrap(err)
	}
	return u, nil
}

func readSocks5Addr(br *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case socks5AddrIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case socks5AddrIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case socks5AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			return "", err
		}
		buf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	default:
		return "", trace.BadParameter("unknown socks5 address type 0x%x", atyp)
	}
}

func writeSocks5Reply(w io.Writer, code byte, ip net.IP, port uint16) {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	reply := []byte{0x05, code, 0x00, socks5AddrIPv4}
	reply = append(reply, v4...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	reply = append(reply, portBuf...)
	w.Write(reply)
}

func (h *SocksHandler) socks5Connect(ctx context.Context, br *bufio.Reader, conn net.Conn, t *task.Task, host string, port uint16, authedUser *user.User) error {
	if authedUser != nil {
		result := h.cfg.Users.Enforce(authedUser, time.Now(), host, int(port), string(h.Protocol()), "", clientIPOf(conn.RemoteAddr()))
		if result.Action.IsForbid() {
			writeSocks5Reply(conn, socks5ReplyForbidden, net.IPv4zero, 0)
			return trace.AccessDenied("forbidden: %s", result.Reason)
		}
	}

	t.Upstream = net.JoinHostPort(host, strconv.Itoa(int(port)))
	t.SetStage(task.StageConnecting)

	upstream, eerr := h.cfg.Upstream.Escape(ctx, &escaper.Request{Host: host, Port: port, PathIndex: t.SelectionHint.Index, PathHeader: t.SelectionHint.StickyKey})
	if eerr != nil {
		writeSocks5Reply(conn, socks5CodeForEscapeError(eerr), net.IPv4zero, 0)
		t.Path.EscaperNode = eerr.Node
		return trace.Wrap(eerr)
	}
	defer upstream.Conn.Close()
	t.Path = task.EgressPath{EscaperNode: upstream.EscaperNode, NextProxy: upstream.NextProxy}

	bindIP := net.IPv4zero
	if upstream.BindIP != nil {
		bindIP = upstream.BindIP
		t.Path.BindIP = upstream.BindIP.String()
	}
	writeSocks5Reply(conn, socks5ReplySucceeded, bindIP, 0)
	t.SetStage(task.StageRelaying)

	cfg := h.cfg.Copy
	cfg.OnClientToRemote = func(n int) { t.Counters.AddClientRead(int64(n)); t.Counters.AddRemoteWrite(int64(n)) }
	cfg.OnRemoteToClient = func(n int) { t.Counters.AddRemoteRead(int64(n)); t.Counters.AddClientWrite(int64(n)) }
	return trace.Wrap(pool.Relay(ctx, cfg, &peekedConn{Conn: conn, r: br}, upstream.Conn))
}

func socks5CodeForEscapeError(eerr *escaper.EscapeError) byte {
	switch eerr.Kind {
	case escaper.Forbidden:
		return socks5ReplyForbidden
	case escaper.ConnectRefused:
		return socks5ReplyConnectionRefused
	case escaper.Unreachable:
		return socks5ReplyHostUnreachable
	case escaper.DnsError:
		return socks5ReplyNetworkUnreachable
	default:
		return socks5ReplyGeneralFailure
	}
}

// socks5UDPAssociate opens a UDP relay socket and holds the control
// connection open for its lifetime (spec.md §4.1: "target address of
// every datagram must equal the one announced on the control
// connection" for the simplified UDP-CONNECT variant; full UDP-ASSOCIATE
// accepts any destination per datagram). host/port are the destination
// named in the SOCKS5 request header; when h.cfg.UDPConnectOnly, they
// pin the association to that single destination (task.SocksUDPConnect).
func (h *SocksHandler) socks5UDPAssociate(ctx context.Context, conn net.Conn, t *task.Task, authedUser *user.User, host string, port uint16) error {
	if authedUser != nil {
		result := h.cfg.Users.Enforce(authedUser, time.Now(), host, int(port), string(h.Protocol()), "", clientIPOf(conn.RemoteAddr()))
		if result.Action.IsForbid() {
			writeSocks5Reply(conn, socks5ReplyForbidden, net.IPv4zero, 0)
			return trace.AccessDenied("forbidden: %s", result.Reason)
		}
	}

	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: h.udpBindIP(conn)})
	if err != nil {
		writeSocks5Reply(conn, socks5ReplyGeneralFailure, net.IPv4zero, 0)
		return trace.Wrap(err)
	}
	defer relay.Close()

	addr := relay.LocalAddr().(*net.UDPAddr)
	writeSocks5Reply(conn, socks5ReplySucceeded, addr.IP, uint16(addr.Port))
	t.SetStage(task.StageRelaying)

	associate := &udpAssociation{relay: relay, counters: &t.Counters}
	if h.cfg.UDPConnectOnly && host != "" && host != "0.0.0.0" && host != "::" {
		t.Protocol = task.SocksUDPConnect
		fixedDst, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
		if err != nil {
			return trace.Wrap(err)
		}
		associate.fixedDst = fixedDst
	}
	errc := make(chan error, 1)
	go func() { errc <- associate.run(ctx) }()

	// The control connection's lifetime bounds the association: SOCKS5
	// closes the UDP relay the moment the TCP control socket goes away.
	probe := make([]byte, 1)
	go func() {
		conn.Read(probe)
		relay.Close()
	}()

	select {
	case err := <-errc:
		return trace.Wrap(err)
	case <-ctx.Done():
		relay.Close()
		return trace.Wrap(ctx.Err())
	}
}

func (h *SocksHandler) udpBindIP(conn net.Conn) net.IP {
	if h.cfg.UDPBindIP != nil {
		return h.cfg.UDPBindIP
	}
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return net.IPv4zero
}

// udpAssociation forwards datagrams between the client's first peer and
// whatever destination each datagram names, per spec.md §4.1's
// UDP-ASSOCIATE semantics (no escaper-graph dial per destination: UDP
// relays bind directly, matching the "simplified" scope this engine
// targets for UDP).
type udpAssociation struct {
	relay      *net.UDPConn
	clientAddr *net.UDPAddr
	counters   *task.Counters
	// fixedDst, when set, is the single destination the task.SocksUDPConnect
	// variant pins this association to; datagrams naming any other
	// destination are silently dropped rather than forwarded.
	fixedDst *net.UDPAddr
}

func (a *udpAssociation) run(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := a.relay.ReadFromUDP(buf)
		if err != nil {
			return trace.Wrap(err)
		}
		if a.clientAddr == nil {
			a.clientAddr = from
		}
		if from.String() == a.clientAddr.String() {
			if err := a.forwardFromClient(buf[:n]); err != nil {
				return trace.Wrap(err)
			}
		} else {
			if err := a.forwardToClient(buf[:n], from); err != nil {
				return trace.Wrap(err)
			}
		}
	}
}

// forwardFromClient strips the SOCKS5 UDP header and sends the payload
// to the datagram's named destination.
func (a *udpAssociation) forwardFromClient(datagram []byte) error {
	if len(datagram) < 4 {
		return trace.BadParameter("udp datagram too short")
	}
	atyp := datagram[3]
	br := bufio.NewReader(bytes.NewReader(datagram[4:]))
	host, err := readSocks5Addr(br, atyp)
	if err != nil {
		return trace.Wrap(err)
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(br, portBuf); err != nil {
		return trace.BadParameter("udp datagram missing port")
	}
	port := binary.BigEndian.Uint16(portBuf)
	payload, err := io.ReadAll(br)
	if err != nil {
		return trace.Wrap(err)
	}

	dst, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return trace.Wrap(err)
	}
	if a.fixedDst != nil && dst.String() != a.fixedDst.String() {
		return nil
	}
	n, err := a.relay.WriteToUDP(payload, dst)
	if err == nil {
		a.counters.AddClientRead(int64(len(datagram)))
		a.counters.AddRemoteWrite(int64(n))
	}
	return trace.Wrap(err)
}

func (a *udpAssociation) forwardToClient(payload []byte, from *net.UDPAddr) error {
	header := socks5UDPHeader(from)
	n, err := a.relay.WriteToUDP(append(header, payload...), a.clientAddr)
	if err == nil {
		a.counters.AddRemoteRead(int64(len(payload)))
		a.counters.AddClientWrite(int64(n))
	}
	return trace.Wrap(err)
}

func socks5UDPHeader(addr *net.UDPAddr) []byte {
	header := []byte{0x00, 0x00, 0x00}
	if v4 := addr.IP.To4(); v4 != nil {
		header = append(header, socks5AddrIPv4)
		header = append(header, v4...)
	} else {
		header = append(header, socks5AddrIPv6)
		header = append(header, addr.IP.To16()...)
	}
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(addr.Port))
	return append(header, portBuf...)
}

