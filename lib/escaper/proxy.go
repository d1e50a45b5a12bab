package escaper

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gravitational/trace"
	"golang.org/x/net/proxy"
)

// ProxyKind selects the next-hop protocol a chaining escaper speaks.
type ProxyKind int

const (
	ProxyHTTP ProxyKind = iota
	ProxyHTTPS
	ProxySOCKS5
	ProxySOCKS5S
)

// ProxyConfig configures a proxy_http / proxy_https / proxy_socks5 /
// proxy_socks5s escaper (spec.md §4.2 "chain through a next-hop proxy").
type ProxyConfig struct {
	NodeName  string
	Kind      ProxyKind
	NextProxy string // host:port of the next-hop proxy
	TLS       *tls.Config
	Auth      *proxy.Auth
}

func (c *ProxyConfig) checkAndSetDefaults() error {
	if c.NodeName == "" {
		return trace.BadParameter("proxy escaper requires a node name")
	}
	if c.NextProxy == "" {
		return trace.BadParameter("proxy escaper %q requires next_proxy", c.NodeName)
	}
	return nil
}

// Proxy chains the task's upstream request through a next-hop proxy.
type Proxy struct {
	cfg ProxyConfig
}

// NewProxy creates a chaining proxy escaper.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Proxy{cfg: cfg}, nil
}

func (p *Proxy) Name() string { return p.cfg.NodeName }

func (p *Proxy) Capabilities() []Capability {
	if p.cfg.Kind == ProxyHTTP || p.cfg.Kind == ProxyHTTPS {
		return []Capability{CapabilityHTTPForward}
	}
	return []Capability{CapabilityUDPAssociate}
}

func (p *Proxy) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	var conn net.Conn

	switch p.cfg.Kind {
	case ProxyHTTP, ProxyHTTPS:
		c, err := dialNextHop(ctx, p.cfg)
		if err != nil {
			return nil, &EscapeError{Kind: Unreachable, Node: p.cfg.NodeName, Err: err}
		}
		if err := sendHTTPConnect(c, req.Host, req.Port); err != nil {
			c.Close()
			return nil, &EscapeError{Kind: ConnectRefused, Node: p.cfg.NodeName, Err: err}
		}
		conn = c
	case ProxySOCKS5, ProxySOCKS5S:
		dialer, err := proxy.SOCKS5("tcp", p.cfg.NextProxy, p.cfg.Auth, proxy.Direct)
		if err != nil {
			return nil, &EscapeError{Kind: Unreachable, Node: p.cfg.NodeName, Err: err}
		}
		upstream := net.JoinHostPort(req.Host, fmt.Sprintf("%d", req.Port))
		dconn, derr := dialer.Dial("tcp", upstream)
		if derr != nil {
			return nil, &EscapeError{Kind: ConnectRefused, Node: p.cfg.NodeName, Err: derr}
		}
		conn = dconn
	}

	return &Connection{Conn: conn, EscaperNode: p.cfg.NodeName, NextProxy: p.cfg.NextProxy}, nil
}

func dialNextHop(ctx context.Context, cfg ProxyConfig) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.NextProxy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Kind == ProxyHTTPS && cfg.TLS != nil {
		tlsConn := tls.Client(conn, cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, trace.Wrap(err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

func sendHTTPConnect(conn net.Conn, host string, port uint16) error {
	target := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	req, err := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Host = target
	if err := req.Write(conn); err != nil {
		return trace.Wrap(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.ConnectionProblem(nil, "next-hop proxy CONNECT failed: %s", resp.Status)
	}
	return nil
}

// ProxyFloatConfig configures proxy_float: a chaining escaper whose
// next-hop address is published at runtime rather than configured at
// load (spec.md §4.2 "proxy_float").
type ProxyFloatConfig struct {
	NodeName string
	Kind     ProxyKind
	TLS      *tls.Config
}

func (c *ProxyFloatConfig) checkAndSetDefaults() error {
	if c.NodeName == "" {
		return trace.BadParameter("proxy_float escaper requires a node name")
	}
	return nil
}

// ProxyFloat is Proxy with a Publish-able next-hop address.
type ProxyFloat struct {
	cfg       ProxyFloatConfig
	nextProxy atomic.Pointer[string]
}

// NewProxyFloat creates a ProxyFloat escaper with no next-hop configured;
// Dial fails with Forbidden until the first Publish.
func NewProxyFloat(cfg ProxyFloatConfig) (*ProxyFloat, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ProxyFloat{cfg: cfg}, nil
}

// Publish atomically replaces the active next-hop address.
func (p *ProxyFloat) Publish(nextProxy string) {
	p.nextProxy.Store(&nextProxy)
}

func (p *ProxyFloat) Name() string { return p.cfg.NodeName }

func (p *ProxyFloat) Capabilities() []Capability {
	return []Capability{CapabilityHTTPForward}
}

func (p *ProxyFloat) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	next := p.nextProxy.Load()
	if next == nil || *next == "" {
		return nil, &EscapeError{Kind: Forbidden, Node: p.cfg.NodeName, Err: trace.NotFound("no next-hop published yet")}
	}
	inner := ProxyConfig{NodeName: p.cfg.NodeName, Kind: p.cfg.Kind, NextProxy: *next, TLS: p.cfg.TLS}
	conn, err := dialNextHop(ctx, inner)
	if err != nil {
		return nil, &EscapeError{Kind: Unreachable, Node: p.cfg.NodeName, Err: err}
	}
	if inner.Kind == ProxyHTTP || inner.Kind == ProxyHTTPS {
		if err := sendHTTPConnect(conn, req.Host, req.Port); err != nil {
			conn.Close()
			return nil, &EscapeError{Kind: ConnectRefused, Node: p.cfg.NodeName, Err: err}
		}
	}
	return &Connection{Conn: conn, EscaperNode: p.cfg.NodeName, NextProxy: *next}, nil
}
