package escaper

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"

	"github.com/gravitational/trace"
)

// Resolver is the subset of lib/resolver.Resolver this package depends
// on, expressed locally so escaper has no import-time dependency on the
// resolver package's internals.
type Resolver interface {
	Resolve(ctx context.Context, name string, family int, resolutionDelay int64) (v4, v6 []net.IP, err error)
}

// BindSelection picks a source IP from a configured pool (spec.md §4.2
// "Bind-IP selection"): random by default, or by Request.PathIndex when
// the caller opted into egress_path_selection.
type BindSelection struct {
	IPs       []net.IP
	ByIndex   bool
}

func (b *BindSelection) pick(req *Request) net.IP {
	if len(b.IPs) == 0 {
		return nil
	}
	if b.ByIndex {
		return b.IPs[req.PathIndex%len(b.IPs)]
	}
	return b.IPs[rand.Intn(len(b.IPs))]
}

// DirectFixedConfig configures a direct_fixed escaper.
type DirectFixedConfig struct {
	NodeName string
	Resolver Resolver
	Bind     BindSelection
	Eyeballs HappyEyeballsConfig
}

func (c *DirectFixedConfig) checkAndSetDefaults() error {
	if c.NodeName == "" {
		return trace.BadParameter("direct_fixed escaper requires a node name")
	}
	if c.Resolver == nil {
		return trace.BadParameter("direct_fixed escaper %q requires a resolver", c.NodeName)
	}
	return nil
}

// DirectFixed dials the resolved upstream from a statically configured
// bind-IP pool (spec.md §4.2 "direct_fixed").
type DirectFixed struct {
	cfg DirectFixedConfig
}

// NewDirectFixed creates a DirectFixed escaper.
func NewDirectFixed(cfg DirectFixedConfig) (*DirectFixed, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DirectFixed{cfg: cfg}, nil
}

func (d *DirectFixed) Name() string { return d.cfg.NodeName }

func (d *DirectFixed) Capabilities() []Capability {
	return []Capability{CapabilityHTTPForward, CapabilityUDPConnect}
}

func (d *DirectFixed) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	return dialDirect(ctx, d.cfg.NodeName, d.cfg.Resolver, &d.cfg.Bind, d.cfg.Eyeballs, req)
}

func dialDirect(ctx context.Context, node string, resolver Resolver, bind *BindSelection, eyeballs HappyEyeballsConfig, req *Request) (*Connection, *EscapeError) {
	var v4, v6 []net.IP
	if req.ResolvedIP != nil {
		if req.ResolvedIP.To4() != nil {
			v4 = []net.IP{req.ResolvedIP}
		} else {
			v6 = []net.IP{req.ResolvedIP}
		}
	} else {
		var err error
		v4, v6, err = resolver.Resolve(ctx, req.Host, 0, int64(req.ResolutionDelay))
		if err != nil {
			return nil, &EscapeError{Kind: DnsError, Node: node, Err: err}
		}
	}
	if len(v4) == 0 && len(v6) == 0 {
		return nil, &EscapeError{Kind: DnsError, Node: node, Err: trace.NotFound("no addresses for %q", req.Host)}
	}

	ec := eyeballs
	ec.ResolutionDelay = req.ResolutionDelay
	if bindIP := bind.pick(req); bindIP != nil {
		ec.Dialer = &net.Dialer{LocalAddr: &net.TCPAddr{IP: bindIP}}
	}

	conn, peerIP, err := DialHappyEyeballs(ctx, ec, v4, v6, req.Port)
	if err != nil {
		return nil, classifyDialError(node, err)
	}
	return &Connection{Conn: conn, EscaperNode: node, PeerIP: peerIP, BindIP: bind.pick(req)}, nil
}

func classifyDialError(node string, err error) *EscapeError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &EscapeError{Kind: ConnectTimedOut, Node: node, Err: err}
	}
	return &EscapeError{Kind: Unreachable, Node: node, Err: err}
}

// DirectFloatConfig configures a direct_float escaper: identical to
// direct_fixed except the bind-IP set is replaced atomically at runtime
// via the control plane's publish operation (spec.md §4.2 "direct_float").
type DirectFloatConfig struct {
	NodeName string
	Resolver Resolver
	Eyeballs HappyEyeballsConfig
}

func (c *DirectFloatConfig) checkAndSetDefaults() error {
	if c.NodeName == "" {
		return trace.BadParameter("direct_float escaper requires a node name")
	}
	if c.Resolver == nil {
		return trace.BadParameter("direct_float escaper %q requires a resolver", c.NodeName)
	}
	return nil
}

// DirectFloat is direct_fixed with a Publish-able bind-IP set.
type DirectFloat struct {
	cfg     DirectFloatConfig
	current atomic.Pointer[BindSelection]
}

// NewDirectFloat creates a DirectFloat escaper with an initially empty
// bind set (the dialer uses the OS default source address until the
// first Publish).
func NewDirectFloat(cfg DirectFloatConfig) (*DirectFloat, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	d := &DirectFloat{cfg: cfg}
	d.current.Store(&BindSelection{})
	return d, nil
}

// Publish atomically replaces the active bind-IP set (spec.md §4.2:
// "publish command atomically replaces the active IP set").
func (d *DirectFloat) Publish(bind BindSelection) {
	d.current.Store(&bind)
}

func (d *DirectFloat) Name() string { return d.cfg.NodeName }

func (d *DirectFloat) Capabilities() []Capability {
	return []Capability{CapabilityHTTPForward, CapabilityUDPConnect}
}

func (d *DirectFloat) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	bind := d.current.Load()
	return dialDirect(ctx, d.cfg.NodeName, d.cfg.Resolver, bind, d.cfg.Eyeballs, req)
}

// DummyDeny is the terminal deny escaper (spec.md §4.2 "dummy_deny").
type DummyDeny struct {
	NodeName string
}

func (d *DummyDeny) Name() string                   { return d.NodeName }
func (d *DummyDeny) Capabilities() []Capability      { return nil }
func (d *DummyDeny) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	return nil, &EscapeError{Kind: Forbidden, Node: d.NodeName, Err: trace.AccessDenied("denied by dummy_deny")}
}
