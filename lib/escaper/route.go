package escaper

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net"
	"sort"

	"github.com/armon/go-radix"
	"github.com/gravitational/trace"
)

// routeBase is embedded by every composing node; it owns the child-name
// list the Graph uses for cycle validation.
type routeBase struct {
	name     string
	children []string
}

func (r *routeBase) Name() string            { return r.name }
func (r *routeBase) Children() []string       { return r.children }
func (r *routeBase) Capabilities() []Capability { return []Capability{CapabilityPathSelection} }

// --- route_upstream -------------------------------------------------

// UpstreamRule is one match arm of a route_upstream escaper, in
// decreasing priority as documented in spec.md §4.2: exact host, subnet
// (IP literal only), wildcard child-domain, radix domain-suffix.
type UpstreamRoute struct {
	routeBase
	graph *Graph

	exact     map[string]string
	subnets   []subnetRule
	wildcards *radix.Tree // reversed-label domain -> child name
	defaultNext string
}

type subnetRule struct {
	net   *net.IPNet
	child string
}

// UpstreamRouteConfig builds an UpstreamRoute.
type UpstreamRouteConfig struct {
	NodeName    string
	Graph       *Graph
	Exact       map[string]string
	Subnets     map[string]string // CIDR -> child
	Wildcards   map[string]string // "example.com" -> child, matches *.example.com
	DefaultNext string
}

// NewUpstreamRoute creates a route_upstream node.
func NewUpstreamRoute(cfg UpstreamRouteConfig) (*UpstreamRoute, error) {
	if cfg.NodeName == "" {
		return nil, trace.BadParameter("route_upstream requires a node name")
	}
	if cfg.DefaultNext == "" {
		return nil, trace.BadParameter("route_upstream %q requires default_next", cfg.NodeName)
	}

	children := map[string]struct{}{cfg.DefaultNext: {}}
	for _, c := range cfg.Exact {
		children[c] = struct{}{}
	}

	u := &UpstreamRoute{
		routeBase:   routeBase{name: cfg.NodeName},
		graph:       cfg.Graph,
		exact:       cfg.Exact,
		wildcards:   radix.New(),
		defaultNext: cfg.DefaultNext,
	}

	for cidr, child := range cfg.Subnets {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, trace.BadParameter("route_upstream %q: bad subnet %q: %v", cfg.NodeName, cidr, err)
		}
		u.subnets = append(u.subnets, subnetRule{net: ipNet, child: child})
		children[child] = struct{}{}
	}
	// Longest mask first so the first subnet match is also the most
	// specific one.
	sort.Slice(u.subnets, func(i, j int) bool {
		si, _ := u.subnets[i].net.Mask.Size()
		sj, _ := u.subnets[j].net.Mask.Size()
		return si > sj
	})

	for domain, child := range cfg.Wildcards {
		u.wildcards.Insert(reverseDomainLabels(domain)+".", child)
		children[child] = struct{}{}
	}

	names := make([]string, 0, len(children))
	for c := range children {
		names = append(names, c)
	}
	sort.Strings(names)
	u.children = names

	return u, nil
}

func (u *UpstreamRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	child := u.defaultNext
	if c, ok := u.exact[req.Host]; ok {
		child = c
	} else if ip := net.ParseIP(req.Host); ip != nil {
		for _, s := range u.subnets {
			if s.net.Contains(ip) {
				child = s.child
				break
			}
		}
	} else if prefix, v, ok := u.wildcards.LongestPrefix(reverseDomainLabels(req.Host) + "."); ok {
		_ = prefix
		child = v.(string)
	}
	return u.dispatch(ctx, child, req)
}

func (u *UpstreamRoute) dispatch(ctx context.Context, childName string, req *Request) (*Connection, *EscapeError) {
	child, ok := u.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: u.name, Err: trace.NotFound("child %q not found", childName)}
	}
	return child.Dial(ctx, req)
}

func reverseDomainLabels(domain string) string {
	labels := splitDomain(domain)
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "."
		}
		out += l
	}
	return out
}

func splitDomain(domain string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(domain); i++ {
		if domain[i] == '.' {
			labels = append(labels, domain[start:i])
			start = i + 1
		}
	}
	labels = append(labels, domain[start:])
	return labels
}

// --- route_client -----------------------------------------------------

// ClientRoute picks a child by exact client IP or longest-prefix match on
// client subnet (spec.md §4.2 "route_client").
type ClientRoute struct {
	routeBase
	graph *Graph

	exact       map[string]string
	subnets     []subnetRule
	defaultNext string
}

// ClientRouteConfig builds a ClientRoute.
type ClientRouteConfig struct {
	NodeName    string
	Graph       *Graph
	Exact       map[string]string
	Subnets     map[string]string
	DefaultNext string
}

// NewClientRoute creates a route_client node.
func NewClientRoute(cfg ClientRouteConfig) (*ClientRoute, error) {
	if cfg.NodeName == "" {
		return nil, trace.BadParameter("route_client requires a node name")
	}
	if cfg.DefaultNext == "" {
		return nil, trace.BadParameter("route_client %q requires default_next", cfg.NodeName)
	}
	c := &ClientRoute{routeBase: routeBase{name: cfg.NodeName}, graph: cfg.Graph, exact: cfg.Exact, defaultNext: cfg.DefaultNext}

	children := map[string]struct{}{cfg.DefaultNext: {}}
	for _, child := range cfg.Exact {
		children[child] = struct{}{}
	}
	for cidr, child := range cfg.Subnets {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, trace.BadParameter("route_client %q: bad subnet %q: %v", cfg.NodeName, cidr, err)
		}
		c.subnets = append(c.subnets, subnetRule{net: ipNet, child: child})
		children[child] = struct{}{}
	}
	sort.Slice(c.subnets, func(i, j int) bool {
		si, _ := c.subnets[i].net.Mask.Size()
		sj, _ := c.subnets[j].net.Mask.Size()
		return si > sj
	})

	names := make([]string, 0, len(children))
	for n := range children {
		names = append(names, n)
	}
	sort.Strings(names)
	c.children = names
	return c, nil
}

func (c *ClientRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	childName := c.defaultNext
	if req.ClientIP != nil {
		if name, ok := c.exact[req.ClientIP.String()]; ok {
			childName = name
		} else {
			for _, s := range c.subnets {
				if s.net.Contains(req.ClientIP) {
					childName = s.child
					break
				}
			}
		}
	}
	child, ok := c.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: c.name, Err: trace.NotFound("child %q not found", childName)}
	}
	return child.Dial(ctx, req)
}

// --- route_mapping ------------------------------------------------------

// MappingRoute picks a child by a user-provided 1-based index, wrapping
// (spec.md §4.2 "route_mapping").
type MappingRoute struct {
	routeBase
	graph *Graph
}

// NewMappingRoute creates a route_mapping node over children, in order.
func NewMappingRoute(nodeName string, graph *Graph, children []string) (*MappingRoute, error) {
	if nodeName == "" {
		return nil, trace.BadParameter("route_mapping requires a node name")
	}
	if len(children) == 0 {
		return nil, trace.BadParameter("route_mapping %q requires at least one child", nodeName)
	}
	return &MappingRoute{routeBase: routeBase{name: nodeName, children: children}, graph: graph}, nil
}

func (m *MappingRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	idx := req.PathIndex - 1
	if idx < 0 {
		idx = 0
	}
	idx %= len(m.children)
	childName := m.children[idx]
	child, ok := m.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: m.name, Err: trace.NotFound("child %q not found", childName)}
	}
	return child.Dial(ctx, req)
}

// --- route_select ---------------------------------------------------

// SelectAlgorithm is one of the weighted-selection strategies spec.md
// §4.2 names for route_select.
type SelectAlgorithm int

const (
	SelectKetama SelectAlgorithm = iota
	SelectRendezvous
	SelectJump
	SelectRandom
)

type weightedChild struct {
	name   string
	weight int
}

// SelectRoute picks one of weighted children by a consistent-hash-like
// strategy keyed on `<client-ip>[-<user>]-<upstream-host>` (spec.md
// §4.2 "route_select").
type SelectRoute struct {
	routeBase
	graph     *Graph
	algorithm SelectAlgorithm
	weighted  []weightedChild
	totalW    int
}

// SelectRouteConfig builds a SelectRoute.
type SelectRouteConfig struct {
	NodeName  string
	Graph     *Graph
	Algorithm SelectAlgorithm
	Children  map[string]int // name -> weight
}

// NewSelectRoute creates a route_select node.
func NewSelectRoute(cfg SelectRouteConfig) (*SelectRoute, error) {
	if cfg.NodeName == "" {
		return nil, trace.BadParameter("route_select requires a node name")
	}
	if len(cfg.Children) == 0 {
		return nil, trace.BadParameter("route_select %q requires at least one child", cfg.NodeName)
	}
	s := &SelectRoute{routeBase: routeBase{name: cfg.NodeName}, graph: cfg.Graph, algorithm: cfg.Algorithm}
	names := make([]string, 0, len(cfg.Children))
	for name, weight := range cfg.Children {
		if weight <= 0 {
			weight = 1
		}
		s.weighted = append(s.weighted, weightedChild{name: name, weight: weight})
		s.totalW += weight
		names = append(names, name)
	}
	sort.Slice(s.weighted, func(i, j int) bool { return s.weighted[i].name < s.weighted[j].name })
	sort.Strings(names)
	s.children = names
	return s, nil
}

func selectKey(req *Request) string {
	key := req.ClientIP.String()
	if req.User != "" {
		key += "-" + req.User
	}
	return key + "-" + req.Host
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func (s *SelectRoute) pick(req *Request) string {
	key := selectKey(req)
	switch s.algorithm {
	case SelectRandom:
		r := rand.New(rand.NewSource(int64(fnvHash(key))))
		n := r.Intn(s.totalW)
		for _, w := range s.weighted {
			if n < w.weight {
				return w.name
			}
			n -= w.weight
		}
		return s.weighted[len(s.weighted)-1].name
	case SelectJump:
		return s.weighted[jumpHash(fnvHash(key), len(s.weighted))].name
	case SelectRendezvous:
		var best weightedChild
		var bestScore uint64
		for i, w := range s.weighted {
			score := fnvHash(fmt.Sprintf("%s|%s", key, w.name))
			if i == 0 || score > bestScore {
				best, bestScore = w, score
			}
		}
		return best.name
	default: // SelectKetama: stable hash-ring lookup over sorted hash points
		h := fnvHash(key)
		best := s.weighted[0]
		bestDist := ^uint64(0)
		for _, w := range s.weighted {
			wh := fnvHash(w.name)
			dist := wh - h
			if wh < h {
				dist = h - wh
			}
			if dist < bestDist {
				best, bestDist = w, dist
			}
		}
		return best.name
	}
}

// jumpHash implements Lamping/Veach jump consistent hashing.
func jumpHash(key uint64, numBuckets int) int {
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

func (s *SelectRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	childName := s.pick(req)
	child, ok := s.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: s.name, Err: trace.NotFound("child %q not found", childName)}
	}
	return child.Dial(ctx, req)
}

// --- trick_float ------------------------------------------------------

// TrickFloat is probabilistic A/B selection among children (spec.md
// §4.2 "trick_float").
type TrickFloat struct {
	routeBase
	graph    *Graph
	weighted []weightedChild
	totalW   int
}

// NewTrickFloat creates a trick_float node over name->weight children.
func NewTrickFloat(nodeName string, graph *Graph, children map[string]int) (*TrickFloat, error) {
	if nodeName == "" {
		return nil, trace.BadParameter("trick_float requires a node name")
	}
	if len(children) == 0 {
		return nil, trace.BadParameter("trick_float %q requires at least one child", nodeName)
	}
	tf := &TrickFloat{routeBase: routeBase{name: nodeName}, graph: graph}
	names := make([]string, 0, len(children))
	for name, weight := range children {
		if weight <= 0 {
			weight = 1
		}
		tf.weighted = append(tf.weighted, weightedChild{name: name, weight: weight})
		tf.totalW += weight
		names = append(names, name)
	}
	sort.Strings(names)
	tf.children = names
	return tf, nil
}

func (tf *TrickFloat) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	n := rand.Intn(tf.totalW)
	childName := tf.weighted[len(tf.weighted)-1].name
	for _, w := range tf.weighted {
		if n < w.weight {
			childName = w.name
			break
		}
		n -= w.weight
	}
	child, ok := tf.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: tf.name, Err: trace.NotFound("child %q not found", childName)}
	}
	return child.Dial(ctx, req)
}
