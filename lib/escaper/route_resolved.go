package escaper

import (
	"context"
	"net"
	"sort"

	"github.com/gravitational/trace"
)

// ResolvedRoute resolves the upstream host, then longest-prefix-matches
// the winning IP against configured subnets (spec.md §4.2
// "route_resolved"). ResolutionDelay governs the Happy-Eyeballs tie
// break exactly as for a direct escaper: if both families return
// addresses, the family that would be tried first under Happy Eyeballs
// supplies the match candidate.
type ResolvedRoute struct {
	routeBase
	graph       *Graph
	resolver    Resolver
	subnets     []subnetRule
	defaultNext string
	resolutionDelay int64
}

// ResolvedRouteConfig builds a ResolvedRoute.
type ResolvedRouteConfig struct {
	NodeName        string
	Graph           *Graph
	Resolver        Resolver
	Subnets         map[string]string
	DefaultNext     string
	ResolutionDelayMillis int64
}

// NewResolvedRoute creates a route_resolved node.
func NewResolvedRoute(cfg ResolvedRouteConfig) (*ResolvedRoute, error) {
	if cfg.NodeName == "" {
		return nil, trace.BadParameter("route_resolved requires a node name")
	}
	if cfg.DefaultNext == "" {
		return nil, trace.BadParameter("route_resolved %q requires default_next", cfg.NodeName)
	}
	if cfg.Resolver == nil {
		return nil, trace.BadParameter("route_resolved %q requires a resolver", cfg.NodeName)
	}
	r := &ResolvedRoute{
		routeBase:       routeBase{name: cfg.NodeName},
		graph:           cfg.Graph,
		resolver:        cfg.Resolver,
		defaultNext:     cfg.DefaultNext,
		resolutionDelay: cfg.ResolutionDelayMillis,
	}
	children := map[string]struct{}{cfg.DefaultNext: {}}
	for cidr, child := range cfg.Subnets {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, trace.BadParameter("route_resolved %q: bad subnet %q: %v", cfg.NodeName, cidr, err)
		}
		r.subnets = append(r.subnets, subnetRule{net: ipNet, child: child})
		children[child] = struct{}{}
	}
	sort.Slice(r.subnets, func(i, j int) bool {
		si, _ := r.subnets[i].net.Mask.Size()
		sj, _ := r.subnets[j].net.Mask.Size()
		return si > sj
	})
	names := make([]string, 0, len(children))
	for n := range children {
		names = append(names, n)
	}
	sort.Strings(names)
	r.children = names
	return r, nil
}

func (r *ResolvedRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	v4, v6, err := r.resolver.Resolve(ctx, req.Host, 0, r.resolutionDelay)
	if err != nil {
		return nil, &EscapeError{Kind: DnsError, Node: r.name, Err: err}
	}
	candidate := firstOf(v4, v6)
	if candidate == nil {
		return nil, &EscapeError{Kind: DnsError, Node: r.name, Err: trace.NotFound("no addresses for %q", req.Host)}
	}

	childName := r.defaultNext
	for _, s := range r.subnets {
		if s.net.Contains(candidate) {
			childName = s.child
			break
		}
	}

	child, ok := r.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: r.name, Err: trace.NotFound("child %q not found", childName)}
	}
	sub := *req
	sub.ResolvedIP = candidate
	return child.Dial(ctx, &sub)
}

func firstOf(v4, v6 []net.IP) net.IP {
	if len(v4) > 0 {
		return v4[0]
	}
	if len(v6) > 0 {
		return v6[0]
	}
	return nil
}
