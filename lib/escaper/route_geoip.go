package escaper

import (
	"context"
	"net"
	"sort"

	"github.com/gravitational/trace"
)

// GeoInfo is what a lib/audit-owned IP-location lookup returns for one
// address; route_geoip matches against these fields (spec.md §4.2
// "route_geoip").
type GeoInfo struct {
	Country   string
	Continent string
	ASN       uint32
}

// GeoIPLookup is the minimal shape route_geoip needs from the
// IP-location database.
type GeoIPLookup interface {
	Lookup(ip net.IP) (GeoInfo, error)
}

// GeoRoute matches the resolved upstream IP's country, continent, ASN,
// or subnet (spec.md §4.2 "route_geoip").
type GeoRoute struct {
	routeBase
	graph       *Graph
	resolver    Resolver
	geo         GeoIPLookup
	byCountry   map[string]string
	byContinent map[string]string
	byASN       map[uint32]string
	subnets     []subnetRule
	defaultNext string
}

// GeoRouteConfig builds a GeoRoute.
type GeoRouteConfig struct {
	NodeName    string
	Graph       *Graph
	Resolver    Resolver
	Geo         GeoIPLookup
	ByCountry   map[string]string
	ByContinent map[string]string
	ByASN       map[uint32]string
	Subnets     map[string]string
	DefaultNext string
}

// NewGeoRoute creates a route_geoip node.
func NewGeoRoute(cfg GeoRouteConfig) (*GeoRoute, error) {
	if cfg.NodeName == "" {
		return nil, trace.BadParameter("route_geoip requires a node name")
	}
	if cfg.DefaultNext == "" {
		return nil, trace.BadParameter("route_geoip %q requires default_next", cfg.NodeName)
	}
	if cfg.Resolver == nil || cfg.Geo == nil {
		return nil, trace.BadParameter("route_geoip %q requires a resolver and a geoip lookup", cfg.NodeName)
	}
	g := &GeoRoute{
		routeBase:   routeBase{name: cfg.NodeName},
		graph:       cfg.Graph,
		resolver:    cfg.Resolver,
		geo:         cfg.Geo,
		byCountry:   cfg.ByCountry,
		byContinent: cfg.ByContinent,
		byASN:       cfg.ByASN,
		defaultNext: cfg.DefaultNext,
	}
	children := map[string]struct{}{cfg.DefaultNext: {}}
	for _, c := range cfg.ByCountry {
		children[c] = struct{}{}
	}
	for _, c := range cfg.ByContinent {
		children[c] = struct{}{}
	}
	for _, c := range cfg.ByASN {
		children[c] = struct{}{}
	}
	for cidr, child := range cfg.Subnets {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, trace.BadParameter("route_geoip %q: bad subnet %q: %v", cfg.NodeName, cidr, err)
		}
		g.subnets = append(g.subnets, subnetRule{net: ipNet, child: child})
		children[child] = struct{}{}
	}
	sort.Slice(g.subnets, func(i, j int) bool {
		si, _ := g.subnets[i].net.Mask.Size()
		sj, _ := g.subnets[j].net.Mask.Size()
		return si > sj
	})
	names := make([]string, 0, len(children))
	for n := range children {
		names = append(names, n)
	}
	sort.Strings(names)
	g.children = names
	return g, nil
}

func (g *GeoRoute) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	v4, v6, err := g.resolver.Resolve(ctx, req.Host, 0, 0)
	if err != nil {
		return nil, &EscapeError{Kind: DnsError, Node: g.name, Err: err}
	}
	ip := firstOf(v4, v6)
	if ip == nil {
		return nil, &EscapeError{Kind: DnsError, Node: g.name, Err: trace.NotFound("no addresses for %q", req.Host)}
	}

	childName := g.defaultNext
	for _, s := range g.subnets {
		if s.net.Contains(ip) {
			childName = s.child
			break
		}
	}
	if childName == g.defaultNext {
		if info, err := g.geo.Lookup(ip); err == nil {
			if c, ok := g.byASN[info.ASN]; ok {
				childName = c
			} else if c, ok := g.byCountry[info.Country]; ok {
				childName = c
			} else if c, ok := g.byContinent[info.Continent]; ok {
				childName = c
			}
		}
	}

	child, ok := g.graph.Node(childName)
	if !ok {
		return nil, &EscapeError{Kind: Unreachable, Node: g.name, Err: trace.NotFound("child %q not found", childName)}
	}
	sub := *req
	sub.ResolvedIP = ip
	return child.Dial(ctx, &sub)
}
