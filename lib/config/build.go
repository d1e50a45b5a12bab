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

package config

import (
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/escaper"
	"github.com/bytedance/g3proxy/lib/logs"
	"github.com/bytedance/g3proxy/lib/metrics"
	"github.com/bytedance/g3proxy/lib/resolver"
	"github.com/bytedance/g3proxy/lib/user"
)

// directFixedParams is the "params" shape for an escaper of type
// direct_fixed, decoded from EscaperConfig.Params.
type directFixedParams struct {
	BindIPs []string `yaml:"bind_ips"`
	ByIndex bool     `yaml:"bind_by_index"`
}

// proxyParams is the "params" shape for proxy_http/proxy_socks5 escapers.
type proxyParams struct {
	Kind      string `yaml:"kind"` // http, https, socks5, socks5s
	NextProxy string `yaml:"next_proxy"`
}

// buildDriver constructs the single resolver.Driver named by one
// ResolverConfig entry. Kind selects the implementation: "deny-all"
// builds resolver.DenyAllDriver (a resolver node that refuses every
// query, for escaper graphs that must never touch the network);
// anything else (including the default "", "c-ares" and its "hickory"
// alias - this engine carries no separate hickory-style driver, so the
// name is accepted and mapped onto the same c-ares-style DNSDriver)
// builds resolver.NewDNSDriver. Every DNSDriver gets a resolve-channel
// logger so lookup failures reach the resolve log (spec.md §4.7).
func buildDriver(cfg ResolverConfig, log logrus.FieldLogger, resolveLog *logs.Logger) resolver.Driver {
	switch cfg.Kind {
	case "deny-all", "deny_all":
		return resolver.DenyAllDriver{}
	default:
		return resolver.NewDNSDriver(resolver.DNSDriverConfig{
			Name:           cfg.Name,
			Servers:        cfg.Servers,
			AttemptTimeout: cfg.Timeout,
			Log:            log.WithField("resolver", cfg.Name),
			ResolveLog:     resolveLog,
		})
	}
}

// BuildResolver turns the first configured resolver into a running
// resolver.Resolver: a c-ares-style DNS driver behind a caching,
// singleflight-coalescing front, matching lib/resolver's layering
// (spec.md §4.3). Additional resolvers beyond the first become failover
// standbys in declaration order. reg instruments every driver with the
// resolver.query.driver.* counters of spec.md §4.7; a nil reg disables
// instrumentation.
func BuildResolver(cfgs []ResolverConfig, log logrus.FieldLogger, reg *metrics.Registry) (resolver.Resolver, error) {
	if len(cfgs) == 0 {
		return nil, trace.BadParameter("at least one resolver must be configured")
	}
	resolveLog := logs.New(log, logs.ChannelResolve, "resolver")

	driver := resolver.NewInstrumentedDriver(buildDriver(cfgs[0], log, resolveLog), reg, cfgs[0].Name)

	for _, standbyCfg := range cfgs[1:] {
		standby := resolver.NewInstrumentedDriver(buildDriver(standbyCfg, log, resolveLog), reg, standbyCfg.Name)
		driver = resolver.NewFailOverDriver(resolver.FailOverConfig{
			Primary: driver,
			Standby: standby,
			Timeout: standbyCfg.Timeout,
		})
	}

	return resolver.NewCachingResolver(resolver.CacheConfig{Driver: driver})
}

// BuildGraph constructs the escaper graph's nodes from their declared
// kind and params (spec.md §4.2). Chaining route kinds (select_route,
// failover_route, ...) are built by a later pass once every leaf node
// exists, so graph construction is two-phase: leaves first, then
// composites that reference them by name. Every node is wrapped by
// escaper.Instrument, giving it the escape.connection.* counters of
// spec.md §4.7 and an escape-channel log record on dial failure; reg
// and escLog may be nil to disable either independently.
//
// Only direct_fixed, direct_float, proxy_* and dummy_deny leaf kinds are
// built from declarative YAML here; richer composition (route
// selection, geo routing, query routing) is wired programmatically by
// operators embedding this engine as a library, the same way g3proxy's
// own upstream does for anything past simple static topologies.
func BuildGraph(cfgs []EscaperConfig, res resolver.Resolver, reg *metrics.Registry, escLog *logs.Logger) (*escaper.Graph, error) {
	adapter := &escaper.ResolverAdapter{Resolver: res}

	nodes := make(map[string]escaper.Node, len(cfgs))
	for _, c := range cfgs {
		node, err := buildLeafNode(c, adapter)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		nodes[c.Name] = escaper.Instrument(node, reg, escLog)
	}
	return escaper.NewGraph(nodes)
}

func buildLeafNode(c EscaperConfig, adapter escaper.Resolver) (escaper.Node, error) {
	switch c.Kind {
	case "direct_fixed":
		var p directFixedParams
		if err := c.Params.Decode(&p); err != nil {
			return nil, trace.Wrap(err, "decoding params for escaper %q", c.Name)
		}
		bind := escaper.BindSelection{ByIndex: p.ByIndex}
		for _, raw := range p.BindIPs {
			if ip := net.ParseIP(raw); ip != nil {
				bind.IPs = append(bind.IPs, ip)
			}
		}
		return escaper.NewDirectFixed(escaper.DirectFixedConfig{
			NodeName: c.Name,
			Resolver: adapter,
			Bind:     bind,
		})

	case "direct_float":
		return escaper.NewDirectFloat(escaper.DirectFloatConfig{
			NodeName: c.Name,
			Resolver: adapter,
		})

	case "proxy_http", "proxy_https", "proxy_socks5", "proxy_socks5s":
		var p proxyParams
		if err := c.Params.Decode(&p); err != nil {
			return nil, trace.Wrap(err, "decoding params for escaper %q", c.Name)
		}
		return escaper.NewProxy(escaper.ProxyConfig{
			NodeName:  c.Name,
			Kind:      proxyKindFor(c.Kind),
			NextProxy: p.NextProxy,
		})

	case "proxy_float":
		var p proxyParams
		if err := c.Params.Decode(&p); err != nil {
			return nil, trace.Wrap(err, "decoding params for escaper %q", c.Name)
		}
		return escaper.NewProxyFloat(escaper.ProxyFloatConfig{
			NodeName: c.Name,
			Kind:     proxyKindFor("proxy_" + p.Kind),
		})

	case "dummy_deny":
		return &escaper.DummyDeny{NodeName: c.Name}, nil

	default:
		return nil, trace.BadParameter("escaper %q: unsupported type %q for declarative construction", c.Name, c.Kind)
	}
}

func proxyKindFor(kind string) escaper.ProxyKind {
	switch kind {
	case "proxy_https":
		return escaper.ProxyHTTPS
	case "proxy_socks5":
		return escaper.ProxySOCKS5
	case "proxy_socks5s":
		return escaper.ProxySOCKS5S
	default:
		return escaper.ProxyHTTP
	}
}

// buildUserACLs turns a static user's allowed-domain/allowed-subnet/port
// lists into the HostACL and PortACL pair user.Enforce checks (spec.md
// §4.5). Empty inputs leave the corresponding ACL nil, meaning "no
// restriction" - user.Enforce skips a nil ACL entirely.
func buildUserACLs(domains, subnets []string, portACL string) (host, port *user.ACL, err error) {
	if len(domains) > 0 || len(subnets) > 0 {
		host = user.NewACL(user.Forbid)
		for _, d := range domains {
			host.AddWildcardDomain(d, user.Permit)
		}
		for _, cidr := range subnets {
			if err := host.AddSubnet(cidr, user.Permit); err != nil {
				return nil, nil, trace.Wrap(err, "invalid subnet %q", cidr)
			}
		}
	}
	if portACL != "" {
		port = user.NewACL(user.Forbid)
		for _, raw := range strings.Split(portACL, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if _, convErr := strconv.Atoi(raw); convErr != nil {
				return nil, nil, trace.BadParameter("invalid port %q in port_acl", raw)
			}
			port.AddExact(raw, user.Permit)
		}
	}
	return host, port, nil
}

// BuildStaticUsers turns a list of StaticUserConfig into user.Users,
// shared between BuildUserGroup's own config-driven path and the
// control-plane publish RPC's dynamic-user path (spec.md §4.9
// "publish"), so both construct users identically.
func BuildStaticUsers(cfgs []StaticUserConfig) ([]*user.User, error) {
	users := make([]*user.User, 0, len(cfgs))
	for _, sc := range cfgs {
		u, err := buildStaticUser(sc.Name, sc)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		users = append(users, u)
	}
	return users, nil
}

func buildStaticUser(name string, sc StaticUserConfig) (*user.User, error) {
	host, port, err := buildUserACLs(sc.AllowedDomains, sc.AllowedSubnets, sc.PortACL)
	if err != nil {
		return nil, trace.Wrap(err, "user %q", name)
	}
	return &user.User{
		Name:       name,
		Credential: user.Credential{Kind: sc.CredentialKind, Hash: sc.CredentialHash},
		HostACL:    host,
		PortACL:    port,
		Quotas: user.Quotas{
			TCPSocketBytesPerSecond: sc.TCPSocketBytesPerSecond,
			RequestsPerSecond:       sc.RequestsPerSecond,
			RequestBurst:            sc.RequestBurst,
			MaxAliveRequests:        sc.MaxAliveRequests,
		},
	}, nil
}

// BuildUserGroup constructs a user.Group from one configured user_group
// (spec.md §4.5): the group-level AllowedDomains/AllowedSubnets/PortACL
// fields become its anonymous catch-all user (named "", matched by
// user.Lookup when a client presents no credential), and each entry of
// Users becomes a named, credentialed static user alongside it. reg
// wires the group's forbidden_total counter (spec.md §4.7); log scopes
// its refresh-failure warnings.
func BuildUserGroup(cfg UserGroupConfig, reg *metrics.Registry, log logrus.FieldLogger) (*user.Group, error) {
	anonHost, anonPort, err := buildUserACLs(cfg.AllowedDomains, cfg.AllowedSubnets, cfg.PortACL)
	if err != nil {
		return nil, trace.Wrap(err, "user_group %q", cfg.Name)
	}
	namedUsers, err := BuildStaticUsers(cfg.Users)
	if err != nil {
		return nil, trace.Wrap(err, "user_group %q", cfg.Name)
	}
	staticUsers := append([]*user.User{{Name: "", HostACL: anonHost, PortACL: anonPort}}, namedUsers...)

	groupCfg := user.GroupConfig{
		Name:            cfg.Name,
		RefreshInterval: cfg.RefreshInterval,
		CacheFile:       cfg.CacheFile,
		Log:             log.WithField("user_group", cfg.Name),
		Metrics:         reg,
	}
	if cfg.SourcePath != "" {
		groupCfg.Source = &user.FileSource{SourcePath: cfg.SourcePath, CachePath: cfg.CacheFile}
	}
	return user.NewGroup(groupCfg, staticUsers)
}
