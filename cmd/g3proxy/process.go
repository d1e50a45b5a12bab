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

package main

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/audit"
	"github.com/bytedance/g3proxy/lib/config"
	"github.com/bytedance/g3proxy/lib/control"
	"github.com/bytedance/g3proxy/lib/escaper"
	"github.com/bytedance/g3proxy/lib/logs"
	"github.com/bytedance/g3proxy/lib/metrics"
	"github.com/bytedance/g3proxy/lib/pool"
	"github.com/bytedance/g3proxy/lib/resolver"
	"github.com/bytedance/g3proxy/lib/server"
	"github.com/bytedance/g3proxy/lib/task"
	"github.com/bytedance/g3proxy/lib/user"
)

// process owns every running listener, the escaper graph and resolver
// they dial through, and the control-plane socket that can drain or
// inspect them - the same role lib/service.TeleportProcess plays in the
// teacher, scaled down to this engine's simpler single-graph topology.
type process struct {
	log     logrus.FieldLogger
	metrics *metrics.Registry

	mu              sync.Mutex
	resolver        resolver.Resolver
	graph           *escaper.Graph
	listeners       []*server.Listener
	masqueListeners []*server.MasqueListener
	icapPools       []*pool.Pool
	auditors        map[string]*audit.Auditor
	users           map[string]*user.Group
	control         *control.Server
}

func newProcess(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*process, error) {
	p := &process{
		log:     log,
		metrics: metrics.New(),
	}
	if err := p.build(cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	ctrl, err := control.New(control.Config{SocketPath: cfg.Control.SocketPath, Log: log.WithField("component", "control")})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	wireControl(ctrl, p)
	p.control = ctrl

	return p, nil
}

// build constructs the resolver, escaper graph, user groups, auditors
// and listeners described by cfg, replacing any previous ones. Existing
// listeners are left running; callers that want a restart should call
// shutdown first.
func (p *process) build(cfg *config.Config) error {
	res, err := config.BuildResolver(cfg.Resolvers, p.log, p.metrics)
	if err != nil {
		return trace.Wrap(err)
	}

	escLog := logs.New(p.log, logs.ChannelEscape, "escaper")
	graph, err := config.BuildGraph(cfg.Escapers, res, p.metrics, escLog)
	if err != nil {
		return trace.Wrap(err)
	}

	users := make(map[string]*user.Group, len(cfg.Users))
	for _, uc := range cfg.Users {
		g, err := config.BuildUserGroup(uc, p.metrics, p.log)
		if err != nil {
			return trace.Wrap(err, "building user_group %q", uc.Name)
		}
		users[uc.Name] = g
	}

	var icapPools []*pool.Pool
	auditors := make(map[string]*audit.Auditor, len(cfg.Auditors))
	for _, ac := range cfg.Auditors {
		a, pools, err := p.buildAuditor(ac)
		if err != nil {
			return trace.Wrap(err, "building auditor %q", ac.Name)
		}
		auditors[ac.Name] = a
		icapPools = append(icapPools, pools...)
	}

	listeners := make([]*server.Listener, 0, len(cfg.Servers))
	var masqueListeners []*server.MasqueListener
	for _, sc := range cfg.Servers {
		entry, ok := graph.Node(sc.EscaperName)
		if !ok {
			return trace.BadParameter("server %q: escaper %q not found", sc.Name, sc.EscaperName)
		}

		var userGroup *user.Group
		if sc.UserGroupName != "" {
			userGroup, ok = users[sc.UserGroupName]
			if !ok {
				return trace.BadParameter("server %q references unknown user_group %q", sc.Name, sc.UserGroupName)
			}
		}
		var auditor *audit.Auditor
		if sc.AuditorName != "" {
			auditor, ok = auditors[sc.AuditorName]
			if !ok {
				return trace.BadParameter("server %q references unknown auditor %q", sc.Name, sc.AuditorName)
			}
		}

		if sc.Type == "masque" {
			ml, err := p.buildMasqueListener(sc, entry)
			if err != nil {
				return trace.Wrap(err, "building server %q", sc.Name)
			}
			masqueListeners = append(masqueListeners, ml)
			continue
		}

		ln, err := p.buildListener(sc, entry, userGroup, auditor)
		if err != nil {
			return trace.Wrap(err, "building server %q", sc.Name)
		}
		listeners = append(listeners, ln)
	}

	p.mu.Lock()
	p.resolver = res
	p.graph = graph
	p.users = users
	p.auditors = auditors
	p.icapPools = icapPools
	p.listeners = listeners
	p.masqueListeners = masqueListeners
	p.mu.Unlock()
	return nil
}

// copyConfigFor builds the pool.CopyConfig a listener's handlers relay
// through, applying its per-socket byte-rate cap (spec.md §4.6).
func copyConfigFor(sc config.ServerConfig) pool.CopyConfig {
	return pool.CopyConfig{
		ClientLimiter: &pool.TieredLimiter{Socket: pool.NewLimiter(sc.TCPSocketBytesPerSecond)},
		RemoteLimiter: &pool.TieredLimiter{Socket: pool.NewLimiter(sc.TCPSocketBytesPerSecond)},
	}
}

func (p *process) buildListener(sc config.ServerConfig, entry escaper.Node, userGroup *user.Group, auditor *audit.Auditor) (*server.Listener, error) {
	upstream := server.NewUpstreamResolver(entry)
	copyCfg := copyConfigFor(sc)

	var handlers []server.Handler
	switch sc.Type {
	case "http_proxy":
		// http_proxy speaks both plain forward requests and CONNECT
		// tunnels on the same listener; each needs its own Handler since
		// Listener dispatches by the single task.Protocol a Handler
		// claims via Protocol().
		forward, err := server.NewHTTPHandler(server.HTTPHandlerConfig{
			Proto: task.HTTPForward, Upstream: upstream, Copy: copyCfg, Users: userGroup, Auditor: auditor,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		connect, err := server.NewHTTPHandler(server.HTTPHandlerConfig{
			Proto: task.HTTPConnect, Upstream: upstream, Copy: copyCfg, Users: userGroup, Auditor: auditor,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		handlers = []server.Handler{forward, connect}

	case "https_forward", "easy_proxy", "ftp_over_http":
		h, err := server.NewHTTPHandler(server.HTTPHandlerConfig{
			Proto: protocolFor(sc.Type), Upstream: upstream, Copy: copyCfg, Users: userGroup, Auditor: auditor,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		handlers = []server.Handler{h}

	case "socks_proxy":
		h, err := server.NewSocksHandler(server.SocksHandlerConfig{
			Upstream:           upstream,
			Copy:               copyCfg,
			EnableUDPAssociate: sc.EnableUDPAssociate,
			UDPConnectOnly:     sc.UDPConnectOnly,
			Users:              userGroup,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		handlers = []server.Handler{h}

	case "tls_stream":
		h, err := server.NewStreamHandler(server.StreamHandlerConfig{Proto: task.TLSStream, Upstream: upstream, Copy: copyCfg})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		handlers = []server.Handler{h}

	case "sni_proxy":
		h, err := server.NewStreamHandler(server.StreamHandlerConfig{Proto: task.SNITarget, Upstream: upstream, Copy: copyCfg})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		handlers = []server.Handler{h}

	case "tcp_stream":
		h, err := server.NewStreamHandler(server.StreamHandlerConfig{Proto: task.TCPStream, Upstream: upstream, Copy: copyCfg})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		handlers = []server.Handler{h}

	default:
		return nil, trace.BadParameter("unknown server type %q", sc.Type)
	}

	return server.NewListener(server.ListenerConfig{
		Addr:              sc.Listen,
		UseProxyProtocol:  sc.UseProxyProtocol,
		EchoProxyProtocol: sc.EchoProxyProtocol,
		SNIOnly:           sc.Type == "sni_proxy",
		HandshakeTimeout:  sc.HandshakeTimeout,
		Log:               p.log.WithField("listener", sc.Name),
		TaskLog:           logs.New(p.log, logs.ChannelTask, sc.Name),
	}, handlers...)
}

// protocolFor maps the three HTTP-family server types that have no
// CONNECT counterpart onto their task.Protocol constant.
func protocolFor(serverType string) task.Protocol {
	switch serverType {
	case "https_forward":
		return task.HTTPSForward
	case "easy_proxy":
		return task.EasyProxy
	case "ftp_over_http":
		return task.FTPOverHTTP
	default:
		return task.HTTPForward
	}
}

func (p *process) buildMasqueListener(sc config.ServerConfig, entry escaper.Node) (*server.MasqueListener, error) {
	cert, err := tls.LoadX509KeyPair(sc.TLSCertFile, sc.TLSKeyFile)
	if err != nil {
		return nil, trace.Wrap(err, "loading masque TLS certificate for server %q", sc.Name)
	}
	return server.NewMasqueListener(server.MasqueListenerConfig{
		Addr:      sc.Listen,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		Upstream:  server.NewUpstreamResolver(entry),
		Log:       p.log.WithField("listener", sc.Name),
		TaskLog:   logs.New(p.log, logs.ChannelTask, sc.Name),
	})
}

// run serves every listener, masque listener, ICAP pool sweeper and the
// control socket until ctx is done.
func (p *process) run(ctx context.Context) error {
	p.mu.Lock()
	listeners := append([]*server.Listener(nil), p.listeners...)
	masqueListeners := append([]*server.MasqueListener(nil), p.masqueListeners...)
	icapPools := append([]*pool.Pool(nil), p.icapPools...)
	ctrl := p.control
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(listeners)+len(masqueListeners)+1)

	for _, ln := range listeners {
		wg.Add(1)
		go func(ln *server.Listener) {
			defer wg.Done()
			if err := ln.Serve(ctx); err != nil {
				errs <- trace.Wrap(err)
			}
		}(ln)
	}

	for _, ml := range masqueListeners {
		wg.Add(1)
		go func(ml *server.MasqueListener) {
			defer wg.Done()
			if err := ml.Serve(ctx); err != nil {
				errs <- trace.Wrap(err)
			}
		}(ml)
	}

	for _, pl := range icapPools {
		go pl.Run(ctx)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Serve(ctx); err != nil {
			errs <- trace.Wrap(err)
		}
	}()

	wg.Wait()
	close(errs)

	var aggregate []error
	for err := range errs {
		aggregate = append(aggregate, err)
	}
	if len(aggregate) > 0 {
		return trace.NewAggregate(aggregate...)
	}
	return nil
}

// reload rebuilds the graph and listeners from a fresh read of path,
// leaving the currently-running ones untouched until the new set binds
// successfully (spec.md §4.9 "reload must not drop in-flight tasks").
func (p *process) reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.build(cfg))
}

// shutdown closes every listener and the control socket, letting
// in-flight tasks already accepted finish on their own goroutines.
func (p *process) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
	for _, ml := range p.masqueListeners {
		_ = ml.Close()
	}
	if p.control != nil {
		_ = p.control.Close()
	}
}

// status reports a snapshot for the control socket's "query" op.
func (p *process) status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"listeners":        len(p.listeners),
		"masque_listeners": len(p.masqueListeners),
		"auditors":         len(p.auditors),
		"user_groups":      len(p.users),
	}
}

// publishRequest is the args shape of the control socket's "publish" op
// (spec.md §4.9): it either republishes a direct_float/proxy_float
// escaper node's target, or a user_group's dynamic user set. Exactly one
// of Node or UserGroup is expected per call.
type publishRequest struct {
	Node      string                    `json:"node"`
	BindIPs   []string                  `json:"bind_ips"`
	ByIndex   bool                      `json:"by_index"`
	NextProxy string                    `json:"next_proxy"`
	UserGroup string                    `json:"user_group"`
	Users     []config.StaticUserConfig `json:"users"`
}

// publish implements the control-plane "publish" op against the running
// graph and user groups.
func (p *process) publish(req publishRequest) error {
	p.mu.Lock()
	graph := p.graph
	users := p.users
	p.mu.Unlock()

	switch {
	case req.Node != "":
		node, ok := graph.Node(req.Node)
		if !ok {
			return trace.NotFound("escaper %q not found", req.Node)
		}
		if u, ok := node.(interface{ Unwrap() escaper.Node }); ok {
			node = u.Unwrap()
		}
		switch n := node.(type) {
		case *escaper.DirectFloat:
			bind := escaper.BindSelection{ByIndex: req.ByIndex}
			for _, raw := range req.BindIPs {
				if ip := net.ParseIP(raw); ip != nil {
					bind.IPs = append(bind.IPs, ip)
				}
			}
			n.Publish(bind)
			return nil
		case *escaper.ProxyFloat:
			n.Publish(req.NextProxy)
			return nil
		default:
			return trace.BadParameter("escaper %q does not support publish", req.Node)
		}

	case req.UserGroup != "":
		g, ok := users[req.UserGroup]
		if !ok {
			return trace.NotFound("user_group %q not found", req.UserGroup)
		}
		dynamic, err := config.BuildStaticUsers(req.Users)
		if err != nil {
			return trace.Wrap(err)
		}
		g.Publish(dynamic)
		return nil

	default:
		return trace.BadParameter(`publish requires "node" or "user_group"`)
	}
}
