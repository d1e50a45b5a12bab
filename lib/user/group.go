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

package user

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/metrics"
)

// Source fetches the dynamic half of a user group (spec.md §4.5). Backed in
// production by a file/lua/python/http loader; excluded here as an
// external collaborator, exercised through this interface and a
// filesystem-backed implementation for the cache-seed path.
type Source interface {
	Fetch(ctx context.Context) ([]*User, error)
}

// snapshot is the immutable, atomically-published view of a user group's
// membership (spec.md §3 invariant, §5 "atomic pointer swap").
type snapshot struct {
	byName map[string]*User
	anon   *User
}

// GroupConfig configures a Group.
type GroupConfig struct {
	Name            string
	Source          Source
	RefreshInterval time.Duration
	CacheFile       string
	Log             logrus.FieldLogger
	Clock           clockwork.Clock
	Metrics         *metrics.Registry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *GroupConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("user group name is required")
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "user_group")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Group merges static and dynamic users into a single atomically-published
// snapshot (spec.md §4.5, §5).
type Group struct {
	cfg       GroupConfig
	static    []*User
	current   atomic.Pointer[snapshot]
	log       logrus.FieldLogger
	forbidden *prometheus.CounterVec
}

// NewGroup creates a Group seeded with staticUsers. Call Start to begin the
// dynamic refresh loop.
func NewGroup(cfg GroupConfig, staticUsers []*User) (*Group, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	g := &Group{cfg: cfg, static: staticUsers, log: cfg.Log}
	if cfg.Metrics != nil {
		comp := metrics.NewComponent(cfg.Metrics, "user_group")
		g.forbidden = comp.CounterVec("forbidden_total", "requests forbidden by per-user enforcement, by reason", "group", "reason")
	}
	snap := g.merge(nil)
	g.current.Store(snap)
	return g, nil
}

// merge combines static users with a dynamic set (nil if unavailable),
// producing a fresh immutable snapshot. Static users always take priority
// on name collision.
func (g *Group) merge(dynamic []*User) *snapshot {
	byName := make(map[string]*User, len(g.static)+len(dynamic))
	var anon *User
	now := g.cfg.Clock.Now()
	for _, u := range dynamic {
		if u.IsExpired(now) {
			continue
		}
		u.Prepare()
		byName[u.Name] = u
		if u.Name == "" {
			anon = u
		}
	}
	for _, u := range g.static {
		if u.IsExpired(now) {
			continue
		}
		u.Prepare()
		byName[u.Name] = u
		if u.Name == "" {
			anon = u
		}
	}
	return &snapshot{byName: byName, anon: anon}
}

// Snapshot returns the currently-published view. Callers (tasks) that hold
// onto the returned value keep seeing it even after a later Refresh/Publish
// (spec.md §3 invariant).
func (g *Group) Snapshot() *snapshot {
	return g.current.Load()
}

// Lookup resolves a credential to a User within a given snapshot. Presenting
// no credential returns the anonymous user, if configured.
func Lookup(snap *snapshot, name, presented string) (*User, bool) {
	if name == "" {
		if snap.anon != nil {
			return snap.anon, true
		}
		return nil, false
	}
	u, ok := snap.byName[name]
	if !ok {
		return nil, false
	}
	if presented != "" && !u.Credential.Equal(presented) {
		return nil, false
	}
	return u, true
}

// Refresh fetches the dynamic source once and, on success, atomically
// publishes a merged snapshot; on failure the previous snapshot is
// retained (spec.md §4.5).
func (g *Group) Refresh(ctx context.Context) error {
	if g.cfg.Source == nil {
		return nil
	}
	dynamic, err := g.cfg.Source.Fetch(ctx)
	if err != nil {
		g.log.WithError(err).Warn("dynamic user fetch failed, retaining previous snapshot")
		return trace.Wrap(err)
	}
	g.current.Store(g.merge(dynamic))
	return nil
}

// Publish merges an explicitly-provided set of users (the control-plane
// publishDynamicUsers RPC path) into a fresh snapshot.
func (g *Group) Publish(users []*User) {
	g.current.Store(g.merge(users))
}

// Run drives the periodic refresh loop until ctx is cancelled.
func (g *Group) Run(ctx context.Context) {
	ticker := g.cfg.Clock.NewTicker(g.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = g.Refresh(ctx)
		}
	}
}

// EnforcementResult is the outcome of evaluating the per-user short-circuit
// chain of spec.md §4.5.
type EnforcementResult struct {
	Action Action
	Reason string
}

// Enforce runs the eight-step per-user check chain in order, short-
// circuiting on the first Forbid/ForbidLog. host/port/reqType/userAgent
// describe the request; clientIP is used only for alive/rate accounting
// keyed per-user (the ACLs themselves are keyed by destination, not by
// client).
func Enforce(u *User, now time.Time, host string, port int, reqType, userAgent string, clientIP net.IP) EnforcementResult {
	if u.IsExpired(now) {
		return EnforcementResult{Forbid, "expired"}
	}
	if u.HostACL != nil {
		if a := u.HostACL.MatchHost(host); a.IsForbid() {
			return EnforcementResult{a, "acl_host"}
		}
	}
	if u.PortACL != nil {
		if a := u.PortACL.MatchString(strconv.Itoa(port)); a.IsForbid() {
			return EnforcementResult{a, "acl_port"}
		}
	}
	if u.TypeACL != nil {
		if a := u.TypeACL.MatchString(reqType); a.IsForbid() {
			return EnforcementResult{a, "acl_type"}
		}
	}
	if u.AgentACL != nil {
		if a := u.AgentACL.MatchString(userAgent); a.IsForbid() {
			return EnforcementResult{a, "acl_user_agent"}
		}
	}
	if !u.TryAcquireAlive() {
		return EnforcementResult{Forbid, "alive_requests"}
	}
	if !u.AllowRequest() {
		u.ReleaseAlive()
		return EnforcementResult{Forbid, "request_rate"}
	}
	return EnforcementResult{Permit, ""}
}

// Enforce runs the free Enforce function against u and, if it forbids the
// request, increments user.forbidden.* labelled by the group's name and
// the short-circuiting reason (spec.md §4.7). Handlers call this method
// rather than the free function so enforcement is always observable.
func (g *Group) Enforce(u *User, now time.Time, host string, port int, reqType, userAgent string, clientIP net.IP) EnforcementResult {
	result := Enforce(u, now, host, port, reqType, userAgent, clientIP)
	if g.forbidden != nil && result.Action.IsForbid() {
		g.forbidden.WithLabelValues(g.cfg.Name, result.Reason).Inc()
	}
	return result
}
