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

// Package user implements the user/auth model of spec.md §4.5: static and
// dynamic users, quotas, ACLs, user sites, and the atomic snapshot
// publication that keeps in-flight tasks pinned to the user they
// authenticated against.
package user

import (
	"crypto/subtle"
	"time"

	"golang.org/x/time/rate"
)

// Credential is a salted digest or crypt string. Comparison must be
// constant-time (spec.md §4.1).
type Credential struct {
	// Kind is one of "md5", "sha1" or "crypt".
	Kind string
	Hash string
}

// Equal performs a constant-time comparison of the presented hash against
// the stored one.
func (c Credential) Equal(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(c.Hash), []byte(presented)) == 1
}

// Quotas bounds a user's resource consumption (spec.md §3, §4.5).
type Quotas struct {
	TCPSocketBytesPerSecond int
	UDPSocketBytesPerSecond int
	AggregateBytesPerSecond int
	RequestsPerSecond       float64
	RequestBurst            int
	MaxAliveRequests        int
	TCPConnectRate          float64
}

// ResolutionOverride carries a per-user resolver strategy override and a
// redirection table rewriting lookups before they reach the resolver.
type ResolutionOverride struct {
	Strategy     string
	Redirections map[string]string // exact or ".suffix" child-domain keys
}

// User is a single authenticated identity. Static users come from config;
// dynamic users are merged in from a refreshed source (spec.md §4.5).
type User struct {
	Name        string
	Credential  Credential
	Quotas      Quotas
	HostACL     *ACL
	PortACL     *ACL
	TypeACL     *ACL
	AgentACL    *ACL
	Resolution  ResolutionOverride
	Sites       []*Site
	ExpireAt    time.Time // zero means never expires
	AuditRatio  float64   // task_audit_ratio override, -1 means "use server default"

	limiter     *rate.Limiter
	aliveTokens chan struct{}
}

// IsExpired reports whether the user's lifetime has elapsed.
func (u *User) IsExpired(now time.Time) bool {
	return !u.ExpireAt.IsZero() && now.After(u.ExpireAt)
}

// Prepare finalizes a user's runtime state (rate limiter, alive-request
// semaphore) after it has been loaded or merged. Must be called before the
// user is published into a snapshot.
func (u *User) Prepare() {
	burst := u.Quotas.RequestBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(u.Quotas.RequestsPerSecond)
	if u.Quotas.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	u.limiter = rate.NewLimiter(limit, burst)

	max := u.Quotas.MaxAliveRequests
	if max <= 0 {
		max = 1 << 20 // effectively unbounded
	}
	u.aliveTokens = make(chan struct{}, max)
}

// AllowRequest reports whether the request-rate token bucket permits one
// more request right now (spec.md §4.5 step 7).
func (u *User) AllowRequest() bool {
	if u.limiter == nil {
		return true
	}
	return u.limiter.Allow()
}

// TryAcquireAlive attempts to reserve one alive-request slot (spec.md
// §4.5 step 6). Call ReleaseAlive when the task finishes.
func (u *User) TryAcquireAlive() bool {
	if u.aliveTokens == nil {
		return true
	}
	select {
	case u.aliveTokens <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseAlive returns an alive-request slot reserved by TryAcquireAlive.
func (u *User) ReleaseAlive() {
	if u.aliveTokens == nil {
		return
	}
	select {
	case <-u.aliveTokens:
	default:
	}
}

// SiteFor returns the most specific Site matching host, or nil.
func (u *User) SiteFor(host string) *Site {
	var best *Site
	bestSpecificity := -1
	for _, s := range u.Sites {
		if spec, ok := s.Matches(host); ok && spec > bestSpecificity {
			best, bestSpecificity = s, spec
		}
	}
	return best
}
