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

// Package resolver implements the async name-resolution subsystem of
// spec.md §4.3: a cache with single-flight coalescing layered over
// pluggable drivers (deny_all, c_ares-equivalent UDP/TCP DNS, fail_over).
package resolver

import (
	"context"
	"net"
	"time"
)

// Family selects which record type a query resolves.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// ErrorKind classifies a resolution failure (spec.md §4.3).
type ErrorKind int

const (
	NotFound ErrorKind = iota
	ServFail
	Refused
	Malformed
	Timeout
	NoIPv4
	NoIPv6
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case ServFail:
		return "ServFail"
	case Refused:
		return "Refused"
	case Malformed:
		return "Malformed"
	case Timeout:
		return "Timeout"
	case NoIPv4:
		return "NoIPv4"
	case NoIPv6:
		return "NoIPv6"
	default:
		return "Unknown"
	}
}

// ResolveError is returned by Driver.Query and Resolver.Resolve.
type ResolveError struct {
	Kind ErrorKind
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Name + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Name
}

func (e *ResolveError) Unwrap() error { return e.Err }

// ResolvedSet is a successful lookup's answer: a list of IPs with the
// positive TTL the cache should honor.
type ResolvedSet struct {
	IPs []net.IP
	TTL time.Duration
}

// Driver performs one resolution with no caching of its own; the Resolver
// wraps a Driver with caching and coalescing.
type Driver interface {
	// Query resolves name for the given family. The driver is responsible
	// for emitting its own one-record-per-error resolve-log entries via
	// whatever logger it was constructed with; the cache layer only logs
	// cache-level events.
	Query(ctx context.Context, name string, family Family) (*ResolvedSet, *ResolveError)
}

// Redirection rewrites a query name before it reaches the driver, scoped
// to a single task (spec.md §4.3 "User redirection").
type Redirection struct {
	Exact map[string]string
	Child map[string]string // suffix -> replacement suffix
}

// Apply rewrites name according to the redirection table, if any entry
// matches; otherwise it returns name unchanged.
func (r Redirection) Apply(name string) string {
	if r.Exact != nil {
		if v, ok := r.Exact[name]; ok {
			return v
		}
	}
	for suffix, replacement := range r.Child {
		if name == suffix {
			return replacement
		}
		if len(name) > len(suffix) && name[len(name)-len(suffix)-1] == '.' && name[len(name)-len(suffix):] == suffix {
			return name[:len(name)-len(suffix)] + replacement
		}
	}
	return name
}

// Resolver is the public query API (spec.md §4.3 "Query API").
type Resolver interface {
	Resolve(ctx context.Context, name string, family Family, resolutionDelay time.Duration) (*ResolvedSet, *ResolveError)
}
