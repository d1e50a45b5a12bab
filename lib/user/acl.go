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
	"net"
	"regexp"
	"strings"

	"github.com/armon/go-radix"
	"github.com/gravitational/trace"
)

// Action is the outcome of an ACL rule match.
type Action int

const (
	Permit Action = iota
	PermitLog
	Forbid
	ForbidLog
)

// IsForbid reports whether the action denies the request.
func (a Action) IsForbid() bool {
	return a == Forbid || a == ForbidLog
}

func (a Action) String() string {
	switch a {
	case Permit:
		return "Permit"
	case PermitLog:
		return "PermitLog"
	case Forbid:
		return "Forbid"
	case ForbidLog:
		return "ForbidLog"
	default:
		return "Unknown"
	}
}

// ACL evaluates one of the five rule categories named in spec.md §3: for a
// given subject string it checks, in order, an exact set, a subnet
// longest-prefix match, a regex list, a wildcard child-domain trie, then
// falls back to a configured default action. The first category with a
// match wins; order is fixed and is itself a testable property (spec.md
// §8: "ACL evaluation order is stable").
type ACL struct {
	exact    map[string]Action
	subnets  []subnetRule
	regexes  []regexRule
	wildcard *radix.Tree // keys are reversed domain labels, e.g. "moc.elpmaxe."
	def      Action
}

type subnetRule struct {
	net    *net.IPNet
	action Action
}

type regexRule struct {
	re     *regexp.Regexp
	action Action
}

// NewACL builds an empty ACL defaulting to def.
func NewACL(def Action) *ACL {
	return &ACL{
		exact:    make(map[string]Action),
		wildcard: radix.New(),
		def:      def,
	}
}

// AddExact registers an exact-match rule.
func (a *ACL) AddExact(value string, action Action) {
	a.exact[value] = action
}

// AddSubnet registers a subnet rule matched by longest prefix.
func (a *ACL) AddSubnet(cidr string, action Action) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return trace.Wrap(err, "invalid subnet %q", cidr)
	}
	a.subnets = append(a.subnets, subnetRule{net: ipnet, action: action})
	return nil
}

// AddRegex registers a regex rule, evaluated in registration order.
func (a *ACL) AddRegex(pattern string, action Action) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return trace.Wrap(err, "invalid regex %q", pattern)
	}
	a.regexes = append(a.regexes, regexRule{re: re, action: action})
	return nil
}

// AddWildcardDomain registers a child-domain rule: "example.com" permits
// both "example.com" and any "*.example.com".
func (a *ACL) AddWildcardDomain(domain string, action Action) {
	a.wildcard.Insert(reverseDomain(domain)+".", action)
}

// MatchHost evaluates host (a domain name or IP literal) against the ACL.
func (a *ACL) MatchHost(host string) Action {
	if action, ok := a.exact[host]; ok {
		return action
	}
	if ip := net.ParseIP(host); ip != nil {
		if action, ok := a.matchSubnet(ip); ok {
			return action
		}
	}
	if action, ok := a.matchRegex(host); ok {
		return action
	}
	if action, ok := a.matchWildcard(host); ok {
		return action
	}
	return a.def
}

// MatchString evaluates an opaque subject (user-agent, etc.) against the
// exact set and regex list only — subnet and wildcard-domain matching are
// meaningless for non-host subjects.
func (a *ACL) MatchString(subject string) Action {
	if action, ok := a.exact[subject]; ok {
		return action
	}
	if action, ok := a.matchRegex(subject); ok {
		return action
	}
	return a.def
}

// MatchIP evaluates a raw IP (ingress/egress network ACLs) against the
// exact set and subnet table.
func (a *ACL) MatchIP(ip net.IP) Action {
	if action, ok := a.exact[ip.String()]; ok {
		return action
	}
	if action, ok := a.matchSubnet(ip); ok {
		return action
	}
	return a.def
}

func (a *ACL) matchSubnet(ip net.IP) (Action, bool) {
	best := -1
	var bestAction Action
	found := false
	for _, r := range a.subnets {
		if !r.net.Contains(ip) {
			continue
		}
		ones, _ := r.net.Mask.Size()
		if ones > best {
			best = ones
			bestAction = r.action
			found = true
		}
	}
	return bestAction, found
}

func (a *ACL) matchRegex(subject string) (Action, bool) {
	for _, r := range a.regexes {
		if r.re.MatchString(subject) {
			return r.action, true
		}
	}
	return Permit, false
}

func (a *ACL) matchWildcard(host string) (Action, bool) {
	// A trailing "." sentinel is appended to both the stored keys and the
	// lookup key so that LongestPrefix only matches on whole-label
	// boundaries: "com.example." is a prefix of "com.example.api." but not
	// of "com.example2.".
	key := reverseDomain(host) + "."
	if prefix, v, ok := a.wildcard.LongestPrefix(key); ok {
		if strings.HasSuffix(prefix, ".") {
			return v.(Action), true
		}
	}
	return Permit, false
}

// reverseDomain reverses the label order of a domain so that a parent
// domain becomes a string prefix of all of its children, e.g.
// "example.com" -> "com.example", a prefix of "api.example.com" ->
// "com.example.api". This lets armon/go-radix's LongestPrefix answer the
// wildcard-child-domain query directly.
func reverseDomain(domain string) string {
	labels := strings.Split(domain, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}
