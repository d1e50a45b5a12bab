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
	"crypto/tls"
	"net"
	"strings"
	"time"
)

// Site is a named sub-scope of a User matched by exact host, child domain,
// or subnet, overriding quotas, TLS client config and response-header
// timeout (spec.md §3 "User site").
type Site struct {
	Name                  string
	ExactHosts            []string
	ChildDomains          []string
	Subnets               []*net.IPNet
	Quotas                Quotas
	TLSClientConfig       *tls.Config
	ResponseHeaderTimeout time.Duration
}

// Matches reports whether host falls within the site's scope, and returns
// a specificity score used to break ties between overlapping sites:
// exact (3) > child domain, scored by label count > subnet, scored by
// mask size.
func (s *Site) Matches(host string) (int, bool) {
	for _, h := range s.ExactHosts {
		if h == host {
			return 1<<20 + 3, true
		}
	}
	for _, d := range s.ChildDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return 1<<10 + strings.Count(d, "."), true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range s.Subnets {
			if n.Contains(ip) {
				ones, _ := n.Mask.Size()
				return ones, true
			}
		}
	}
	return 0, false
}
