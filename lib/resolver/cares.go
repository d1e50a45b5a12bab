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

package resolver

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/logs"
)

// DNSDriverConfig configures a DNSDriver, the UDP/TCP driver equivalent to
// g3's c_ares resolver variant (spec.md §4.3).
type DNSDriverConfig struct {
	Name          string
	Servers       []string // "host:port", tried round-robin
	AttemptTimeout time.Duration
	Tries         int
	BindIP        net.IP
	Log           logrus.FieldLogger
	ResolveLog    *logs.Logger
}

func (c *DNSDriverConfig) checkAndSetDefaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	if c.Tries <= 0 {
		c.Tries = 2
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "resolver.cares")
	}
}

// DNSDriver resolves names over plain UDP/TCP DNS using miekg/dns, trying
// each configured server round-robin up to Tries times before giving up.
type DNSDriver struct {
	cfg    DNSDriverConfig
	client *dns.Client
	next   int
}

// NewDNSDriver creates a DNSDriver.
func NewDNSDriver(cfg DNSDriverConfig) *DNSDriver {
	cfg.checkAndSetDefaults()
	client := &dns.Client{
		Net:     "udp",
		Timeout: cfg.AttemptTimeout,
	}
	if cfg.BindIP != nil {
		client.Dialer = &net.Dialer{
			Timeout:   cfg.AttemptTimeout,
			LocalAddr: &net.UDPAddr{IP: cfg.BindIP},
		}
	}
	return &DNSDriver{cfg: cfg, client: client}
}

// Query implements Driver.
func (d *DNSDriver) Query(ctx context.Context, name string, family Family) (*ResolvedSet, *ResolveError) {
	if len(d.cfg.Servers) == 0 {
		return nil, &ResolveError{Kind: ServFail, Name: name, Err: errNoServers}
	}
	qtype := dns.TypeA
	if family == FamilyIPv6 {
		qtype = dns.TypeAAAA
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr *ResolveError
	for attempt := 0; attempt < d.cfg.Tries; attempt++ {
		server := d.cfg.Servers[d.next%len(d.cfg.Servers)]
		d.next++

		resp, _, err := d.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = classifyTransportError(name, err)
			d.logError(name, lastErr)
			continue
		}
		set, resErr := decodeResponse(name, resp)
		if resErr != nil {
			lastErr = resErr
			d.logError(name, lastErr)
			continue
		}
		return set, nil
	}
	if lastErr == nil {
		lastErr = &ResolveError{Kind: ServFail, Name: name}
	}
	return nil, lastErr
}

func (d *DNSDriver) logError(name string, resErr *ResolveError) {
	if d.cfg.ResolveLog != nil {
		d.cfg.ResolveLog.ResolveError(d.cfg.Name, name, 0, resErr)
	}
}

func decodeResponse(name string, resp *dns.Msg) (*ResolvedSet, *ResolveError) {
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, &ResolveError{Kind: NotFound, Name: name}
	case dns.RcodeRefused:
		return nil, &ResolveError{Kind: Refused, Name: name}
	default:
		return nil, &ResolveError{Kind: ServFail, Name: name}
	}

	var ips []net.IP
	var minTTL uint32 = ^uint32(0)
	for _, rr := range resp.Answer {
		var ip net.IP
		var ttl uint32
		switch rec := rr.(type) {
		case *dns.A:
			ip, ttl = rec.A, rec.Hdr.Ttl
		case *dns.AAAA:
			ip, ttl = rec.AAAA, rec.Hdr.Ttl
		default:
			continue
		}
		ips = append(ips, ip)
		if ttl < minTTL {
			minTTL = ttl
		}
	}
	if len(ips) == 0 {
		return nil, &ResolveError{Kind: NotFound, Name: name}
	}
	if minTTL == ^uint32(0) {
		minTTL = 0
	}
	return &ResolvedSet{IPs: ips, TTL: time.Duration(minTTL) * time.Second}, nil
}

func classifyTransportError(name string, err error) *ResolveError {
	if ctxErr, ok := err.(interface{ Timeout() bool }); ok && ctxErr.Timeout() {
		return &ResolveError{Kind: Timeout, Name: name, Err: err}
	}
	return &ResolveError{Kind: ServFail, Name: name, Err: err}
}

type noServersError struct{}

func (noServersError) Error() string { return "no DNS servers configured" }

var errNoServers = noServersError{}
