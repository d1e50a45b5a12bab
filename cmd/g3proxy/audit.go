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
	"net"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/g3proxy/lib/audit"
	"github.com/bytedance/g3proxy/lib/config"
	"github.com/bytedance/g3proxy/lib/pool"
)

// buildAuditor turns one AuditorConfig into a running audit.Auditor
// (spec.md §4.4): a CertCache backed by either the fake-cert side-car
// (CertGeneratorURL set) or an in-process CA, plus an ICAP REQMOD/RESPMOD
// client pair for whichever of IcapReqmodURL/IcapRespmodURL is set. Every
// ICAP client gets its own keepalive pool.Pool, returned alongside the
// auditor so the caller can run its sweeper.
func (p *process) buildAuditor(ac config.AuditorConfig) (*audit.Auditor, []*pool.Pool, error) {
	gen, err := p.buildCertGenerator(ac)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	certCache, err := audit.NewCertCache(audit.CertCacheConfig{
		Generator: gen,
		Capacity:  ac.CertCacheCapacity,
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	var pools []*pool.Pool
	reqMod, reqPool, err := buildIcapClient(ac.IcapReqmodURL, "reqmod", ac.Bypass)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if reqPool != nil {
		pools = append(pools, reqPool)
	}
	respMod, respPool, err := buildIcapClient(ac.IcapRespmodURL, "respmod", ac.Bypass)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if respPool != nil {
		pools = append(pools, respPool)
	}

	a, err := audit.NewAuditor(audit.AuditorConfig{
		Name:      ac.Name,
		CertCache: certCache,
		ReqMod:    reqMod,
		RespMod:   respMod,
		Log:       p.log.WithField("auditor", ac.Name),
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return a, pools, nil
}

func (p *process) buildCertGenerator(ac config.AuditorConfig) (audit.CertGenerator, error) {
	if ac.CertGeneratorURL != "" {
		return audit.NewSidecarGenerator(audit.SidecarGeneratorConfig{Addr: ac.CertGeneratorURL})
	}
	caCert, caKey, err := loadOrGenerateCA(ac.CACertFile, ac.CAKeyFile)
	if err != nil {
		return nil, trace.Wrap(err, "auditor %q: loading interception CA", ac.Name)
	}
	return audit.NewLocalCAGenerator(audit.LocalCAConfig{CACert: caCert, CAKey: caKey})
}

// buildIcapClient builds an audit.IcapClient for rawURL of the form
// "icap://host:port/service-path", or returns (nil, nil, nil) if rawURL
// is empty - REQMOD/RESPMOD are each independently optional (spec.md
// §4.4: "either ICAP client may be nil").
func buildIcapClient(rawURL, defaultPath string, bypass bool) (*audit.IcapClient, *pool.Pool, error) {
	if rawURL == "" {
		return nil, nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, trace.Wrap(err, "invalid icap URL %q", rawURL)
	}
	addr := u.Host
	if addr == "" {
		addr = rawURL
	}
	path := u.Path
	if path == "" {
		path = defaultPath
	}

	icapPool, err := pool.NewPool(pool.KeepAliveConfig{
		MinIdle: 1,
		MaxIdle: 8,
		Dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		Log: logrus.WithField("component", "icap_pool").WithField("addr", addr),
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	client, err := audit.NewIcapClient(audit.IcapClientConfig{
		ServiceAddr:    addr,
		ServicePath:    path,
		PreviewTimeout: 4 * time.Second,
		Bypass:         bypass,
		Pool:           icapPool,
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return client, icapPool, nil
}
