package audit

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// AuditorConfig ties together the two halves of the interception
// pipeline of spec.md §4.4: a CertCache minting MITM leaf certificates,
// and a REQMOD/RESPMOD ICAP client pair. Either ICAP client may be nil,
// in which case that phase is a no-op pass-through — an auditor with
// only a CertCache still terminates TLS for inspection purposes without
// rewriting anything.
type AuditorConfig struct {
	Name      string
	CertCache *CertCache
	ReqMod    *IcapClient
	RespMod   *IcapClient
	Log       logrus.FieldLogger
}

func (c *AuditorConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("auditor requires a name")
	}
	if c.CertCache == nil {
		return trace.BadParameter("auditor %q requires a cert cache", c.Name)
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "auditor")
	}
	return nil
}

// Auditor is the per-listener interception pipeline: TLS MITM
// certificate minting plus request/response modification, wired into
// server.HTTPHandler's CONNECT path.
type Auditor struct {
	cfg AuditorConfig
}

// NewAuditor creates an Auditor.
func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Auditor{cfg: cfg}, nil
}

// Name returns the auditor's configured name, used to tag intercept log
// records.
func (a *Auditor) Name() string { return a.cfg.Name }

// ServerTLSConfig returns a *tls.Config suitable for terminating the
// client side of a MITM'd CONNECT tunnel for host: a fresh leaf
// certificate is minted (or reused from cache) on every handshake via
// GetCertificate, so a single Auditor serves every intercepted host.
func (a *Auditor) ServerTLSConfig(host string) *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := host
			if hello.ServerName != "" {
				name = hello.ServerName
			}
			return a.cfg.CertCache.Get(hello.Context(), name)
		},
	}
}

// ReqMod runs an intercepted request through the REQMOD ICAP service, if
// one is configured; otherwise the request passes through unmodified.
func (a *Auditor) ReqMod(ctx context.Context, req *http.Request, body []byte) (*Modification, error) {
	if a.cfg.ReqMod == nil {
		return &Modification{Unmodified: true}, nil
	}
	mod, err := a.cfg.ReqMod.ReqMod(ctx, req, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return mod, nil
}

// RespMod runs an intercepted response through the RESPMOD ICAP service,
// if one is configured; otherwise the response passes through
// unmodified.
func (a *Auditor) RespMod(ctx context.Context, req *http.Request, resp *http.Response, body []byte, shared http.Header) (*Modification, error) {
	if a.cfg.RespMod == nil {
		return &Modification{Unmodified: true}, nil
	}
	mod, err := a.cfg.RespMod.RespMod(ctx, req, resp, body, shared)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return mod, nil
}
