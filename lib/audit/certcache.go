package audit

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gravitational/trace"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// CertGenerator produces a leaf certificate whose SANs cover host, used
// by the TLS MITM path (spec.md §4.4 "TLS MITM").
type CertGenerator interface {
	Generate(ctx context.Context, host string) (*tls.Certificate, time.Time, error)
}

// SidecarGeneratorConfig configures a UDP/msgpack client for the fake-cert
// side-car process (spec.md §4.4: "The cert is obtained from the
// fake-cert side-car (UDP msgpack request/response) keyed by the
// request fingerprint").
type SidecarGeneratorConfig struct {
	Addr    string
	Timeout time.Duration
}

func (c *SidecarGeneratorConfig) checkAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("fake-cert side-car requires an address")
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	return nil
}

type certGenRequest struct {
	Fingerprint string `msgpack:"fingerprint"`
	Host        string `msgpack:"host"`
}

type certGenResponse struct {
	CertDER   [][]byte `msgpack:"cert_der"`
	KeyDER    []byte   `msgpack:"key_der"`
	NotAfter  int64    `msgpack:"not_after"` // unix seconds
}

// SidecarGenerator implements CertGenerator against the fake-cert
// side-car over UDP.
type SidecarGenerator struct {
	cfg SidecarGeneratorConfig
}

// NewSidecarGenerator creates a SidecarGenerator.
func NewSidecarGenerator(cfg SidecarGeneratorConfig) (*SidecarGenerator, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SidecarGenerator{cfg: cfg}, nil
}

// Generate implements CertGenerator.
func (s *SidecarGenerator) Generate(ctx context.Context, host string) (*tls.Certificate, time.Time, error) {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return nil, time.Time{}, trace.Wrap(err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, time.Time{}, trace.Wrap(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, time.Time{}, trace.Wrap(err)
	}

	payload, err := msgpack.Marshal(&certGenRequest{Fingerprint: Fingerprint(host), Host: host})
	if err != nil {
		return nil, time.Time{}, trace.Wrap(err)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, time.Time{}, trace.Wrap(err)
	}

	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, time.Time{}, trace.ConnectionProblem(err, "fake-cert side-car unreachable")
	}
	var resp certGenResponse
	if err := msgpack.Unmarshal(buf[:n], &resp); err != nil {
		return nil, time.Time{}, trace.Wrap(err)
	}

	cert := &tls.Certificate{Certificate: resp.CertDER}
	key, err := parsePKCS1OrPKCS8(resp.KeyDER)
	if err != nil {
		return nil, time.Time{}, trace.Wrap(err)
	}
	cert.PrivateKey = key
	return cert, time.Unix(resp.NotAfter, 0), nil
}

// Fingerprint is the cache key under which a generated certificate is
// stored: the SHA-256 of the requested host name.
func Fingerprint(host string) string {
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:])
}

// CertCacheConfig configures a CertCache.
type CertCacheConfig struct {
	Generator CertGenerator
	Capacity  int
	Margin    time.Duration // renew this long before not-after
}

func (c *CertCacheConfig) checkAndSetDefaults() error {
	if c.Generator == nil {
		return trace.BadParameter("cert cache requires a generator")
	}
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.Margin <= 0 {
		c.Margin = time.Minute
	}
	return nil
}

type certEntry struct {
	cert     *tls.Certificate
	notAfter time.Time
}

// CertCache caches generated MITM leaf certificates keyed by
// fingerprint, coalescing concurrent builds for the same fingerprint and
// reusing a cached certificate until notAfter-Margin (spec.md §4.4: "at
// most one concurrent build per fingerprint; cached cert reused until
// its not-after minus margin").
type CertCache struct {
	cfg   CertCacheConfig
	cache *lru.Cache[string, certEntry]
	group singleflight.Group
}

// NewCertCache creates a CertCache.
func NewCertCache(cfg CertCacheConfig) (*CertCache, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := lru.New[string, certEntry](cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertCache{cfg: cfg, cache: cache}, nil
}

// Get returns a certificate for host, generating (and caching) one if
// necessary.
func (c *CertCache) Get(ctx context.Context, host string) (*tls.Certificate, error) {
	fp := Fingerprint(host)
	now := time.Now()

	if entry, ok := c.cache.Get(fp); ok && now.Before(entry.notAfter.Add(-c.cfg.Margin)) {
		return entry.cert, nil
	}

	v, err, _ := c.group.Do(fp, func() (interface{}, error) {
		cert, notAfter, genErr := c.cfg.Generator.Generate(ctx, host)
		if genErr != nil {
			return nil, trace.Wrap(genErr)
		}
		c.cache.Add(fp, certEntry{cert: cert, notAfter: notAfter})
		return cert, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v.(*tls.Certificate), nil
}
