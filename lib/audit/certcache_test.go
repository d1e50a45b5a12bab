package audit

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingGenerator struct {
	calls    int32
	validity time.Duration
}

func (g *countingGenerator) Generate(ctx context.Context, host string) (*tls.Certificate, time.Time, error) {
	atomic.AddInt32(&g.calls, 1)
	notAfter := time.Now().Add(g.validity)
	return &tls.Certificate{Certificate: [][]byte{[]byte(host)}}, notAfter, nil
}

func TestCertCacheReusesUnexpiredCertificate(t *testing.T) {
	gen := &countingGenerator{validity: time.Hour}
	c, err := NewCertCache(CertCacheConfig{Generator: gen, Margin: time.Minute})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "example.com")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "example.com")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&gen.calls))
}

func TestCertCacheRegeneratesWithinMargin(t *testing.T) {
	gen := &countingGenerator{validity: 30 * time.Second}
	c, err := NewCertCache(CertCacheConfig{Generator: gen, Margin: time.Minute})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "example.com")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "example.com")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&gen.calls), "cert expiring within Margin must be regenerated")
}

func TestCertCacheCoalescesConcurrentBuilds(t *testing.T) {
	gen := &countingGenerator{validity: time.Hour}
	c, err := NewCertCache(CertCacheConfig{Generator: gen})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "coalesced.example.com")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&gen.calls), int32(2))
}

func TestFingerprintIsStablePerHost(t *testing.T) {
	require.Equal(t, Fingerprint("example.com"), Fingerprint("example.com"))
	require.NotEqual(t, Fingerprint("example.com"), Fingerprint("other.com"))
}
