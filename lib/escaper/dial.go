package escaper

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Resolve is the minimal shape escaper needs from lib/resolver, kept as a
// local interface to avoid a package-level import cycle; lib/resolver's
// CachingResolver and FailOverDriver both satisfy it through a thin
// adapter at wiring time.
type Resolve func(ctx context.Context, name string, family int) (ips []net.IP, err error)

// HappyEyeballsConfig configures the dual-stack dial race of spec.md
// §4.2 "TCP connect policy".
type HappyEyeballsConfig struct {
	ResolutionDelay time.Duration
	AttemptTimeout  time.Duration
	Dialer          *net.Dialer
	Log             logrus.FieldLogger
}

func (c *HappyEyeballsConfig) checkAndSetDefaults() {
	if c.ResolutionDelay <= 0 {
		c.ResolutionDelay = 50 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "escaper")
	}
}

type dialAttempt struct {
	conn net.Conn
	ip   net.IP
	err  error
}

// DialHappyEyeballs connects to (host, port) by racing the IPv4 and IPv6
// address families: the family that resolves first gets a head start;
// the other is attempted after ResolutionDelay has elapsed without an
// ESTABLISHED socket. The first socket to connect wins; every other
// attempt, in flight or not yet started, is cancelled and its half-open
// descriptor closed (spec.md §4.2 steps 1-3).
func DialHappyEyeballs(ctx context.Context, cfg HappyEyeballsConfig, v4, v6 []net.IP, port uint16) (net.Conn, net.IP, error) {
	cfg.checkAndSetDefaults()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialAttempt, len(v4)+len(v6))
	pending := 0

	dialOne := func(ip net.IP) {
		pending++
		go func() {
			dctx, dcancel := context.WithTimeout(attemptCtx, cfg.AttemptTimeout)
			defer dcancel()
			conn, err := cfg.Dialer.DialContext(dctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
			results <- dialAttempt{conn: conn, ip: ip, err: err}
		}()
	}

	if len(v4) == 0 && len(v6) == 0 {
		return nil, nil, trace.BadParameter("no addresses to dial")
	}

	// Start the first-returned family immediately; stagger the other by
	// ResolutionDelay unless it never shows up at all.
	primary, secondary := v4, v6
	if len(primary) == 0 {
		primary, secondary = v6, v4
	}
	for _, ip := range primary {
		dialOne(ip)
	}

	delay := time.NewTimer(cfg.ResolutionDelay)
	defer delay.Stop()
	secondaryStarted := len(secondary) == 0

	var lastErr error
	for pending > 0 || !secondaryStarted {
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				cancel()
				closeLosers(results, pending)
				return r.conn, r.ip, nil
			}
			lastErr = r.err
		case <-delay.C:
			if !secondaryStarted {
				secondaryStarted = true
				for _, ip := range secondary {
					dialOne(ip)
				}
			}
		case <-ctx.Done():
			return nil, nil, trace.Wrap(ctx.Err())
		}
	}
	if lastErr == nil {
		lastErr = trace.BadParameter("all dial attempts failed")
	}
	return nil, nil, trace.Wrap(lastErr)
}

func closeLosers(results chan dialAttempt, pending int) {
	go func() {
		for i := 0; i < pending; i++ {
			r := <-results
			if r.conn != nil {
				r.conn.Close()
			}
		}
	}()
}

