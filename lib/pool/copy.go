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

package pool

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// CopyConfig configures a bidirectional relay between a client and an
// upstream connection (spec.md §4.6 "Bidirectional copy").
type CopyConfig struct {
	BufferSize          int
	IdleCheckDuration   time.Duration
	IdleMaxCount        int
	ClientLimiter       *TieredLimiter
	RemoteLimiter       *TieredLimiter
	Clock               clockwork.Clock
	// OnClientRead/OnRemoteRead report bytes moved, for task counters.
	OnClientToRemote func(n int)
	OnRemoteToClient func(n int)
}

func (c *CopyConfig) checkAndSetDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 32 * 1024
	}
	if c.IdleCheckDuration <= 0 {
		c.IdleCheckDuration = 30 * time.Second
	}
	if c.IdleMaxCount <= 0 {
		c.IdleMaxCount = 3
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

type closeNotifyWriter interface {
	CloseWrite() error
}

// Relay copies bytes in both directions between client and remote until
// one side closes, ctx is cancelled, or IdleMaxCount consecutive idle
// checks elapse with no traffic in either direction. Shutdown is
// cooperative: on a clean finish the initiating side's TLS close_notify
// (if any) is sent, then the upstream half-closed, mirroring the auth
// proxy dialer in lib/srv/alpnproxy/auth/auth_proxy.go this engine is
// grounded on.
func Relay(ctx context.Context, cfg CopyConfig, client, remote net.Conn) error {
	cfg.checkAndSetDefaults()

	activity := make(chan struct{}, 2)
	errc := make(chan error, 2)

	pump := func(dst, src net.Conn, limiter *TieredLimiter, onCopy func(int)) {
		buf := make([]byte, cfg.BufferSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if limiter != nil {
					if werr := limiter.WaitN(ctx, n); werr != nil {
						errc <- trace.Wrap(werr)
						return
					}
				}
				if _, werr := dst.Write(buf[:n]); werr != nil {
					errc <- trace.Wrap(werr)
					return
				}
				if onCopy != nil {
					onCopy(n)
				}
				select {
				case activity <- struct{}{}:
				default:
				}
			}
			if err != nil {
				if err == io.EOF {
					shutdownWrite(dst)
					errc <- nil
					return
				}
				errc <- trace.Wrap(err)
				return
			}
		}
	}

	go pump(remote, client, cfg.ClientLimiter, cfg.OnClientToRemote)
	go pump(client, remote, cfg.RemoteLimiter, cfg.OnRemoteToClient)

	idleCount := 0
	ticker := cfg.Clock.NewTicker(cfg.IdleCheckDuration)
	defer ticker.Stop()

	var errs []error
	remaining := 2
	for remaining > 0 {
		select {
		case err := <-errc:
			remaining--
			if err != nil {
				errs = append(errs, err)
			}
		case <-activity:
			idleCount = 0
		case <-ticker.Chan():
			select {
			case <-activity:
				idleCount = 0
			default:
				idleCount++
			}
			if idleCount >= cfg.IdleMaxCount {
				client.Close()
				remote.Close()
				return trace.ConnectionProblem(nil, "relay idle for %d consecutive checks", idleCount)
			}
		case <-ctx.Done():
			client.Close()
			remote.Close()
			return trace.Wrap(ctx.Err())
		}
	}
	return trace.NewAggregate(errs...)
}

func shutdownWrite(conn net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.CloseWrite()
		return
	}
	if cw, ok := conn.(closeNotifyWriter); ok {
		_ = cw.CloseWrite()
	}
}
