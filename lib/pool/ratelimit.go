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

// Package pool implements the keepalive connection pool and the shared
// bidirectional-copy/rate-limiting primitives of spec.md §4.6.
package pool

import (
	"context"

	"golang.org/x/time/rate"
)

// TieredLimiter enforces the three-level rate limit of spec.md §4.6:
// effective rate = min(per-socket, per-user, per-user-site). A nil level is
// treated as unlimited.
type TieredLimiter struct {
	Socket *rate.Limiter
	User   *rate.Limiter
	Site   *rate.Limiter
}

// WaitN blocks until n bytes are permitted across every configured level,
// honoring ctx cancellation (spec.md §5: "every ... has an explicit
// bound; unbounded waits are a defect" — callers are expected to derive
// ctx from the task's own deadline).
func (t *TieredLimiter) WaitN(ctx context.Context, n int) error {
	for _, l := range []*rate.Limiter{t.Socket, t.User, t.Site} {
		if l == nil {
			continue
		}
		if err := l.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// NewLimiter builds a token-bucket limiter for bytesPerSecond with a burst
// equal to one second's worth of traffic, matching the "monotonic-clock
// token bucket with jitter" description in spec.md §4.6 (the jitter comes
// from golang.org/x/time/rate's token-refill granularity under concurrent
// use, not an explicit random offset).
func NewLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
}
