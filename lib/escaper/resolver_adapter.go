package escaper

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/bytedance/g3proxy/lib/resolver"
)

// ResolverAdapter wraps a lib/resolver.Resolver (cache + coalescing +
// driver) behind the narrower Resolver shape the escaper graph's direct
// and route_resolved/route_geoip nodes consume, issuing one query per
// address family and merging redirection.
type ResolverAdapter struct {
	Resolver     resolver.Resolver
	Redirection  resolver.Redirection
}

// Resolve implements Resolver.
func (a *ResolverAdapter) Resolve(ctx context.Context, name string, _ int, resolutionDelayMillis int64) ([]net.IP, []net.IP, error) {
	name = a.Redirection.Apply(name)
	delay := time.Duration(resolutionDelayMillis) * time.Millisecond

	v4set, v4err := a.Resolver.Resolve(ctx, name, resolver.FamilyIPv4, delay)
	v6set, v6err := a.Resolver.Resolve(ctx, name, resolver.FamilyIPv6, delay)

	var v4, v6 []net.IP
	if v4set != nil {
		v4 = v4set.IPs
	}
	if v6set != nil {
		v6 = v6set.IPs
	}
	if len(v4) == 0 && len(v6) == 0 {
		if v4err != nil {
			return nil, nil, trace.Wrap(v4err)
		}
		return nil, nil, trace.Wrap(v6err)
	}
	return v4, v6, nil
}
