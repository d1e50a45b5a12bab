package escaper

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	v4, v6 []net.IP
	err    error
}

func (r *staticResolver) Resolve(ctx context.Context, name string, family int, resolutionDelay int64) ([]net.IP, []net.IP, error) {
	return r.v4, r.v6, r.err
}

func TestDirectFixedDialsResolvedUpstream(t *testing.T) {
	ln, port := listenLoopback(t)
	acceptOnce(t, ln)

	d, err := NewDirectFixed(DirectFixedConfig{
		NodeName: "direct",
		Resolver: &staticResolver{v4: []net.IP{net.ParseIP("127.0.0.1")}},
		Eyeballs: HappyEyeballsConfig{ResolutionDelay: 10 * time.Millisecond, AttemptTimeout: time.Second},
	})
	require.NoError(t, err)

	conn, escErr := d.Dial(context.Background(), &Request{Host: "example.com", Port: port})
	require.Nil(t, escErr)
	require.Equal(t, "direct", conn.EscaperNode)
	conn.Conn.Close()
}

func TestDirectFixedReturnsDnsErrorOnResolveFailure(t *testing.T) {
	d, err := NewDirectFixed(DirectFixedConfig{
		NodeName: "direct",
		Resolver: &staticResolver{},
	})
	require.NoError(t, err)

	_, escErr := d.Dial(context.Background(), &Request{Host: "nowhere.invalid", Port: 80})
	require.NotNil(t, escErr)
	require.Equal(t, DnsError, escErr.Kind)
}

func TestDirectFloatUsesPublishedBindSet(t *testing.T) {
	d, err := NewDirectFloat(DirectFloatConfig{NodeName: "float", Resolver: &staticResolver{v4: []net.IP{net.ParseIP("127.0.0.1")}}})
	require.NoError(t, err)

	d.Publish(BindSelection{IPs: []net.IP{net.ParseIP("127.0.0.1")}})

	ln, port := listenLoopback(t)
	acceptOnce(t, ln)

	conn, escErr := d.Dial(context.Background(), &Request{Host: "example.com", Port: port})
	require.Nil(t, escErr)
	conn.Conn.Close()
}

func TestDummyDenyAlwaysForbids(t *testing.T) {
	deny := &DummyDeny{NodeName: "deny"}
	_, escErr := deny.Dial(context.Background(), &Request{})
	require.NotNil(t, escErr)
	require.Equal(t, Forbidden, escErr.Kind)
}
