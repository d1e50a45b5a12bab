package escaper

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bytedance/g3proxy/lib/resolver"
)

type fakeResolver struct {
	byFamily map[resolver.Family]*resolver.ResolvedSet
	err      map[resolver.Family]*resolver.ResolveError
}

func (f *fakeResolver) Resolve(ctx context.Context, name string, family resolver.Family, resolutionDelay time.Duration) (*resolver.ResolvedSet, *resolver.ResolveError) {
	if f.err != nil {
		if e, ok := f.err[family]; ok {
			return nil, e
		}
	}
	return f.byFamily[family], nil
}

func TestResolverAdapterMergesBothFamilies(t *testing.T) {
	fr := &fakeResolver{byFamily: map[resolver.Family]*resolver.ResolvedSet{
		resolver.FamilyIPv4: {IPs: []net.IP{net.ParseIP("1.2.3.4")}},
		resolver.FamilyIPv6: {IPs: []net.IP{net.ParseIP("::1")}},
	}}
	a := &ResolverAdapter{Resolver: fr}

	v4, v6, err := a.Resolve(context.Background(), "example.com", 0, 0)
	require.NoError(t, err)
	require.Len(t, v4, 1)
	require.Len(t, v6, 1)
}

func TestResolverAdapterAppliesRedirection(t *testing.T) {
	var sentName string
	fr := &recordingResolver{onResolve: func(name string) { sentName = name }}
	a := &ResolverAdapter{
		Resolver:    fr,
		Redirection: resolver.Redirection{Exact: map[string]string{"old.example.com": "new.example.com"}},
	}
	_, _, _ = a.Resolve(context.Background(), "old.example.com", 0, 0)
	require.Equal(t, "new.example.com", sentName)
}

type recordingResolver struct {
	onResolve func(name string)
}

func (r *recordingResolver) Resolve(ctx context.Context, name string, family resolver.Family, resolutionDelay time.Duration) (*resolver.ResolvedSet, *resolver.ResolveError) {
	r.onResolve(name)
	return &resolver.ResolvedSet{IPs: []net.IP{net.ParseIP("127.0.0.1")}}, nil
}

func TestResolverAdapterReturnsErrorWhenBothFamiliesFail(t *testing.T) {
	fr := &fakeResolver{err: map[resolver.Family]*resolver.ResolveError{
		resolver.FamilyIPv4: {Kind: resolver.NotFound, Name: "example.com"},
		resolver.FamilyIPv6: {Kind: resolver.NotFound, Name: "example.com"},
	}}
	a := &ResolverAdapter{Resolver: fr}
	v4, v6, err := a.Resolve(context.Background(), "example.com", 0, 0)
	require.Error(t, err)
	require.Nil(t, v4)
	require.Nil(t, v6)
}
