package escaper

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGeo struct {
	info GeoInfo
}

func (f *fakeGeo) Lookup(ip net.IP) (GeoInfo, error) { return f.info, nil }

func TestGeoRouteMatchesByCountry(t *testing.T) {
	g, leaves := graphWithLeaves(t, "cn", "def")
	r, err := NewGeoRoute(GeoRouteConfig{
		NodeName:    "geo",
		Graph:       g,
		Resolver:    &staticResolver{v4: []net.IP{net.ParseIP("1.2.3.4")}},
		Geo:         &fakeGeo{info: GeoInfo{Country: "CN"}},
		ByCountry:   map[string]string{"CN": "cn"},
		DefaultNext: "def",
	})
	require.NoError(t, err)

	_, escErr := r.Dial(context.Background(), &Request{Host: "example.com"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["cn"].hits)
}

func TestGeoRouteSubnetBeatsGeoLookup(t *testing.T) {
	g, leaves := graphWithLeaves(t, "internal", "cn", "def")
	r, err := NewGeoRoute(GeoRouteConfig{
		NodeName:    "geo",
		Graph:       g,
		Resolver:    &staticResolver{v4: []net.IP{net.ParseIP("10.0.0.5")}},
		Geo:         &fakeGeo{info: GeoInfo{Country: "CN"}},
		ByCountry:   map[string]string{"CN": "cn"},
		Subnets:     map[string]string{"10.0.0.0/8": "internal"},
		DefaultNext: "def",
	})
	require.NoError(t, err)

	_, escErr := r.Dial(context.Background(), &Request{Host: "example.com"})
	require.Nil(t, escErr)
	require.Equal(t, 1, leaves["internal"].hits)
	require.Equal(t, 0, leaves["cn"].hits)
}
