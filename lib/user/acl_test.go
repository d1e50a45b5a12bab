package user

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestACLExactBeatsWildcard(t *testing.T) {
	acl := NewACL(Permit)
	acl.AddWildcardDomain("example.com", Forbid)
	acl.AddExact("api.example.com", Permit)

	require.Equal(t, Permit, acl.MatchHost("api.example.com"), "exact must win over wildcard")
	require.Equal(t, Forbid, acl.MatchHost("other.example.com"))
	require.Equal(t, Forbid, acl.MatchHost("example.com"))
}

func TestACLWildcardDoesNotMatchSiblingPrefix(t *testing.T) {
	acl := NewACL(Permit)
	acl.AddWildcardDomain("example.com", Forbid)

	require.Equal(t, Permit, acl.MatchHost("notexample.com"))
	require.Equal(t, Permit, acl.MatchHost("example2.com"))
}

func TestACLSubnetLongestPrefixWins(t *testing.T) {
	acl := NewACL(Permit)
	require.NoError(t, acl.AddSubnet("10.0.0.0/8", Forbid))
	require.NoError(t, acl.AddSubnet("10.1.2.0/24", PermitLog))

	action := acl.MatchIP(net.ParseIP("10.1.2.5"))
	require.Equal(t, PermitLog, action, "the more specific /24 must win over the /8")

	action = acl.MatchIP(net.ParseIP("10.5.5.5"))
	require.Equal(t, Forbid, action)
}

func TestACLOrderExactSubnetRegexWildcardDefault(t *testing.T) {
	acl := NewACL(ForbidLog)
	acl.AddExact("1.2.3.4", Permit)
	require.NoError(t, acl.AddSubnet("1.2.3.0/24", Forbid))
	require.NoError(t, acl.AddRegex(`^1\.2\.`, PermitLog))
	acl.AddWildcardDomain("1.2.3.4", ForbidLog)

	require.Equal(t, Permit, acl.MatchHost("1.2.3.4"), "exact must be checked before subnet/regex")

	acl2 := NewACL(Forbid)
	require.NoError(t, acl2.AddSubnet("1.2.3.0/24", PermitLog))
	require.NoError(t, acl2.AddRegex(`^1\.2\.3\.9$`, Forbid))
	require.Equal(t, PermitLog, acl2.MatchHost("1.2.3.9"), "subnet must be checked before regex")
}

func TestACLStringDefaultFallback(t *testing.T) {
	acl := NewACL(ForbidLog)
	require.NoError(t, acl.AddRegex(`curl/.*`, Forbid))
	require.Equal(t, Forbid, acl.MatchString("curl/7.81.0"))
	require.Equal(t, ForbidLog, acl.MatchString("Mozilla/5.0"))
}
