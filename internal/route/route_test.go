package route

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return n
}

func TestLongestPrefixMatchPrefersMoreSpecificRoute(t *testing.T) {
	routes := []netlink.Route{
		{Dst: nil, LinkIndex: 1},
		{Dst: mustCIDR(t, "10.0.0.0/8"), Src: net.ParseIP("10.0.0.1"), LinkIndex: 2},
		{Dst: mustCIDR(t, "10.0.0.0/24"), Src: net.ParseIP("10.0.0.2"), LinkIndex: 3},
	}

	match := longestPrefixMatch(routes, net.ParseIP("10.0.0.50"))
	if match == nil {
		t.Fatalf("expected a match")
	}
	if match.LinkIndex != 3 {
		t.Fatalf("expected the /24 route (link 3) to win, got link %d", match.LinkIndex)
	}
}

func TestLongestPrefixMatchFallsBackToDefaultRoute(t *testing.T) {
	routes := []netlink.Route{
		{Dst: nil, LinkIndex: 1},
		{Dst: mustCIDR(t, "192.168.0.0/24"), Src: net.ParseIP("192.168.0.1"), LinkIndex: 2},
	}

	match := longestPrefixMatch(routes, net.ParseIP("8.8.8.8"))
	if match == nil {
		t.Fatalf("expected the default route to match")
	}
	if match.LinkIndex != 1 {
		t.Fatalf("expected the default route (link 1), got link %d", match.LinkIndex)
	}
}

func TestLongestPrefixMatchNoRoute(t *testing.T) {
	routes := []netlink.Route{
		{Dst: mustCIDR(t, "192.168.0.0/24"), Src: net.ParseIP("192.168.0.1"), LinkIndex: 2},
	}
	if match := longestPrefixMatch(routes, net.ParseIP("8.8.8.8")); match != nil {
		t.Fatalf("expected no match, got link %d", match.LinkIndex)
	}
}
