// Package route implements the route & GID resolver (spec §4.1): mapping
// a destination IPv4 address to the source IPv4 this host would use to
// reach it, and mapping that source IPv4 to the RDMA device/port/GID
// combination capable of addressing it over RoCEv2.
package route

import (
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"

	"github.com/kobayashi-oss/rdmabench/internal/rdma"
	"github.com/kobayashi-oss/rdmabench/internal/verbs"
)

// RouteMissing is returned when no kernel route covers the destination.
type RouteMissing struct {
	Dst net.IP
}

func (e *RouteMissing) Error() string {
	return fmt.Sprintf("no route to %s", e.Dst)
}

// NoRoceEndpoint is returned when no device/port/GID combination on the
// host can address src over RoCEv2.
type NoRoceEndpoint struct {
	Src net.IP
}

func (e *NoRoceEndpoint) Error() string {
	return fmt.Sprintf("no RoCEv2 endpoint found for source %s", e.Src)
}

// SourceIPFor enumerates the kernel's IPv4 routing table, groups routes by
// prefix length, and performs a longest-prefix match against dst. If the
// matching route carries a preferred source address that is used; else the
// outgoing interface's primary IPv4 is returned (spec §4.1).
func SourceIPFor(dst net.IP) (net.IP, error) {
	dst4 := dst.To4()
	if dst4 == nil {
		return nil, fmt.Errorf("source_ip_for: %s is not an ipv4 address", dst)
	}

	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("source_ip_for: list routes: %w", err)
	}

	match := longestPrefixMatch(routes, dst4)
	if match == nil {
		return nil, &RouteMissing{Dst: dst}
	}
	if match.Src != nil {
		if v4 := match.Src.To4(); v4 != nil {
			return v4, nil
		}
	}
	if ip, ok := primaryIPv4(match.LinkIndex); ok {
		return ip, nil
	}
	return nil, &RouteMissing{Dst: dst}
}

// longestPrefixMatch groups routes by prefix length into ordered buckets
// and returns the first route in the longest matching bucket, mirroring
// spec §4.1's "groups routes by prefix length into ordered maps" wording.
// Kept free of any netlink syscalls so it can be exercised directly with
// literal netlink.Route values.
func longestPrefixMatch(routes []netlink.Route, dst4 net.IP) *netlink.Route {
	byPrefixLen := make(map[int][]netlink.Route)
	for _, r := range routes {
		if r.Dst == nil {
			// default route: prefix length 0.
			byPrefixLen[0] = append(byPrefixLen[0], r)
			continue
		}
		ones, _ := r.Dst.Mask.Size()
		byPrefixLen[ones] = append(byPrefixLen[ones], r)
	}

	lengths := make([]int, 0, len(byPrefixLen))
	for l := range byPrefixLen {
		lengths = append(lengths, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(lengths)))

	for _, l := range lengths {
		for i, r := range byPrefixLen[l] {
			if r.Dst != nil && !r.Dst.Contains(dst4) {
				continue
			}
			return &byPrefixLen[l][i]
		}
	}
	return nil
}

func primaryIPv4(linkIndex int) (net.IP, bool) {
	link, err := netlink.LinkByIndex(linkIndex)
	if err != nil {
		return nil, false
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil || len(addrs) == 0 {
		return nil, false
	}
	v4 := addrs[0].IP.To4()
	if v4 == nil {
		return nil, false
	}
	return v4, true
}

// Endpoint is the result of LocateRoCE: the device/port/GID combination
// that addresses src over RoCEv2.
type Endpoint struct {
	DeviceName string
	Port       uint8
	GIDIndex   int
	GIDBytes   [16]byte
}

// LocateRoCE iterates every RDMA device, every port on it, and every
// populated GID table entry, returning the first whose embedded IPv4
// matches src and whose type is RoCEv2 (spec §4.1).
func LocateRoCE(src net.IP, sysfsRoot string) (Endpoint, error) {
	src4 := src.To4()
	if src4 == nil {
		return Endpoint{}, fmt.Errorf("locate_roce: %s is not an ipv4 address", src)
	}

	names, err := verbs.ListDeviceNames()
	if err != nil {
		return Endpoint{}, fmt.Errorf("locate_roce: %w", err)
	}

	for _, name := range names {
		dev, err := verbs.OpenDevice(name)
		if err != nil {
			continue
		}
		endpoint, found, err := locateOnDevice(dev, name, src4, sysfsRoot)
		dev.Close()
		if err != nil {
			return Endpoint{}, err
		}
		if found {
			return endpoint, nil
		}
	}
	return Endpoint{}, &NoRoceEndpoint{Src: src}
}

func locateOnDevice(dev *verbs.Device, name string, src4 net.IP, sysfsRoot string) (Endpoint, bool, error) {
	first, err := dev.QueryPort(1)
	if err != nil {
		return Endpoint{}, false, nil
	}

	for port := uint8(1); port <= first.PhysPortCount; port++ {
		attr, err := dev.QueryPort(port)
		if err != nil {
			continue
		}

		for idx := 0; idx < attr.GIDTableLen; idx++ {
			gid, err := dev.QueryGID(port, idx)
			if err != nil {
				continue
			}
			entry := rdma.GIDEntry{Device: name, Port: int(port), Index: idx, Bytes: gid}
			ip, ok := entry.IPv4()
			if !ok || !ip.Equal(src4) {
				continue
			}
			gidType, err := rdma.ReadGIDType(sysfsRoot, name, int(port), idx)
			if err != nil || gidType != rdma.GIDTypeRoCEv2 {
				continue
			}
			return Endpoint{DeviceName: name, Port: port, GIDIndex: idx, GIDBytes: gid}, true, nil
		}
	}

	return Endpoint{}, false, nil
}
