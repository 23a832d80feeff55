package rdma

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	gidsDirName  = "gids"
	gidTypesDir  = "types"
)

// GIDType distinguishes RoCEv1 (link-local, Ethernet-only) from RoCEv2
// (IP-routable), mirroring the sysfs gid_attrs/types contents (spec §3
// "GID entry").
type GIDType int

const (
	GIDTypeUnknown GIDType = iota
	GIDTypeRoCEv1
	GIDTypeRoCEv2
	GIDTypeInfiniBand
)

func parseGIDType(raw string) GIDType {
	switch {
	case strings.Contains(raw, "RoCE v2"):
		return GIDTypeRoCEv2
	case strings.Contains(raw, "RoCE v1"), strings.Contains(raw, "IB/RoCE v1"):
		return GIDTypeRoCEv1
	case strings.Contains(raw, "IB"):
		return GIDTypeInfiniBand
	default:
		return GIDTypeUnknown
	}
}

// GIDEntry is one populated row of a port's GID table.
type GIDEntry struct {
	Device string
	Port   int
	Index  int
	Bytes  [16]byte
	Type   GIDType
}

// IPv4 reports the embedded address if Bytes is an IPv4-mapped IPv6
// address (::ffff:a.b.c.d), and whether it was present.
func (g GIDEntry) IPv4() (net.IP, bool) {
	ip := net.IP(g.Bytes[:])
	v4 := ip.To4()
	if v4 == nil {
		return nil, false
	}
	for i := 0; i < 10; i++ {
		if g.Bytes[i] != 0 {
			return nil, false
		}
	}
	if g.Bytes[10] != 0xff || g.Bytes[11] != 0xff {
		return nil, false
	}
	return v4, true
}

// GIDsForPort walks every populated GID table entry for one device/port
// under sysfsRoot, reading both the GID value and its type attribute
// (spec §4.1 locate_roce step "iterates indices 0..<L").
func GIDsForPort(sysfsRoot, device string, port, tableLen int) ([]GIDEntry, error) {
	portDir := filepath.Join(sysfsRoot, classInfinibandPath, device, portsDirName, strconv.Itoa(port))
	gidsDir := filepath.Join(portDir, gidsDirName)
	typesDir := filepath.Join(portDir, gidAttrsDirName, gidTypesDir)

	var entries []GIDEntry
	for idx := 0; idx < tableLen; idx++ {
		raw, err := os.ReadFile(filepath.Join(gidsDir, strconv.Itoa(idx)))
		if err != nil {
			continue
		}
		bytes, ok := parseGIDString(strings.TrimSpace(string(raw)))
		if !ok {
			continue
		}
		if isZeroGID(bytes) {
			continue
		}

		typeRaw, err := os.ReadFile(filepath.Join(typesDir, strconv.Itoa(idx)))
		gidType := GIDTypeUnknown
		if err == nil {
			gidType = parseGIDType(strings.TrimSpace(string(typeRaw)))
		}

		entries = append(entries, GIDEntry{
			Device: device,
			Port:   port,
			Index:  idx,
			Bytes:  bytes,
			Type:   gidType,
		})
	}
	return entries, nil
}

func isZeroGID(b [16]byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// parseGIDString accepts the colon-separated hex-group form sysfs uses
// (e.g. "0000:0000:0000:0000:0000:ffff:0a00:0005").
func parseGIDString(s string) ([16]byte, bool) {
	var out [16]byte
	groups := strings.Split(s, ":")
	if len(groups) != 8 {
		return out, false
	}
	var buf []byte
	for _, g := range groups {
		if len(g) != 4 {
			g = strings.Repeat("0", 4-len(g)) + g
		}
		b, err := hex.DecodeString(g)
		if err != nil || len(b) != 2 {
			return out, false
		}
		buf = append(buf, b...)
	}
	copy(out[:], buf)
	return out, true
}

// ReadGIDType reads a single port/index gid_attrs/types entry, for callers
// that already have the GID bytes from ibv_query_gid and only need the
// type classification (internal/route's locate_roce).
func ReadGIDType(sysfsRoot, device string, port, index int) (GIDType, error) {
	path := filepath.Join(sysfsRoot, classInfinibandPath, device, portsDirName, strconv.Itoa(port), gidAttrsDirName, gidTypesDir, strconv.Itoa(index))
	raw, err := os.ReadFile(path)
	if err != nil {
		return GIDTypeUnknown, fmt.Errorf("read gid type %s port %d index %d: %w", device, port, index, err)
	}
	return parseGIDType(strings.TrimSpace(string(raw))), nil
}

// FormatGID renders a GID the way the control plane and logs present it:
// the IPv6 string form, with IPv4-mapped GIDs kept in hex groups
// ("::ffff:a01:203") rather than dotted quads (spec §8 round-trip property).
func FormatGID(b [16]byte) string {
	ip := net.IP(b[:])
	if ip.To4() != nil {
		return fmt.Sprintf("::ffff:%x:%x", uint16(b[12])<<8|uint16(b[13]), uint16(b[14])<<8|uint16(b[15]))
	}
	return ip.String()
}

// IPv4MappedGID builds the 16-byte ::ffff:a.b.c.d encoding for ip (spec
// §8 "GID-from-IPv4 round trip").
func IPv4MappedGID(ip net.IP) ([16]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return [16]byte{}, fmt.Errorf("not an ipv4 address: %v", ip)
	}
	var out [16]byte
	out[10] = 0xff
	out[11] = 0xff
	copy(out[12:], v4)
	return out, nil
}
