package rdma

import (
	"net"
	"path/filepath"
	"testing"
)

func TestGIDsForPort(t *testing.T) {
	t.Parallel()

	root := filepath.Join("testdata", "sysfs", "gid")
	entries, err := GIDsForPort(root, "mlx5_0", 1, 16)
	if err != nil {
		t.Fatalf("GIDsForPort: %v", err)
	}

	// index 1 is all-zero and must be skipped; indices 0 and 3 are populated.
	if len(entries) != 2 {
		t.Fatalf("expected 2 populated entries, got %d", len(entries))
	}

	byIndex := make(map[int]GIDEntry, len(entries))
	for _, e := range entries {
		byIndex[e.Index] = e
	}

	roceV1, ok := byIndex[0]
	if !ok {
		t.Fatalf("missing index 0")
	}
	if roceV1.Type != GIDTypeRoCEv1 {
		t.Fatalf("expected index 0 to be RoCEv1, got %v", roceV1.Type)
	}

	roceV2, ok := byIndex[3]
	if !ok {
		t.Fatalf("missing index 3")
	}
	if roceV2.Type != GIDTypeRoCEv2 {
		t.Fatalf("expected index 3 to be RoCEv2, got %v", roceV2.Type)
	}
	ip, ok := roceV2.IPv4()
	if !ok {
		t.Fatalf("expected index 3 to carry an ipv4-mapped address")
	}
	if want := "10.0.0.5"; ip.String() != want {
		t.Fatalf("expected embedded ip %s, got %s", want, ip.String())
	}
}

func TestReadGIDType(t *testing.T) {
	t.Parallel()

	root := filepath.Join("testdata", "sysfs", "gid")
	got, err := ReadGIDType(root, "mlx5_0", 1, 3)
	if err != nil {
		t.Fatalf("ReadGIDType: %v", err)
	}
	if got != GIDTypeRoCEv2 {
		t.Fatalf("expected RoCEv2, got %v", got)
	}
}

func TestIPv4MappedGIDRoundTrip(t *testing.T) {
	t.Parallel()

	ip := net.ParseIP("10.1.2.3")
	gid, err := IPv4MappedGID(ip)
	if err != nil {
		t.Fatalf("IPv4MappedGID: %v", err)
	}
	// spec §8 scenario 6: locate_roce(10.1.2.3).gid formatted to IPv6
	// string = "::ffff:a01:203"
	if want, got := "::ffff:a01:203", FormatGID(gid); got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestIPv4MappedGIDRejectsIPv6(t *testing.T) {
	t.Parallel()

	_, err := IPv4MappedGID(net.ParseIP("2001:db8::1"))
	if err == nil {
		t.Fatalf("expected error for non-ipv4 address")
	}
}
