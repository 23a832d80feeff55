package benchclient

import "testing"

func TestGIDFromPartsMatchesByteLayout(t *testing.T) {
	t.Parallel()

	got := gidFromParts(0x00000000000000fe, 0x0202c9fffe000001)
	want := [16]byte{0, 0, 0, 0, 0, 0, 0, 0xfe, 0x02, 0x02, 0xc9, 0xff, 0xfe, 0x00, 0x00, 0x01}
	if got != want {
		t.Fatalf("gidFromParts() = %x, want %x", got, want)
	}
}
