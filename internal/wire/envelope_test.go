package wire

import "testing"

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []ControlEnvelope{
		{RequestType: Disconnect},
		{
			RequestType: WriteRequest,
			RemoteAddr:  0xdeadbeefcafef00d,
			MessageSize: 1 << 30,
			Rkey:        0x1234,
			Lkey:        0x5678,
			Iterations:  10,
		},
		{RequestType: WriteFinished, Iterations: 1},
	}

	for _, want := range cases {
		encoded, err := want.Encode()
		if err != nil {
			t.Fatalf("Encode returned error: %v", err)
		}
		if len(encoded) != envelopeSize {
			t.Fatalf("expected %d encoded bytes, got %d", envelopeSize, len(encoded))
		}

		got, err := DecodeEnvelope(encoded)
		if err != nil {
			t.Fatalf("DecodeEnvelope returned error: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestDecodeEnvelopeRejectsWrongSize(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEnvelope([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for undersized buffer")
	}
}

func TestRequestTypeString(t *testing.T) {
	t.Parallel()

	if got := WriteRequest.String(); got != "WriteRequest" {
		t.Fatalf("expected WriteRequest, got %q", got)
	}
	if got := RequestType(99).String(); got != "Undef" {
		t.Fatalf("expected Undef for unknown request type, got %q", got)
	}
}
