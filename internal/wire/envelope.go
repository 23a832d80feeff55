// Package wire implements the fixed-layout control envelope exchanged
// between the benchmark client and server for registration and completion
// signaling. It is never used on the RDMA data-plane hot path.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RequestType tags the purpose of a ControlEnvelope.
type RequestType uint8

// Request types. Only WriteRequest, WriteResponse, and WriteFinished are on
// the hot path of this benchmark; the rest exist for wire completeness with
// the SEND/READ scaffolding the spec keeps dormant.
const (
	Disconnect    RequestType = 0
	WriteRequest  RequestType = 1
	WriteResponse RequestType = 2
	WriteFinished RequestType = 3
	SendRequest   RequestType = 4
	SendResponse  RequestType = 5
	SendFinished  RequestType = 6
	ReadRequest   RequestType = 7
	ReadResponse  RequestType = 8
	ReadFinished  RequestType = 9
	Undef         RequestType = 128
)

func (t RequestType) String() string {
	switch t {
	case Disconnect:
		return "Disconnect"
	case WriteRequest:
		return "WriteRequest"
	case WriteResponse:
		return "WriteResponse"
	case WriteFinished:
		return "WriteFinished"
	case SendRequest:
		return "SendRequest"
	case SendResponse:
		return "SendResponse"
	case SendFinished:
		return "SendFinished"
	case ReadRequest:
		return "ReadRequest"
	case ReadResponse:
		return "ReadResponse"
	case ReadFinished:
		return "ReadFinished"
	default:
		return "Undef"
	}
}

// EnvelopeSize is the encoded size in bytes: 1 + 7 pad + 8 + 8 + 4 + 4 + 4 + 4 pad.
const EnvelopeSize = 40

const envelopeSize = EnvelopeSize

// ControlEnvelope is the fixed layout struct described in spec §6. Field
// order and sizes mirror the wire format exactly; both peers are assumed to
// share byte order (host-native, per spec §6).
type ControlEnvelope struct {
	RequestType  RequestType
	RemoteAddr   uint64
	MessageSize  uint64
	Rkey         uint32
	Lkey         uint32
	Iterations   uint32
}

// wireEnvelope is the exact byte-for-byte layout, used only at the
// encode/decode boundary so ControlEnvelope itself stays idiomatic Go.
type wireEnvelope struct {
	RequestType uint8
	_           [7]uint8
	RemoteAddr  uint64
	MessageSize uint64
	Rkey        uint32
	Lkey        uint32
	Iterations  uint32
	_           uint32
}

// Encode serializes e into its fixed 40-byte wire representation.
func (e ControlEnvelope) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(envelopeSize)
	w := wireEnvelope{
		RequestType: uint8(e.RequestType),
		RemoteAddr:  e.RemoteAddr,
		MessageSize: e.MessageSize,
		Rkey:        e.Rkey,
		Lkey:        e.Lkey,
		Iterations:  e.Iterations,
	}
	if err := binary.Write(buf, binary.NativeEndian, w); err != nil {
		return nil, fmt.Errorf("encode control envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses a fixed 40-byte wire representation into a
// ControlEnvelope.
func DecodeEnvelope(b []byte) (ControlEnvelope, error) {
	if len(b) != envelopeSize {
		return ControlEnvelope{}, fmt.Errorf("decode control envelope: expected %d bytes, got %d", envelopeSize, len(b))
	}
	var w wireEnvelope
	if err := binary.Read(bytes.NewReader(b), binary.NativeEndian, &w); err != nil {
		return ControlEnvelope{}, fmt.Errorf("decode control envelope: %w", err)
	}
	return ControlEnvelope{
		RequestType: RequestType(w.RequestType),
		RemoteAddr:  w.RemoteAddr,
		MessageSize: w.MessageSize,
		Rkey:        w.Rkey,
		Lkey:        w.Lkey,
		Iterations:  w.Iterations,
	}, nil
}
