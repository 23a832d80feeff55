package controlplane

import (
	"fmt"
	"net"

	"github.com/kobayashi-oss/rdmabench/internal/wire"
)

// EnvelopeConn carries the fixed-layout control envelope (spec §3, §6)
// used only for termination signaling (registration goes over the RPC
// methods) — never on the hot path, and never multiplexed onto the
// gob-based RPC connection the three Create* methods use.
type EnvelopeConn struct {
	conn net.Conn
}

// DialEnvelope opens a raw envelope connection to addr.
func DialEnvelope(addr string) (*EnvelopeConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("controlplane: dial envelope %s: %w", addr, err)
	}
	return &EnvelopeConn{conn: conn}, nil
}

// Send encodes and writes one control envelope.
func (c *EnvelopeConn) Send(env wire.ControlEnvelope) error {
	b, err := env.Encode()
	if err != nil {
		return fmt.Errorf("controlplane: encode envelope: %w", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("controlplane: write envelope: %w", err)
	}
	return nil
}

// Receive reads and decodes one control envelope.
func (c *EnvelopeConn) Receive() (wire.ControlEnvelope, error) {
	buf := make([]byte, wire.EnvelopeSize)
	if _, err := readFull(c.conn, buf); err != nil {
		return wire.ControlEnvelope{}, fmt.Errorf("controlplane: read envelope: %w", err)
	}
	return wire.DecodeEnvelope(buf)
}

func (c *EnvelopeConn) Close() error {
	return c.conn.Close()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// EnvelopeHandler is called once per received envelope, on a per-connection
// goroutine.
type EnvelopeHandler func(env wire.ControlEnvelope, conn net.Conn)

// EnvelopeServer accepts raw envelope connections (spec §3 "control
// channel"), reading one envelope at a time from each and dispatching to
// an EnvelopeHandler.
type EnvelopeServer struct {
	ln net.Listener
}

// ListenEnvelope starts accepting envelope connections on addr.
func ListenEnvelope(addr string, handle EnvelopeHandler) (*EnvelopeServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("controlplane: listen envelope %s: %w", addr, err)
	}
	s := &EnvelopeServer{ln: ln}
	go s.acceptLoop(handle)
	return s, nil
}

func (s *EnvelopeServer) acceptLoop(handle EnvelopeHandler) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			buf := make([]byte, wire.EnvelopeSize)
			for {
				if _, err := readFull(conn, buf); err != nil {
					return
				}
				env, err := wire.DecodeEnvelope(buf)
				if err != nil {
					return
				}
				handle(env, conn)
			}
		}(conn)
	}
}

// Addr reports the bound listen address.
func (s *EnvelopeServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops accepting new envelope connections.
func (s *EnvelopeServer) Close() error {
	return s.ln.Close()
}
