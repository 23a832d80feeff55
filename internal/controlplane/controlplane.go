// Package controlplane implements the out-of-band control channel between
// benchmark client and server (spec §4.6): the three RPC methods the data
// plane depends on to exchange QP and MR identifiers before any RDMA_WRITE
// is posted, plus the envelope channel over which the client sends
// WriteFinished once the transfer completes (the server also accepts and
// logs Disconnect, which the client never sends).
//
// The spec explicitly leaves the wire framing of this channel "outside
// scope" (§6) and lists "a general RPC framework" among its non-goals
// (§1); this package therefore builds on net/rpc and encoding/gob rather
// than pulling in a dedicated RPC stack, the one place in this module
// where the ambient-stack rule of following the teacher's third-party
// choices is itself overridden by the specification.
package controlplane

import (
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"
)

// Mode distinguishes the single-IP and multi-IP GID selection policies a
// CreateRdmaServer call can request (spec §4.7 "either a fixed single-IP
// GID or the i-th of the multi-IP table, wrapping by qp_index").
type Mode int

const (
	ModeSingleIP Mode = iota
	ModeMultiIP
)

// CreateRdmaServerRequest registers a client session before any QP/MR
// calls are accepted.
type CreateRdmaServerRequest struct {
	ClientID string
	Mode     Mode
	Family   int
	QPNs     []uint32
}

// CreateRdmaServerResponse acknowledges registration.
type CreateRdmaServerResponse struct {
	OK bool
}

// QueuePairTuple is the (qpn, gid_subnet, gid_interface, lid, psn) tuple
// exchanged symmetrically by CreateQueuePair (spec §4.6). LID is carried
// for wire parity with the source this spec was distilled from but is
// never read by the connect path (spec §9 design note).
type QueuePairTuple struct {
	ClientID     string
	QPN          uint32
	GIDSubnet    uint64
	GIDInterface uint64
	LID          uint16
	PSN          uint32
}

// CreateMemoryRegionRequest asks the server to register a remotely
// writable buffer of Size bytes.
type CreateMemoryRegionRequest struct {
	ClientID string
	Size     uint64
}

// CreateMemoryRegionResponse returns the registered buffer's remote
// address and rkey.
type CreateMemoryRegionResponse struct {
	Addr uint64
	Rkey uint32
}

// Handler is implemented by the server reactor (spec §4.7) and invoked by
// the generated RPC service. It runs single-threaded: all calls are
// serialized through whatever channel-backed actor the caller wires in.
type Handler interface {
	CreateRdmaServer(req CreateRdmaServerRequest) (CreateRdmaServerResponse, error)
	CreateQueuePair(req QueuePairTuple) (QueuePairTuple, error)
	CreateMemoryRegion(req CreateMemoryRegionRequest) (CreateMemoryRegionResponse, error)
}

// service adapts a Handler to the net/rpc calling convention (exported
// methods of (Req, *Resp) error).
type service struct {
	h Handler
}

func (s *service) CreateRdmaServer(req CreateRdmaServerRequest, resp *CreateRdmaServerResponse) error {
	out, err := s.h.CreateRdmaServer(req)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

func (s *service) CreateQueuePair(req QueuePairTuple, resp *QueuePairTuple) error {
	out, err := s.h.CreateQueuePair(req)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

func (s *service) CreateMemoryRegion(req CreateMemoryRegionRequest, resp *CreateMemoryRegionResponse) error {
	out, err := s.h.CreateMemoryRegion(req)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

// Server listens for control-plane RPCs and dispatches them to h. One
// connection is expected per client session, matching the single-client
// benchmark model this spec describes.
type Server struct {
	ln net.Listener

	mu   sync.Mutex
	wg   sync.WaitGroup
	done bool
}

// Listen starts a control-plane server on addr.
func Listen(addr string, h Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Control", &service{h: h}); err != nil {
		ln.Close()
		return nil, fmt.Errorf("controlplane: register service: %w", err)
	}

	s := &Server{ln: ln}
	s.wg.Add(1)
	go s.acceptLoop(rpcServer)
	return s, nil
}

func (s *Server) acceptLoop(rpcServer *rpc.Server) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.done
			s.mu.Unlock()
			if closed {
				return
			}
			slog.Warn("controlplane: accept failed", "error", err)
			return
		}
		go rpcServer.ServeConn(conn)
	}
}

// Addr reports the bound listen address (useful when addr was ":0").
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// Client is the data-plane driver's handle onto the control channel.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to a control-plane server at addr.
func Dial(addr string) (*Client, error) {
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("controlplane: dial %s: %w", addr, err)
	}
	return &Client{rpc: c}, nil
}

func (c *Client) CreateRdmaServer(req CreateRdmaServerRequest) (CreateRdmaServerResponse, error) {
	var resp CreateRdmaServerResponse
	if err := c.rpc.Call("Control.CreateRdmaServer", req, &resp); err != nil {
		return CreateRdmaServerResponse{}, fmt.Errorf("controlplane: CreateRdmaServer: %w", err)
	}
	return resp, nil
}

func (c *Client) CreateQueuePair(req QueuePairTuple) (QueuePairTuple, error) {
	var resp QueuePairTuple
	if err := c.rpc.Call("Control.CreateQueuePair", req, &resp); err != nil {
		return QueuePairTuple{}, fmt.Errorf("controlplane: CreateQueuePair: %w", err)
	}
	return resp, nil
}

func (c *Client) CreateMemoryRegion(req CreateMemoryRegionRequest) (CreateMemoryRegionResponse, error) {
	var resp CreateMemoryRegionResponse
	if err := c.rpc.Call("Control.CreateMemoryRegion", req, &resp); err != nil {
		return CreateMemoryRegionResponse{}, fmt.Errorf("controlplane: CreateMemoryRegion: %w", err)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}
