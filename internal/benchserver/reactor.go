// Package benchserver implements the server reactor (spec §4.7): a
// single-task actor that owns one protection domain and a table of queue
// pairs, processing CreateQueuePair/CreateMemoryRegion requests serially
// off a command channel buffered to 64 entries; callers block once it is
// full.
package benchserver

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kobayashi-oss/rdmabench/internal/controlplane"
	"github.com/kobayashi-oss/rdmabench/internal/qpfactory"
	"github.com/kobayashi-oss/rdmabench/internal/verbs"
	"github.com/kobayashi-oss/rdmabench/internal/wire"
)

// GIDSlot is one candidate local GID the reactor can hand out to an
// incoming QP, identified by its device-relative port and table index.
type GIDSlot struct {
	Port     uint8
	GIDIndex int
	Bytes    [16]byte
}

// Reactor is the server-side actor. It is constructed around an already
// opened device and allocated PD, and a GID table the caller has already
// resolved (spec §4.1 locate_roce runs ahead of time, once, at startup).
type Reactor struct {
	dev  *verbs.Device
	pd   *verbs.PD
	gids []GIDSlot
	mode controlplane.Mode

	cmds chan func()
	done chan struct{}

	mu          sync.Mutex
	nextQPIndex int
	qps         map[uint32]*qpfactory.QueuePair
	mrs         []*verbs.MR
	registered  map[string]bool
}

// New constructs a Reactor and starts its command loop goroutine.
func New(dev *verbs.Device, pd *verbs.PD, gids []GIDSlot, mode controlplane.Mode) *Reactor {
	r := &Reactor{
		dev:        dev,
		pd:         pd,
		gids:       gids,
		mode:       mode,
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		qps:        make(map[uint32]*qpfactory.QueuePair),
		registered: make(map[string]bool),
	}
	go r.run()
	return r
}

func (r *Reactor) run() {
	for {
		select {
		case cmd := <-r.cmds:
			cmd()
		case <-r.done:
			return
		}
	}
}

// Close stops the reactor and tears down every QP and MR it owns, in
// dependency order (QPs before the PD/device that outlive them).
func (r *Reactor) Close() error {
	close(r.done)

	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, qp := range r.qps {
		if err := qp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, mr := range r.mrs {
		if err := mr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// submit runs fn on the reactor's single command goroutine and returns
// its result, blocking the caller until it completes — this is how every
// exported Handler method gets serialized through the actor.
func submit[T any](r *Reactor, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	out := make(chan result, 1)
	r.cmds <- func() {
		v, err := fn()
		out <- result{val: v, err: err}
	}
	res := <-out
	return res.val, res.err
}

// CreateRdmaServer registers a client session and adopts the GID selection
// mode it requests. CreateQueuePair and CreateMemoryRegion refuse any
// client_id that hasn't registered first.
func (r *Reactor) CreateRdmaServer(req controlplane.CreateRdmaServerRequest) (controlplane.CreateRdmaServerResponse, error) {
	return submit(r, func() (controlplane.CreateRdmaServerResponse, error) {
		r.mu.Lock()
		r.registered[req.ClientID] = true
		r.mode = req.Mode
		r.mu.Unlock()
		slog.Info("client registered", "client_id", req.ClientID, "qpns", req.QPNs)
		return controlplane.CreateRdmaServerResponse{OK: true}, nil
	})
}

// CreateQueuePair selects the next GID slot (fixed single-IP, or the i-th
// of the multi-IP table wrapping by QP index), builds and connects a QP
// against the request's remote tuple, and replies with the local tuple
// (spec §4.7).
func (r *Reactor) CreateQueuePair(req controlplane.QueuePairTuple) (controlplane.QueuePairTuple, error) {
	return submit(r, func() (controlplane.QueuePairTuple, error) {
		r.mu.Lock()
		registered := r.registered[req.ClientID]
		r.mu.Unlock()
		if !registered {
			return controlplane.QueuePairTuple{}, fmt.Errorf("server reactor: client_id %q is not registered", req.ClientID)
		}

		if len(r.gids) == 0 {
			return controlplane.QueuePairTuple{}, fmt.Errorf("server reactor: no GID slots configured")
		}

		r.mu.Lock()
		qpIndex := r.nextQPIndex
		r.nextQPIndex++
		r.mu.Unlock()

		slot := r.selectGID(qpIndex)

		qp, err := qpfactory.Build(r.dev, r.pd, slot.Port)
		if err != nil {
			return controlplane.QueuePairTuple{}, fmt.Errorf("server reactor: build qp: %w", err)
		}

		remote := verbs.RemoteEndpoint{
			GID:      gidFromParts(req.GIDSubnet, req.GIDInterface),
			QPN:      req.QPN,
			PSN:      req.PSN,
			GIDIndex: slot.GIDIndex,
		}
		if err := qpfactory.Connect(qp.QP, remote); err != nil {
			qp.Close()
			return controlplane.QueuePairTuple{}, fmt.Errorf("server reactor: connect qp: %w", err)
		}

		r.mu.Lock()
		r.qps[qp.LocalQPN] = qp
		r.mu.Unlock()

		subnet, iface := gidToParts(slot.Bytes)
		return controlplane.QueuePairTuple{
			ClientID:     req.ClientID,
			QPN:          qp.LocalQPN,
			GIDSubnet:    subnet,
			GIDInterface: iface,
			PSN:          qp.LocalPSN,
		}, nil
	})
}

// CreateMemoryRegion allocates a buffer of the requested size and
// registers it for remote read/write access, replying with (addr, rkey)
// (spec §4.7). Buffers and MRs stay registered for the reactor's whole
// lifetime; they are deregistered only by Close at shutdown.
func (r *Reactor) CreateMemoryRegion(req controlplane.CreateMemoryRegionRequest) (controlplane.CreateMemoryRegionResponse, error) {
	return submit(r, func() (controlplane.CreateMemoryRegionResponse, error) {
		r.mu.Lock()
		registered := r.registered[req.ClientID]
		r.mu.Unlock()
		if !registered {
			return controlplane.CreateMemoryRegionResponse{}, fmt.Errorf("server reactor: client_id %q is not registered", req.ClientID)
		}

		buf := make([]byte, req.Size)
		mr, err := r.pd.RegisterMemory(buf, verbs.AccessLocalWrite|verbs.AccessRemoteRead|verbs.AccessRemoteWrite)
		if err != nil {
			return controlplane.CreateMemoryRegionResponse{}, fmt.Errorf("server reactor: register memory: %w", err)
		}

		r.mu.Lock()
		r.mrs = append(r.mrs, mr)
		r.mu.Unlock()

		return controlplane.CreateMemoryRegionResponse{Addr: uint64(mr.Addr), Rkey: mr.Rkey}, nil
	})
}

// HandleEnvelope processes a control envelope received on the raw
// envelope channel (spec §3, §6). Only WriteFinished and Disconnect are
// meaningful on the server side; anything else is logged and ignored.
func (r *Reactor) HandleEnvelope(env wire.ControlEnvelope, _ net.Conn) {
	switch env.RequestType {
	case wire.WriteFinished:
		slog.Info("client signaled WriteFinished", "bytes_transferred", env.MessageSize)
	case wire.Disconnect:
		slog.Info("client signaled Disconnect")
	default:
		slog.Debug("ignoring control envelope", "request_type", env.RequestType)
	}
}

func (r *Reactor) selectGID(qpIndex int) GIDSlot {
	if r.mode == controlplane.ModeSingleIP {
		return r.gids[0]
	}
	return r.gids[qpIndex%len(r.gids)]
}

func gidFromParts(subnet, iface uint64) [16]byte {
	var gid [16]byte
	for i := 0; i < 8; i++ {
		gid[i] = byte(subnet >> (56 - 8*i))
		gid[8+i] = byte(iface >> (56 - 8*i))
	}
	return gid
}

func gidToParts(gid [16]byte) (subnet, iface uint64) {
	for i := 0; i < 8; i++ {
		subnet = subnet<<8 | uint64(gid[i])
		iface = iface<<8 | uint64(gid[8+i])
	}
	return subnet, iface
}
