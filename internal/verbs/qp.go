package verbs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	ibv "github.com/zrlio/ibverbs-go"
)

// QPCaps are the queue pair capacity requirements from spec §4.2 step 3.
type QPCaps struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// DefaultQPCaps satisfies the minimums spec §4.2 requires.
func DefaultQPCaps() QPCaps {
	return QPCaps{
		MaxSendWR:     MinCQDepth,
		MaxRecvWR:     MinCQDepth,
		MaxSendSGE:    15,
		MaxRecvSGE:    15,
		MaxInlineData: 64,
	}
}

// QPState mirrors the RC state machine in spec §3: strictly monotonic
// RESET -> INIT -> RTR -> RTS, with ERR terminal pending destroy.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateErr
)

// QP is a reliable-connected queue pair with associated send/recv CQ.
type QP struct {
	dev  *Device
	qp   *ibv.QueuePair
	port uint8

	LocalQPN uint32
	LocalPSN uint32

	mu    sync.Mutex
	state QPState

	closeMu sync.Mutex
	closed  bool
}

// CreateQP creates an RC queue pair with sendCQ == recvCQ == cq,
// sq_sig_all=0 (selective signaling only).
func (p *PD) CreateQP(dev *Device, cq *CQ, caps QPCaps) (*QP, error) {
	qp, err := p.pd.CreateQueuePair(ibv.QueuePairInitAttr{
		SendCQ:        cq.cq,
		RecvCQ:        cq.cq,
		QPType:        ibv.QPTypeRC,
		SQSigAll:      false,
		MaxSendWR:     int(caps.MaxSendWR),
		MaxRecvWR:     int(caps.MaxRecvWR),
		MaxSendSGE:    int(caps.MaxSendSGE),
		MaxRecvSGE:    int(caps.MaxRecvSGE),
		MaxInlineData: int(caps.MaxInlineData),
	})
	if err != nil {
		return nil, fmt.Errorf("ibv_create_qp(%s): %w", dev.Name, err)
	}

	psn, err := randomPSN()
	if err != nil {
		return nil, fmt.Errorf("generate local psn: %w", err)
	}

	return &QP{
		dev:      dev,
		qp:       qp,
		LocalQPN: qp.QPN(),
		LocalPSN: psn,
		state:    QPStateReset,
	}, nil
}

func randomPSN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]) & 0xFFFFFF, nil
}

// ModifyToInit transitions RESET->INIT (spec §4.2 step 4).
func (qp *QP) ModifyToInit(port uint8) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateReset {
		return fmt.Errorf("modify to init: qp %d not in RESET state", qp.LocalQPN)
	}

	qp.port = port
	err := qp.qp.ModifyToInit(ibv.QPInitAttr{
		PKeyIndex:   0,
		PortNum:     int(port),
		AccessFlags: int(AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite),
	})
	if err != nil {
		qp.state = QPStateErr
		return fmt.Errorf("ibv_modify_qp(INIT, qpn=%d): %w", qp.LocalQPN, err)
	}
	qp.state = QPStateInit
	return nil
}

// RemoteEndpoint identifies the peer QP this one connects to.
type RemoteEndpoint struct {
	GID      [16]byte
	QPN      uint32
	PSN      uint32
	GIDIndex int
}

// ModifyToRTR transitions INIT->RTR with the fixed parameters from spec
// §4.2.
func (qp *QP) ModifyToRTR(remote RemoteEndpoint) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateInit {
		return fmt.Errorf("modify to rtr: qp %d not in INIT state", qp.LocalQPN)
	}

	err := qp.qp.ModifyToRTR(ibv.QPRTRAttr{
		PathMTU:           4096,
		DestQPN:           remote.QPN,
		RQPSN:             remote.PSN,
		MaxDestRDAtomic:   1,
		MinRNRTimer:       12,
		IsGlobal:          true,
		DGID:              remote.GID,
		SGIDIndex:         remote.GIDIndex,
		HopLimit:          10,
		PortNum:           int(qp.port),
	})
	if err != nil {
		qp.state = QPStateErr
		return fmt.Errorf("ibv_modify_qp(RTR, qpn=%d): %w", qp.LocalQPN, err)
	}
	qp.state = QPStateRTR
	return nil
}

// ModifyToRTS transitions RTR->RTS with the fixed parameters from spec
// §4.2.
func (qp *QP) ModifyToRTS() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != QPStateRTR {
		return fmt.Errorf("modify to rts: qp %d not in RTR state", qp.LocalQPN)
	}

	err := qp.qp.ModifyToRTS(ibv.QPRTSAttr{
		Timeout:     14,
		RetryCnt:    7,
		RNRRetry:    7,
		SQPSN:       qp.LocalPSN,
		MaxRDAtomic: 1,
	})
	if err != nil {
		qp.state = QPStateErr
		return fmt.Errorf("ibv_modify_qp(RTS, qpn=%d): %w", qp.LocalQPN, err)
	}
	qp.state = QPStateRTS
	return nil
}

// State reports the QP's current state.
func (qp *QP) State() QPState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// PostSend posts one chain of work requests headed by head
// (ibv_post_send). A non-nil error is fatal for the transfer per spec §4.5
// ("post_send returning non-zero is fatal ... no retry at this layer").
func (qp *QP) PostSend(head *WorkRequest) error {
	chain := toIBVChain(head)
	if err := qp.qp.PostSend(chain); err != nil {
		qp.mu.Lock()
		qp.state = QPStateErr
		qp.mu.Unlock()
		return fmt.Errorf("ibv_post_send(qpn=%d): %w", qp.LocalQPN, err)
	}
	return nil
}

func toIBVChain(head *WorkRequest) *ibv.SendWR {
	var first, prev *ibv.SendWR
	for wr := head; wr != nil; wr = wr.Next {
		node := &ibv.SendWR{
			WRID:   wr.ID,
			Opcode: ibv.OpcodeRDMAWrite,
			SGList: []ibv.SGE{{
				Addr:   wr.SGE.Addr,
				Length: wr.SGE.Length,
				LKey:   wr.SGE.Lkey,
			}},
			RemoteAddr: wr.RemoteAddr,
			RKey:       wr.Rkey,
		}
		if wr.Signaled {
			node.SendFlags = ibv.SendSignaled
		}
		if first == nil {
			first = node
		} else {
			prev.Next = node
		}
		prev = node
	}
	return first
}

// Close destroys the queue pair. The library moves an in-flight QP to ERR
// and cancels pending WRs (spec §5 Cancellation); this is safe to call
// regardless of state.
func (qp *QP) Close() error {
	qp.closeMu.Lock()
	defer qp.closeMu.Unlock()
	if qp.closed {
		return nil
	}
	qp.closed = true
	if err := qp.qp.Destroy(); err != nil {
		return fmt.Errorf("ibv_destroy_qp(qpn=%d): %w", qp.LocalQPN, err)
	}
	return nil
}
