package verbs

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	ibv "github.com/zrlio/ibverbs-go"
)

// MinCQDepth is the minimum completion queue depth required by spec §4.2.
const MinCQDepth = 4096

// CompChannel is a completion event channel: one per CQ (spec §5, "the
// event channel is per-CQ").
type CompChannel struct {
	ch *ibv.CompChannel

	closeMu sync.Mutex
	closed  bool
}

// Fd exposes the channel's underlying file descriptor for readiness waits
// that want to integrate with a reactor instead of blocking directly (spec
// §9 "Cooperative vs OS threads").
func (c *CompChannel) Fd() int {
	return c.ch.Fd()
}

// Close releases the completion channel. Must happen after its CQ is
// destroyed.
func (c *CompChannel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.ch.Destroy(); err != nil {
		return fmt.Errorf("ibv_destroy_comp_channel: %w", err)
	}
	return nil
}

// CQ is a completion queue bound to a completion channel.
type CQ struct {
	cq *ibv.CompletionQueue

	closeMu sync.Mutex
	closed  bool
}

// CreateCQ creates a CQ of at least MinCQDepth entries bound to channel.
func (d *Device) CreateCQ(channel *CompChannel, depth int) (*CQ, error) {
	if depth < MinCQDepth {
		depth = MinCQDepth
	}
	cq, err := d.ctx.CreateCompletionQueue(depth, channel.ch)
	if err != nil {
		return nil, fmt.Errorf("ibv_create_cq(%s, depth=%d): %w", d.Name, depth, err)
	}
	return &CQ{cq: cq}, nil
}

// Poll harvests up to len(out) completions without blocking (ibv_poll_cq).
// It returns the number harvested; out entries beyond that count are
// untouched.
func (c *CQ) Poll(out []WorkCompletion) (int, error) {
	raw := make([]ibv.WorkCompletion, len(out))
	n, err := c.cq.Poll(raw)
	if err != nil {
		return 0, fmt.Errorf("ibv_poll_cq: %w", err)
	}
	for i := 0; i < n; i++ {
		out[i] = WorkCompletion{
			ID:      raw[i].WRID,
			Status:  CompletionStatus(raw[i].Status),
			Opcode:  Opcode(raw[i].Opcode),
			ByteLen: raw[i].ByteLen,
			QPNum:   raw[i].QPNum,
		}
	}
	return n, nil
}

// ReqNotify arms the completion channel for the next event
// (ibv_req_notify_cq).
func (c *CQ) ReqNotify(solicitedOnly bool) error {
	if err := c.cq.ReqNotify(solicitedOnly); err != nil {
		return fmt.Errorf("ibv_req_notify_cq: %w", err)
	}
	return nil
}

// WaitEvent blocks on the completion channel's fd for one event
// (ibv_get_cq_event), then ack's exactly that one event
// (ibv_ack_cq_events). The blocking read happens via the channel's raw fd so
// it composes with a poller instead of needing its own goroutine-blocking
// cgo call, in the style of the raw-fd handling in the uping sender
// reference.
func (c *CQ) WaitEvent(channel *CompChannel) error {
	var pfd unix.PollFd
	pfd.Fd = int32(channel.Fd())
	pfd.Events = unix.POLLIN
	for {
		n, err := unix.Poll([]unix.PollFd{pfd}, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll completion channel fd: %w", err)
		}
		if n > 0 {
			break
		}
	}

	evCQ, err := c.cq.GetEvent(channel.ch)
	if err != nil {
		return fmt.Errorf("ibv_get_cq_event: %w", err)
	}
	evCQ.AckEvents(1)
	return nil
}

// Close destroys the completion queue.
func (c *CQ) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.cq.Destroy(); err != nil {
		return fmt.Errorf("ibv_destroy_cq: %w", err)
	}
	return nil
}
