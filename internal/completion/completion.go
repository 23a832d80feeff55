// Package completion implements the hybrid poll-then-arm-then-wait
// drain loop of spec §4.4: the canonical libibverbs idiom for harvesting a
// known number of signaled completions without either busy-polling or
// missing the race between a poll and arming the notification.
package completion

import (
	"fmt"

	"github.com/kobayashi-oss/rdmabench/internal/verbs"
)

// pollBatch bounds how many completions a single ibv_poll_cq call
// harvests at once; it is an implementation-detail chunk size, not a
// protocol constant.
const pollBatch = 256

// Failure reports a harvested completion whose status or opcode was not
// the one expected (spec §7 CompletionFailure).
type Failure struct {
	ID     uint64
	Status verbs.CompletionStatus
	Opcode verbs.Opcode
	QPNum  uint32
}

func (f *Failure) Error() string {
	return fmt.Sprintf("completion failure: qpn=%d wr_id=%d status=%d opcode=%d", f.QPNum, f.ID, f.Status, f.Opcode)
}

// Drain blocks until at least required completions have been harvested
// from cq, validating each against expectedOpcode and StatusSuccess. It
// implements the poll -> arm -> poll -> wait cycle from spec §4.4
// verbatim, including that ack_cq_events must be called with exactly the
// count of events actually fetched by get_cq_event (one, per iteration of
// this loop, since the hybrid loop only ever waits for a single event at
// a time).
func Drain(cq *verbs.CQ, channel *verbs.CompChannel, required int, expectedOpcode verbs.Opcode) ([]verbs.WorkCompletion, error) {
	if required <= 0 {
		return nil, nil
	}

	harvested := make([]verbs.WorkCompletion, 0, required)
	buf := make([]verbs.WorkCompletion, pollBatch)

	poll := func() error {
		for len(harvested) < required {
			n, err := cq.Poll(buf)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			if n == 0 {
				return nil
			}
			harvested = append(harvested, buf[:n]...)
		}
		return nil
	}

	for {
		if err := poll(); err != nil {
			return nil, err
		}
		if len(harvested) >= required {
			break
		}

		if err := cq.ReqNotify(false); err != nil {
			return nil, fmt.Errorf("drain: %w", err)
		}

		if err := poll(); err != nil {
			return nil, err
		}
		if len(harvested) >= required {
			break
		}

		if err := cq.WaitEvent(channel); err != nil {
			return nil, fmt.Errorf("drain: %w", err)
		}
	}

	for _, wc := range harvested {
		if wc.Status != verbs.StatusSuccess || wc.Opcode != expectedOpcode {
			return harvested, &Failure{ID: wc.ID, Status: wc.Status, Opcode: wc.Opcode, QPNum: wc.QPNum}
		}
	}
	return harvested, nil
}
