// Package qpfactory builds and connects RC queue pairs from the raw verbs
// wrapper, implementing spec §4.2's build_qp/connect_qp operations. It owns
// no state of its own; it composes internal/verbs handles into the pair a
// caller needs to hand to the planner and completion engine.
package qpfactory

import (
	"fmt"

	"github.com/kobayashi-oss/rdmabench/internal/verbs"
)

// QueuePair bundles everything a data-plane driver needs to post and drain
// work against one connection: the QP itself plus its CQ and completion
// channel, and the locally generated identifiers the control plane must
// exchange with the peer.
type QueuePair struct {
	QP       *verbs.QP
	CQ       *verbs.CQ
	Channel  *verbs.CompChannel
	LocalQPN uint32
	LocalPSN uint32
}

// Build implements build_qp: channel -> CQ -> QP -> INIT, with a random
// local PSN generated along the way.
func Build(dev *verbs.Device, pd *verbs.PD, port uint8) (*QueuePair, error) {
	channel, err := dev.CreateCompChannel()
	if err != nil {
		return nil, fmt.Errorf("build qp: %w", err)
	}

	cq, err := dev.CreateCQ(channel, verbs.MinCQDepth)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("build qp: %w", err)
	}

	qp, err := pd.CreateQP(dev, cq, verbs.DefaultQPCaps())
	if err != nil {
		cq.Close()
		channel.Close()
		return nil, fmt.Errorf("build qp: %w", err)
	}

	if err := qp.ModifyToInit(port); err != nil {
		qp.Close()
		cq.Close()
		channel.Close()
		return nil, fmt.Errorf("build qp: %w", err)
	}

	return &QueuePair{
		QP:       qp,
		CQ:       cq,
		Channel:  channel,
		LocalQPN: qp.LocalQPN,
		LocalPSN: qp.LocalPSN,
	}, nil
}

// Connect implements connect_qp: INIT->RTR->RTS against the given remote
// endpoint. Either transition failing surfaces as a QpTransition-class
// error (spec §7); the caller is responsible for tearing the QP down since
// it is left in ERR state, not destroyed here.
func Connect(qp *verbs.QP, remote verbs.RemoteEndpoint) error {
	if err := qp.ModifyToRTR(remote); err != nil {
		return fmt.Errorf("connect qp: %w", err)
	}
	if err := qp.ModifyToRTS(); err != nil {
		return fmt.Errorf("connect qp: %w", err)
	}
	return nil
}

// Close tears down a QueuePair's handles in dependency order: QP, then CQ,
// then completion channel.
func (q *QueuePair) Close() error {
	if err := q.QP.Close(); err != nil {
		return err
	}
	if err := q.CQ.Close(); err != nil {
		return err
	}
	return q.Channel.Close()
}
