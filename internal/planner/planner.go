// Package planner implements the transfer planner (spec §4.3): it
// partitions a volume of bytes across queue pairs, chops each QP's share
// into fixed-size messages, and groups those messages into blocks suitable
// for a single ibv_post_send call each. It makes no verbs calls;
// ToWorkRequests is the only place verbs types appear. The package still
// imports internal/verbs, so it (and its tests) build only where that
// package's libibverbs binding builds.
package planner

import (
	"fmt"

	"github.com/kobayashi-oss/rdmabench/internal/verbs"
)

// Message is one RDMA_WRITE payload: a byte range within the registered
// buffer, expressed as an offset from its start and a length.
type Message struct {
	Offset uint64
	Length uint64
}

// Block is a run of up to B messages posted together via a single
// ibv_post_send call. Only the last message in a block is signaled.
type Block struct {
	Messages []Message
}

// QPPlan is one queue pair's share of the transfer: its byte count and the
// blocks (grouped per pass) that carry it.
type QPPlan struct {
	Index  int
	Bytes  uint64
	Blocks []Block
}

// Plan is the full schedule across every QP for every pass.
type Plan struct {
	Volume     uint64
	Iterations int
	QPs        []QPPlan
}

// Params are the planner's inputs (spec §4.3).
type Params struct {
	Volume          uint64 // V
	QueuePairs      int    // N
	MaxMessageSize  uint64 // M
	BatchSize       int    // B
	IterationFactor int    // F
}

// Build partitions Volume across QueuePairs and chops/groups each QP's
// share into message blocks, repeated IterationFactor times. Messages
// within a QP are produced in strictly increasing offset order; each
// pass re-walks the same byte range (spec §9 "offsets wrap modulo V").
func Build(p Params) (Plan, error) {
	if p.QueuePairs <= 0 {
		return Plan{}, fmt.Errorf("planner: queue_pairs must be > 0, got %d", p.QueuePairs)
	}
	if p.MaxMessageSize == 0 {
		return Plan{}, fmt.Errorf("planner: max_message_size must be > 0")
	}
	if p.BatchSize <= 0 {
		return Plan{}, fmt.Errorf("planner: batch_size must be > 0, got %d", p.BatchSize)
	}
	if p.IterationFactor <= 0 {
		return Plan{}, fmt.Errorf("planner: iteration_factor must be > 0, got %d", p.IterationFactor)
	}

	base := p.Volume / uint64(p.QueuePairs)
	surplus := p.Volume % uint64(p.QueuePairs)

	plan := Plan{Volume: p.Volume, Iterations: p.IterationFactor}
	plan.QPs = make([]QPPlan, p.QueuePairs)

	var cursor uint64
	for i := 0; i < p.QueuePairs; i++ {
		qpBytes := base
		if uint64(i) < surplus {
			qpBytes++
		}
		start := cursor
		cursor += qpBytes

		qp := QPPlan{Index: i, Bytes: qpBytes}
		for pass := 0; pass < p.IterationFactor; pass++ {
			messages := chopMessages(start%max1(p.Volume), qpBytes, p.MaxMessageSize, p.Volume)
			qp.Blocks = append(qp.Blocks, groupBlocks(messages, p.BatchSize)...)
		}
		plan.QPs[i] = qp
	}
	return plan, nil
}

func max1(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}

// chopMessages splits a qpBytes-long range starting at startOffset into
// messages of exactly maxMsg, except the last which carries the residue
// qpBytes mod maxMsg (spec §4.3, §8 boundary "final message is exactly the
// residue"). Offsets wrap modulo volume.
func chopMessages(startOffset, qpBytes, maxMsg, volume uint64) []Message {
	if qpBytes == 0 {
		return nil
	}
	var messages []Message
	remaining := qpBytes
	offset := startOffset
	for remaining > 0 {
		length := maxMsg
		if length > remaining {
			length = remaining
		}
		messages = append(messages, Message{Offset: offset, Length: length})
		remaining -= length
		offset += length
		if volume > 0 {
			offset %= volume
		}
	}
	return messages
}

// groupBlocks partitions a flat message list (one pass) into blocks of up
// to batchSize messages each.
func groupBlocks(messages []Message, batchSize int) []Block {
	if len(messages) == 0 {
		return nil
	}
	var blocks []Block
	for start := 0; start < len(messages); start += batchSize {
		end := start + batchSize
		if end > len(messages) {
			end = len(messages)
		}
		blocks = append(blocks, Block{Messages: append([]Message(nil), messages[start:end]...)})
	}
	return blocks
}

// ActiveQPs reports how many QPs in the plan carry at least one byte
// (spec §8 boundary behavior, V < N).
func (pl Plan) ActiveQPs() int {
	n := 0
	for _, qp := range pl.QPs {
		if qp.Bytes > 0 {
			n++
		}
	}
	return n
}

// Endpoints are the local and remote addressing needed to turn a Block's
// messages into a chain of verbs.WorkRequest.
type Endpoints struct {
	LocalBase  uint64
	LocalLkey  uint32
	RemoteBase uint64
	RemoteRkey uint32
}

// ToWorkRequests converts one block into a linked chain of
// verbs.WorkRequest, one per message, with only the tail signaled (spec
// §4.3 WR emission, §8 "exactly one signaled WR: the tail"). idBase seeds
// WR IDs so callers can recover which message a harvested completion
// belongs to.
func ToWorkRequests(block Block, ep Endpoints, idBase uint64) *verbs.WorkRequest {
	var head, tail *verbs.WorkRequest
	for i, msg := range block.Messages {
		wr := &verbs.WorkRequest{
			ID:     idBase + uint64(i),
			Opcode: verbs.OpWrite,
			SGE: verbs.SGE{
				Addr:   ep.LocalBase + msg.Offset,
				Length: uint32(msg.Length),
				Lkey:   ep.LocalLkey,
			},
			RemoteAddr: ep.RemoteBase + msg.Offset,
			Rkey:       ep.RemoteRkey,
		}
		if i == len(block.Messages)-1 {
			wr.Signaled = true
		}
		if head == nil {
			head = wr
		} else {
			tail.Next = wr
		}
		tail = wr
	}
	return head
}

// SignaledCount returns how many blocks (and thus signaled WRs) a QPPlan
// will post — equivalently, the number of completions expected from that
// QP across the whole run (spec §8 "total completions harvested >= number
// of signaled WRs posted").
func (qp QPPlan) SignaledCount() int {
	return len(qp.Blocks)
}

// TotalBytes sums SGE lengths across every block of every QP in the plan;
// it must equal Volume * Iterations (spec §8 quantified invariant).
func (pl Plan) TotalBytes() uint64 {
	var total uint64
	for _, qp := range pl.QPs {
		for _, b := range qp.Blocks {
			for _, m := range b.Messages {
				total += m.Length
			}
		}
	}
	return total
}
