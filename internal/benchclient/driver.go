// Package benchclient implements the client-side data-plane driver (spec
// §4.5): building and connecting one queue pair per configured shard,
// registering the transfer buffer, handing the result to the transfer
// planner, and posting/draining each QP's blocks concurrently.
package benchclient

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kobayashi-oss/rdmabench/internal/completion"
	"github.com/kobayashi-oss/rdmabench/internal/controlplane"
	"github.com/kobayashi-oss/rdmabench/internal/planner"
	"github.com/kobayashi-oss/rdmabench/internal/qpfactory"
	"github.com/kobayashi-oss/rdmabench/internal/verbs"
	"github.com/kobayashi-oss/rdmabench/internal/wire"
)

// Config is the resolved set of parameters the driver needs, independent
// of how they were parsed from flags/env (spec §6 Environment).
type Config struct {
	Volume       uint64
	MsgSize      uint64
	Iterations   uint64
	QPs          uint32
	BatchSize    int
	Delay        time.Duration
	ClientID     string
	Port         uint8
	GIDIndex     int
	EnvelopeAddr string
}

// Result summarizes a completed run for the caller to report (spec §9
// "human-readable throughput summary confined to the client binary").
type Result struct {
	BytesTransferred uint64
	Elapsed          time.Duration
}

type qpHandle struct {
	index int
	qp    *qpfactory.QueuePair
}

// Run executes the full client-side protocol: build+connect N QPs over
// the control plane, register the transfer buffer, plan the transfer, and
// post/drain every QP concurrently until done (spec §4.5 steps 1-7).
func Run(dev *verbs.Device, pd *verbs.PD, ctrl *controlplane.Client, cfg Config) (Result, error) {
	start := time.Now()

	if _, err := ctrl.CreateRdmaServer(controlplane.CreateRdmaServerRequest{
		ClientID: cfg.ClientID,
		Mode:     controlplane.ModeSingleIP,
		QPNs:     nil,
	}); err != nil {
		return Result{}, fmt.Errorf("benchclient: register session: %w", err)
	}

	localGID, err := dev.QueryGID(cfg.Port, cfg.GIDIndex)
	if err != nil {
		return Result{}, fmt.Errorf("benchclient: query local gid: %w", err)
	}
	var localSubnet, localIface uint64
	for i := 0; i < 8; i++ {
		localSubnet = localSubnet<<8 | uint64(localGID[i])
		localIface = localIface<<8 | uint64(localGID[8+i])
	}

	handles := make([]qpHandle, 0, cfg.QPs)
	for i := uint32(0); i < cfg.QPs; i++ {
		qp, err := qpfactory.Build(dev, pd, cfg.Port)
		if err != nil {
			closeAll(handles)
			return Result{}, fmt.Errorf("benchclient: build qp %d: %w", i, err)
		}
		handles = append(handles, qpHandle{index: int(i), qp: qp})
	}

	for _, h := range handles {
		remoteTuple, err := ctrl.CreateQueuePair(controlplane.QueuePairTuple{
			ClientID:     cfg.ClientID,
			QPN:          h.qp.LocalQPN,
			GIDSubnet:    localSubnet,
			GIDInterface: localIface,
			PSN:          h.qp.LocalPSN,
		})
		if err != nil {
			closeAll(handles)
			return Result{}, fmt.Errorf("benchclient: create queue pair %d: %w", h.index, err)
		}

		remote := verbs.RemoteEndpoint{
			GID:      gidFromParts(remoteTuple.GIDSubnet, remoteTuple.GIDInterface),
			QPN:      remoteTuple.QPN,
			PSN:      remoteTuple.PSN,
			GIDIndex: cfg.GIDIndex,
		}
		if err := qpfactory.Connect(h.qp.QP, remote); err != nil {
			closeAll(handles)
			return Result{}, fmt.Errorf("benchclient: connect qp %d: %w", h.index, err)
		}
	}

	localBuf := make([]byte, cfg.Volume)
	localMR, err := pd.RegisterMemory(localBuf, verbs.AccessLocalWrite)
	if err != nil {
		closeAll(handles)
		return Result{}, fmt.Errorf("benchclient: register local buffer: %w", err)
	}
	defer localMR.Close()

	mrResp, err := ctrl.CreateMemoryRegion(controlplane.CreateMemoryRegionRequest{
		ClientID: cfg.ClientID,
		Size:     cfg.Volume,
	})
	if err != nil {
		closeAll(handles)
		return Result{}, fmt.Errorf("benchclient: create remote memory region: %w", err)
	}

	plan, err := planner.Build(planner.Params{
		Volume:          cfg.Volume,
		QueuePairs:      int(cfg.QPs),
		MaxMessageSize:  cfg.MsgSize,
		BatchSize:       cfg.BatchSize,
		IterationFactor: int(cfg.Iterations),
	})
	if err != nil {
		closeAll(handles)
		return Result{}, fmt.Errorf("benchclient: build plan: %w", err)
	}

	ep := planner.Endpoints{
		LocalBase:  uint64(localMR.Addr),
		LocalLkey:  localMR.Lkey,
		RemoteBase: mrResp.Addr,
		RemoteRkey: mrResp.Rkey,
	}

	var wg sync.WaitGroup
	errs := make([]error, len(handles))
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h qpHandle) {
			defer wg.Done()
			if cfg.Delay > 0 {
				time.Sleep(time.Duration(h.index) * cfg.Delay)
			}
			errs[i] = runQP(h.qp, plan.QPs[h.index], ep)
		}(i, h)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			closeAll(handles)
			return Result{}, fmt.Errorf("benchclient: qp %d: %w", i, err)
		}
	}

	if cfg.EnvelopeAddr != "" {
		if err := sendWriteFinished(cfg.EnvelopeAddr, plan.TotalBytes()); err != nil {
			slog.Warn("benchclient: failed to signal WriteFinished", "error", err)
		}
	}

	closeAll(handles)
	return Result{
		BytesTransferred: plan.TotalBytes(),
		Elapsed:          time.Since(start),
	}, nil
}

// runQP posts every block of one QP's plan and drains after each block:
// every post_send is followed by a Drain for that block's single signaled
// completion, so completions never accumulate across blocks and nothing is
// left to drain after the last block.
func runQP(qp *qpfactory.QueuePair, qpPlan planner.QPPlan, ep planner.Endpoints) error {
	var idSeq uint64
	requiredCompletions := 0

	for blockIdx, block := range qpPlan.Blocks {
		head := planner.ToWorkRequests(block, ep, idSeq)
		idSeq += uint64(len(block.Messages))

		if err := qp.QP.PostSend(head); err != nil {
			return fmt.Errorf("post_send block %d: %w", blockIdx, err)
		}
		requiredCompletions++

		if _, err := completion.Drain(qp.CQ, qp.Channel, requiredCompletions, verbs.OpWrite); err != nil {
			return fmt.Errorf("drain block %d: %w", blockIdx, err)
		}
		requiredCompletions = 0
	}

	return nil
}

// sendWriteFinished signals transfer completion over the raw envelope
// channel (spec §4.5 step 7, §3 "control envelope ... termination
// signaling"), distinct from the gob/RPC connection used for
// CreateQueuePair/CreateMemoryRegion.
func sendWriteFinished(envelopeAddr string, bytesTransferred uint64) error {
	conn, err := controlplane.DialEnvelope(envelopeAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.Send(wire.ControlEnvelope{
		RequestType: wire.WriteFinished,
		MessageSize: bytesTransferred,
	})
}

func closeAll(handles []qpHandle) {
	for _, h := range handles {
		h.qp.Close()
	}
}

func gidFromParts(subnet, iface uint64) [16]byte {
	var gid [16]byte
	for i := 0; i < 8; i++ {
		gid[i] = byte(subnet >> (56 - 8*i))
		gid[8+i] = byte(iface >> (56 - 8*i))
	}
	return gid
}
