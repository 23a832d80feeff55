package planner

import "testing"

func TestBuildScenario1(t *testing.T) {
	// V=4096, M=1024, N=1, B=10, F=1 -> 1 QP, 1 block of 4 messages; 4th
	// WR signaled; 1 completion expected; bytes_transferred=4096.
	plan, err := Build(Params{Volume: 4096, QueuePairs: 1, MaxMessageSize: 1024, BatchSize: 10, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.QPs) != 1 {
		t.Fatalf("expected 1 qp, got %d", len(plan.QPs))
	}
	qp := plan.QPs[0]
	if len(qp.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(qp.Blocks))
	}
	if len(qp.Blocks[0].Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(qp.Blocks[0].Messages))
	}
	if plan.TotalBytes() != 4096 {
		t.Fatalf("expected 4096 bytes transferred, got %d", plan.TotalBytes())
	}
	if qp.SignaledCount() != 1 {
		t.Fatalf("expected 1 signaled block, got %d", qp.SignaledCount())
	}
}

func TestBuildScenario2(t *testing.T) {
	// V=10, N=3, M=4, B=10, F=1 -> QP0 carries 4 bytes (1 msg), QP1 3
	// bytes (1 msg), QP2 3 bytes (1 msg). 3 completions total.
	plan, err := Build(Params{Volume: 10, QueuePairs: 3, MaxMessageSize: 4, BatchSize: 10, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wantBytes := []uint64{4, 3, 3}
	for i, qp := range plan.QPs {
		if qp.Bytes != wantBytes[i] {
			t.Errorf("qp %d: want %d bytes, got %d", i, wantBytes[i], qp.Bytes)
		}
		if len(qp.Blocks) != 1 || len(qp.Blocks[0].Messages) != 1 {
			t.Errorf("qp %d: want 1 block of 1 message, got %d blocks", i, len(qp.Blocks))
		}
	}
	totalSignaled := 0
	for _, qp := range plan.QPs {
		totalSignaled += qp.SignaledCount()
	}
	if totalSignaled != 3 {
		t.Fatalf("expected 3 completions total, got %d", totalSignaled)
	}
}

func TestBuildScenario3(t *testing.T) {
	// V=1MiB, M=64KiB, N=2, B=4, F=1 -> each QP 512KiB = 8 messages = 2
	// blocks of 4; 4 signaled completions total (2 per QP).
	const mib = 1 << 20
	const kib64 = 64 << 10
	plan, err := Build(Params{Volume: mib, QueuePairs: 2, MaxMessageSize: kib64, BatchSize: 4, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	totalSignaled := 0
	for _, qp := range plan.QPs {
		if qp.Bytes != mib/2 {
			t.Errorf("qp %d: want %d bytes, got %d", qp.Index, mib/2, qp.Bytes)
		}
		if len(qp.Blocks) != 2 {
			t.Errorf("qp %d: want 2 blocks, got %d", qp.Index, len(qp.Blocks))
		}
		for _, b := range qp.Blocks {
			if len(b.Messages) != 4 {
				t.Errorf("qp %d: want block of 4, got %d", qp.Index, len(b.Messages))
			}
		}
		totalSignaled += qp.SignaledCount()
	}
	if totalSignaled != 4 {
		t.Fatalf("expected 4 signaled completions total, got %d", totalSignaled)
	}
}

func TestBuildScenario4(t *testing.T) {
	// V=2MiB, M=65536, N=4, B=2000, F=3 -> 3 blocks per QP (one per pass,
	// since 8 msgs/pass never hits the 2000 batch ceiling), 3 signaled
	// completions per QP.
	const twoMiB = 2 << 20
	plan, err := Build(Params{Volume: twoMiB, QueuePairs: 4, MaxMessageSize: 65536, BatchSize: 2000, IterationFactor: 3})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, qp := range plan.QPs {
		if len(qp.Blocks) != 3 {
			t.Errorf("qp %d: want 3 blocks, got %d", qp.Index, len(qp.Blocks))
		}
		for _, b := range qp.Blocks {
			if len(b.Messages) != 8 {
				t.Errorf("qp %d: want 8 messages per pass-block, got %d", qp.Index, len(b.Messages))
			}
		}
		if qp.SignaledCount() != 3 {
			t.Errorf("qp %d: want 3 signaled completions, got %d", qp.Index, qp.SignaledCount())
		}
	}
	if plan.TotalBytes() != twoMiB*3 {
		t.Fatalf("want total bytes %d, got %d", twoMiB*3, plan.TotalBytes())
	}
}

func TestQuantifiedInvariants(t *testing.T) {
	cases := []Params{
		{Volume: 4096, QueuePairs: 1, MaxMessageSize: 1024, BatchSize: 10, IterationFactor: 1},
		{Volume: 10, QueuePairs: 3, MaxMessageSize: 4, BatchSize: 10, IterationFactor: 1},
		{Volume: 1 << 20, QueuePairs: 2, MaxMessageSize: 64 << 10, BatchSize: 4, IterationFactor: 1},
		{Volume: 2 << 20, QueuePairs: 4, MaxMessageSize: 65536, BatchSize: 2000, IterationFactor: 3},
		{Volume: 777, QueuePairs: 5, MaxMessageSize: 13, BatchSize: 3, IterationFactor: 2},
	}
	for _, p := range cases {
		plan, err := Build(p)
		if err != nil {
			t.Fatalf("Build(%+v): %v", p, err)
		}
		if got := plan.TotalBytes(); got != p.Volume*uint64(p.IterationFactor) {
			t.Errorf("%+v: total bytes = %d, want %d", p, got, p.Volume*uint64(p.IterationFactor))
		}
		for _, qp := range plan.QPs {
			for _, b := range qp.Blocks {
				if len(b.Messages) > p.BatchSize {
					t.Errorf("%+v qp %d: block size %d exceeds batch %d", p, qp.Index, len(b.Messages), p.BatchSize)
				}
				signaled := 0
				for wr := ToWorkRequests(b, Endpoints{}, 0); wr != nil; wr = wr.Next {
					if wr.Signaled {
						signaled++
					}
				}
				if signaled != 1 {
					t.Errorf("%+v qp %d: block has %d signaled WRs, want exactly 1", p, qp.Index, signaled)
				}
			}
		}
	}
}

func TestBoundaryVolumeNotDivisibleByQueuePairs(t *testing.T) {
	plan, err := Build(Params{Volume: 10, QueuePairs: 3, MaxMessageSize: 4, BatchSize: 10, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	surplus := int(10 % 3)
	for i, qp := range plan.QPs {
		if i < surplus && qp.Bytes != 10/3+1 {
			t.Errorf("qp %d should carry the extra byte", i)
		}
		if i >= surplus && qp.Bytes != 10/3 {
			t.Errorf("qp %d should not carry the extra byte", i)
		}
	}
}

func TestBoundaryVolumeLessThanQueuePairs(t *testing.T) {
	plan, err := Build(Params{Volume: 2, QueuePairs: 5, MaxMessageSize: 4, BatchSize: 10, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := plan.ActiveQPs(); got != 2 {
		t.Fatalf("want 2 active qps when V < N, got %d", got)
	}
	for i, qp := range plan.QPs {
		if i < 2 && qp.Bytes != 1 {
			t.Errorf("qp %d should carry 1 byte, carries %d", i, qp.Bytes)
		}
		if i >= 2 && qp.Bytes != 0 {
			t.Errorf("qp %d should be idle, carries %d", i, qp.Bytes)
		}
	}
}

func TestBoundaryVolumeNotDivisibleByMessageSize(t *testing.T) {
	plan, err := Build(Params{Volume: 10, QueuePairs: 1, MaxMessageSize: 4, BatchSize: 10, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msgs := plan.QPs[0].Blocks[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages (4,4,2), got %d", len(msgs))
	}
	if msgs[len(msgs)-1].Length != 2 {
		t.Fatalf("want final message to carry residue 2, got %d", msgs[len(msgs)-1].Length)
	}
}

func TestBoundaryExactBatchMultiple(t *testing.T) {
	// messages_per_qp exact multiple of B -> no trailing partial block.
	plan, err := Build(Params{Volume: 40, QueuePairs: 1, MaxMessageSize: 4, BatchSize: 5, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	qp := plan.QPs[0]
	if len(qp.Blocks) != 2 {
		t.Fatalf("want 2 full blocks, got %d", len(qp.Blocks))
	}
	for _, b := range qp.Blocks {
		if len(b.Messages) != 5 {
			t.Errorf("want every block exactly batch-sized (5), got %d", len(b.Messages))
		}
	}
}

func TestPlannerDeterminism(t *testing.T) {
	p := Params{Volume: 777, QueuePairs: 5, MaxMessageSize: 13, BatchSize: 3, IterationFactor: 2}
	a, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(a.QPs) != len(b.QPs) {
		t.Fatalf("qp count mismatch")
	}
	for i := range a.QPs {
		if a.QPs[i].Bytes != b.QPs[i].Bytes {
			t.Fatalf("qp %d byte mismatch across identical runs", i)
		}
		if len(a.QPs[i].Blocks) != len(b.QPs[i].Blocks) {
			t.Fatalf("qp %d block count mismatch across identical runs", i)
		}
		for j := range a.QPs[i].Blocks {
			ma, mb := a.QPs[i].Blocks[j].Messages, b.QPs[i].Blocks[j].Messages
			if len(ma) != len(mb) {
				t.Fatalf("qp %d block %d message count mismatch", i, j)
			}
			for k := range ma {
				if ma[k] != mb[k] {
					t.Fatalf("qp %d block %d message %d differs: %+v vs %+v", i, j, k, ma[k], mb[k])
				}
			}
		}
	}
}

func TestToWorkRequestsSignalsOnlyTail(t *testing.T) {
	plan, err := Build(Params{Volume: 1 << 20, QueuePairs: 2, MaxMessageSize: 64 << 10, BatchSize: 4, IterationFactor: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ep := Endpoints{LocalBase: 0x1000, LocalLkey: 7, RemoteBase: 0x2000, RemoteRkey: 9}
	block := plan.QPs[0].Blocks[0]
	head := ToWorkRequests(block, ep, 100)

	count := 0
	signaledCount := 0
	var tailSignaled bool
	for wr := head; wr != nil; wr = wr.Next {
		count++
		if wr.Signaled {
			signaledCount++
		}
		if wr.Next == nil {
			tailSignaled = wr.Signaled
		}
	}
	if count != len(block.Messages) {
		t.Fatalf("want %d WRs in chain, got %d", len(block.Messages), count)
	}
	if signaledCount != 1 {
		t.Fatalf("want exactly 1 signaled WR, got %d", signaledCount)
	}
	if !tailSignaled {
		t.Fatalf("the signaled WR must be the chain tail")
	}
}
