package controlplane

import "testing"

type fakeHandler struct {
	registered []CreateRdmaServerRequest
	qps        []QueuePairTuple
	mrs        []CreateMemoryRegionRequest
}

func (f *fakeHandler) CreateRdmaServer(req CreateRdmaServerRequest) (CreateRdmaServerResponse, error) {
	f.registered = append(f.registered, req)
	return CreateRdmaServerResponse{OK: true}, nil
}

func (f *fakeHandler) CreateQueuePair(req QueuePairTuple) (QueuePairTuple, error) {
	f.qps = append(f.qps, req)
	return QueuePairTuple{
		ClientID:     req.ClientID,
		QPN:          req.QPN + 1000,
		GIDSubnet:    0xfe80000000000000,
		GIDInterface: 0x0202c9fffe000001,
		PSN:          42,
	}, nil
}

func (f *fakeHandler) CreateMemoryRegion(req CreateMemoryRegionRequest) (CreateMemoryRegionResponse, error) {
	f.mrs = append(f.mrs, req)
	return CreateMemoryRegionResponse{Addr: 0x7f0000000000, Rkey: 99}, nil
}

func TestClientServerRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	srv, err := Listen("127.0.0.1:0", h)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	client, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	regResp, err := client.CreateRdmaServer(CreateRdmaServerRequest{ClientID: "c1", Mode: ModeSingleIP, QPNs: []uint32{1, 2}})
	if err != nil {
		t.Fatalf("CreateRdmaServer: %v", err)
	}
	if !regResp.OK {
		t.Fatalf("expected OK registration response")
	}

	qpResp, err := client.CreateQueuePair(QueuePairTuple{ClientID: "c1", QPN: 7, PSN: 5})
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	if qpResp.QPN != 1007 {
		t.Fatalf("expected remote qpn 1007, got %d", qpResp.QPN)
	}
	if qpResp.PSN != 42 {
		t.Fatalf("expected remote psn 42, got %d", qpResp.PSN)
	}

	mrResp, err := client.CreateMemoryRegion(CreateMemoryRegionRequest{ClientID: "c1", Size: 4096})
	if err != nil {
		t.Fatalf("CreateMemoryRegion: %v", err)
	}
	if mrResp.Rkey != 99 {
		t.Fatalf("expected rkey 99, got %d", mrResp.Rkey)
	}

	if len(h.registered) != 1 || len(h.qps) != 1 || len(h.mrs) != 1 {
		t.Fatalf("expected exactly one call per method, got %d/%d/%d", len(h.registered), len(h.qps), len(h.mrs))
	}
}
