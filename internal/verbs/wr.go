package verbs

// Opcode mirrors ibv_wr_opcode / ibv_wc_opcode for the subset this
// benchmark ever posts or expects to see completed. Only OpWrite is ever
// posted; the others exist so the envelope and WR types stay ABI-complete
// with the dormant SEND/READ scaffolding the spec keeps out of scope.
type Opcode uint8

const (
	OpWrite Opcode = iota
	OpSend
	OpRead
)

// CompletionStatus mirrors ibv_wc_status. Only StatusSuccess is ever
// expected on the benchmark's hot path; anything else is fatal (spec §7
// CompletionFailure).
type CompletionStatus uint32

const StatusSuccess CompletionStatus = 0

// SGE is one scatter-gather element: a (addr, length, lkey) triple
// describing a local buffer region.
type SGE struct {
	Addr   uint64
	Length uint32
	Lkey   uint32
}

// WorkRequest is one RDMA_WRITE request carrying a single SGE, the remote
// (rkey, remote_addr), and a signaled flag. WorkRequests chain via Next the
// way ibv_send_wr chains via its own next pointer; a nil Next marks the tail
// of the chain posted by one ibv_post_send call (spec §3 Work request,
// design note "Cyclic/raw-pointer WR chains").
type WorkRequest struct {
	ID         uint64
	Opcode     Opcode
	SGE        SGE
	RemoteAddr uint64
	Rkey       uint32
	Signaled   bool
	Next       *WorkRequest
}

// WorkCompletion is one harvested completion (spec §3).
type WorkCompletion struct {
	ID      uint64
	Status  CompletionStatus
	Opcode  Opcode
	ByteLen uint32
	QPNum   uint32
}
