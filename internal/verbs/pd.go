package verbs

import (
	"fmt"
	"sync"
	"unsafe"

	ibv "github.com/zrlio/ibverbs-go"
)

// AccessFlags mirrors the ibv_access_flags bitmask.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// PD is a protection domain: the grouping of MRs and QPs permitted to
// reference each other (spec §3). Created once per process per device.
type PD struct {
	dev *Device
	pd  *ibv.ProtectionDomain

	closeMu sync.Mutex
	closed  bool
}

// MR is a registered memory region (spec §3): addr/length/lkey/rkey, plus
// the backing Go slice kept alive for the MR's lifetime so the garbage
// collector never reclaims memory the NIC can still DMA into or out of.
type MR struct {
	Addr   uintptr
	Length uint64
	Lkey   uint32
	Rkey   uint32

	buf []byte
	mr  *ibv.MemoryRegion

	closeMu sync.Mutex
	closed  bool
}

// RegisterMemory pins and registers buf. buf must not be resized or
// reallocated until Close; ownership of its lifetime against reallocation
// is the caller's (see the client driver, which allocates the buffer once
// up front and never touches it again outside posted WRs).
func (p *PD) RegisterMemory(buf []byte, access AccessFlags) (*MR, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("register memory: empty buffer")
	}
	mr, err := p.pd.RegisterMemoryRegion(unsafe.Pointer(&buf[0]), len(buf), int(access))
	if err != nil {
		return nil, fmt.Errorf("ibv_reg_mr(%s, len=%d): %w", p.dev.Name, len(buf), err)
	}
	return &MR{
		Addr:   uintptr(unsafe.Pointer(&buf[0])),
		Length: uint64(len(buf)),
		Lkey:   mr.LKey(),
		Rkey:   mr.RKey(),
		buf:    buf,
		mr:     mr,
	}, nil
}

// Close deregisters the memory region.
func (m *MR) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.mr.Deregister(); err != nil {
		return fmt.Errorf("ibv_dereg_mr: %w", err)
	}
	m.buf = nil
	return nil
}

// Close deallocates the protection domain. Call only after every QP/MR drawn
// from it has been closed.
func (p *PD) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.pd.Dealloc(); err != nil {
		return fmt.Errorf("ibv_dealloc_pd(%s): %w", p.dev.Name, err)
	}
	return nil
}
