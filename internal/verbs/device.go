// Package verbs is a typed, close-once wrapper over the libibverbs handles
// the benchmark needs: device context, protection domain, completion queue
// and channel, queue pair, memory region, and work request/completion
// structs that mirror the ibv_* ABI. It exists so the rest of the benchmark
// never touches cgo pointers directly.
package verbs

import (
	"fmt"
	"sync"

	ibv "github.com/zrlio/ibverbs-go"
)

// Device is an opened RDMA NIC handle. It is process-wide and is closed once,
// at shutdown, after every PD/QP/CQ/MR it produced has already been torn
// down (see Close).
type Device struct {
	Name string

	ctx      *ibv.Context
	closeMu  sync.Mutex
	closed   bool
}

// ListDeviceNames returns the names of every RDMA-capable device visible to
// the process, in the order ibv_get_device_list returns them.
func ListDeviceNames() ([]string, error) {
	devices, err := ibv.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name())
	}
	return names, nil
}

// OpenDevice opens the named device, failing with VerbsAllocation-class
// errors if the device does not exist or ibv_open_device fails.
func OpenDevice(name string) (*Device, error) {
	devices, err := ibv.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	for _, d := range devices {
		if d.Name() != name {
			continue
		}
		ctx, err := ibv.OpenDevice(d)
		if err != nil {
			return nil, fmt.Errorf("ibv_open_device(%s): %w", name, err)
		}
		return &Device{Name: name, ctx: ctx}, nil
	}
	return nil, fmt.Errorf("rdma device %q not found", name)
}

// PortAttr reports the physical port count and GID table length needed by
// the route/GID resolver (spec §4.1).
type PortAttr struct {
	PhysPortCount uint8
	GIDTableLen   int
	LinkLayer     string
}

// QueryPort queries the attributes of a single port (1-indexed).
func (d *Device) QueryPort(port uint8) (PortAttr, error) {
	attr, err := d.ctx.QueryPort(int(port))
	if err != nil {
		return PortAttr{}, fmt.Errorf("ibv_query_port(%s, %d): %w", d.Name, port, err)
	}
	return PortAttr{
		PhysPortCount: uint8(attr.PhysPortCount),
		GIDTableLen:   attr.GIDTableLen,
		LinkLayer:     attr.LinkLayer,
	}, nil
}

// QueryGID reads a single GID table entry at (port, index).
func (d *Device) QueryGID(port uint8, index int) ([16]byte, error) {
	var gid [16]byte
	raw, err := d.ctx.QueryGID(int(port), index)
	if err != nil {
		return gid, fmt.Errorf("ibv_query_gid(%s, %d, %d): %w", d.Name, port, index, err)
	}
	copy(gid[:], raw[:])
	return gid, nil
}

// AllocPD allocates one protection domain. All MRs and QPs created from it
// belong to it exclusively (spec §3).
func (d *Device) AllocPD() (*PD, error) {
	pd, err := d.ctx.AllocPD()
	if err != nil {
		return nil, fmt.Errorf("ibv_alloc_pd(%s): %w", d.Name, err)
	}
	return &PD{dev: d, pd: pd}, nil
}

// CreateCompChannel creates a completion event channel bound to this device.
func (d *Device) CreateCompChannel() (*CompChannel, error) {
	ch, err := d.ctx.CreateCompChannel()
	if err != nil {
		return nil, fmt.Errorf("ibv_create_comp_channel(%s): %w", d.Name, err)
	}
	return &CompChannel{ch: ch}, nil
}

// Close releases the device context. It is a single-owner step: every
// dependent PD/QP/CQ/MR must already be destroyed.
func (d *Device) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.ctx.Close(); err != nil {
		return fmt.Errorf("ibv_close_device(%s): %w", d.Name, err)
	}
	return nil
}
