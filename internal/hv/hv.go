package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrMemoryFault = errors.New("guest memory access out of range")
)

// ExitContext identifies the vCPU whose exit is being serviced.
type ExitContext interface {
	VCPU() int
}

type vcpuExit int

func (e vcpuExit) VCPU() int { return int(e) }

// ExitFromVCPU returns an ExitContext for the given vCPU index.
func ExitFromVCPU(id int) ExitContext {
	return vcpuExit(id)
}

// VirtualMachine is the guest-visible machine a device attaches to. Reads and
// writes are addressed by guest physical address.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	MemoryBase() uint64
	MemorySize() uint64

	CPUCount() int
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies entirely within the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(ctx ExitContext, addr uint64, data []byte) error
	WriteFunc func(ctx ExitContext, addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(ctx, addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(ctx, addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)

// MSIFlagValidDeviceID marks an MSI whose DeviceID field carries the
// requester's device identifier.
const MSIFlagValidDeviceID uint32 = 1 << 0

// MSI is a message-signaled interrupt as written by a device: the doorbell
// address, the payload and the sideband device identifier.
type MSI struct {
	Address  uint64
	Data     uint32
	DeviceID uint32
	Flags    uint32
}

// HasDeviceID reports whether the DeviceID field is meaningful.
func (m MSI) HasDeviceID() bool {
	return m.Flags&MSIFlagValidDeviceID != 0
}

// DeviceSnapshot is an opaque device state blob.
type DeviceSnapshot any

type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
