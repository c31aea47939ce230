// Package its emulates a GICv3 Interrupt Translation Service.
//
// The ITS translates (device id, event id) pairs into LPIs routed to a vCPU.
// The guest programs it through a command ring in its own memory; this
// package decodes that ring, keeps the device/collection/ITTE mapping on the
// host and mirrors the guest's LPI configuration and pending tables into it.
package its

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tinyrange/vits/internal/chipset"
	"github.com/tinyrange/vits/internal/hv"
)

const (
	// InterruptIDBits is the number of LPI ID bits the ITS supports.
	InterruptIDBits = 16
	deviceIDBits    = 16
	collectionBits  = 16

	// LPIBase is the first LPI INTID.
	LPIBase = 8192

	// ControlFrameSize and FrameSize describe the ITS register frames: the
	// control frame followed by the translation frame holding GITS_TRANSLATER.
	ControlFrameSize = 0x10000
	FrameSize        = 0x20000

	// TranslaterOffset is the MSI doorbell offset from the ITS base.
	TranslaterOffset = 0x10040

	defaultChunkSize = 4096
)

var (
	ErrInvalidMSI    = errors.New("its: invalid MSI")
	ErrNoGuestMemory = errors.New("its: no guest memory attached")
	ErrBusy          = errors.New("its: command queue is being processed")
)

// Distributor is the outer interrupt distributor that owns list registers.
type Distributor interface {
	// QueueIRQ asks the distributor to present lpi to vcpu. It returns false
	// if the interrupt could not be queued and must stay pending.
	QueueIRQ(vcpu int, priority uint8, lpi uint32) bool
	// Kick marks vcpu as having a pending interrupt and wakes it.
	Kick(vcpu int)
}

type noopDistributor struct{}

func (noopDistributor) QueueIRQ(int, uint8, uint32) bool { return false }
func (noopDistributor) Kick(int)                         {}

// Redistributors exposes the LPI table registers programmed through the
// redistributor frames.
type Redistributors interface {
	// PropBaser returns GICR_PROPBASER, shared by all redistributors.
	PropBaser() uint64
	// PendBaser returns GICR_PENDBASER of vcpu's redistributor.
	PendBaser(vcpu int) uint64
}

type noopRedistributors struct{}

func (noopRedistributors) PropBaser() uint64     { return 0 }
func (noopRedistributors) PendBaser(int) uint64 { return 0 }

// CommandObserver is told about every command taken off the ring.
type CommandObserver interface {
	CommandExecuted(cmd Command, completion Completion)
}

// CommandObserverFunc adapts a function to CommandObserver.
type CommandObserverFunc func(cmd Command, completion Completion)

// CommandExecuted implements CommandObserver.
func (f CommandObserverFunc) CommandExecuted(cmd Command, completion Completion) {
	if f != nil {
		f(cmd, completion)
	}
}

// Flusher is told when the guest enables the ITS so it can flush LPIs that
// became deliverable while the ITS was off.
type Flusher interface {
	Flush()
}

// FlusherFunc adapts a function to Flusher.
type FlusherFunc func()

// Flush implements Flusher.
func (f FlusherFunc) Flush() {
	if f != nil {
		f()
	}
}

// Config describes an ITS instance.
type Config struct {
	// Base is the guest physical address of the control frame. It must be
	// 64KiB aligned.
	Base uint64
	// NumVCPUs is the fixed number of vCPUs in the VM.
	NumVCPUs int

	// Memory is guest physical memory. If nil, the VM passed to Init is used.
	Memory io.ReaderAt

	Distributor    Distributor
	Redistributors Redistributors
	Observer       CommandObserver
	Flusher        Flusher

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider

	// ChunkSize is how many bytes of an LPI table are read at a time.
	// Defaults to one 4KiB page.
	ChunkSize int

	Limits Limits
}

// ITS is an emulated Interrupt Translation Service.
type ITS struct {
	base      uint64
	nrCPUs    int
	chunkSize int

	mem      io.ReaderAt
	dist     Distributor
	redist   Redistributors
	observer CommandObserver
	flusher  Flusher
	log      *slog.Logger
	metrics  *itsMetrics

	// mu guards everything below. It is never held across guest memory
	// accesses or calls into the distributor.
	mu      sync.Mutex
	enabled bool
	queue   cmdQueue
	store   *store
}

// New builds an ITS from cfg.
func New(cfg Config) (*ITS, error) {
	if cfg.NumVCPUs <= 0 {
		return nil, fmt.Errorf("its: invalid vCPU count %d", cfg.NumVCPUs)
	}
	if cfg.Base%ControlFrameSize != 0 {
		return nil, fmt.Errorf("its: base 0x%x is not 64KiB aligned", cfg.Base)
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("its: invalid chunk size %d", cfg.ChunkSize)
	}

	chunk := cfg.ChunkSize
	if chunk == 0 {
		chunk = defaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	metrics, err := newMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("its: metrics: %w", err)
	}

	its := &ITS{
		base:      cfg.Base,
		nrCPUs:    cfg.NumVCPUs,
		chunkSize: chunk,
		mem:       cfg.Memory,
		dist:      cfg.Distributor,
		redist:    cfg.Redistributors,
		observer:  cfg.Observer,
		flusher:   cfg.Flusher,
		log:       logger.With("device", "its"),
		metrics:   metrics,
		store:     newStore(cfg.NumVCPUs, cfg.Limits),
	}
	if its.dist == nil {
		its.dist = noopDistributor{}
	}
	if its.redist == nil {
		its.redist = noopRedistributors{}
	}
	if its.observer == nil {
		its.observer = CommandObserverFunc(nil)
	}
	if its.flusher == nil {
		its.flusher = FlusherFunc(nil)
	}
	return its, nil
}

// Init implements hv.Device.
func (its *ITS) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return nil
	}
	if n := vm.CPUCount(); n != its.nrCPUs {
		return fmt.Errorf("its: configured for %d vCPUs, VM has %d", its.nrCPUs, n)
	}
	if its.mem == nil {
		its.mem = vm
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (its *ITS) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (its *ITS) Stop() error { return nil }

// Reset returns the ITS to its power-on state: disabled, no command queue and
// no mappings.
func (its *ITS) Reset() error {
	its.mu.Lock()
	defer its.mu.Unlock()

	if its.queue.state == queueDraining {
		return ErrBusy
	}
	its.enabled = false
	its.queue = cmdQueue{}
	its.store.reset()
	return nil
}

// Base returns the guest physical address of the control frame.
func (its *ITS) Base() uint64 { return its.base }

// Doorbell returns the address devices write MSIs to.
func (its *ITS) Doorbell() uint64 { return its.base + TranslaterOffset }

// NumVCPUs returns the vCPU count the ITS was sized for.
func (its *ITS) NumVCPUs() int { return its.nrCPUs }

func (its *ITS) frame() hv.MMIORegion {
	return hv.MMIORegion{Address: its.base, Size: FrameSize}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (its *ITS) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{its.frame()}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (its *ITS) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{Regions: its.MMIORegions(), Handler: its}
}

// SupportsMSI implements chipset.ChipsetDevice.
func (its *ITS) SupportsMSI() *chipset.MSIIntercept {
	return &chipset.MSIIntercept{
		Doorbells:  []hv.MMIORegion{{Address: its.Doorbell(), Size: 4}},
		Controller: its,
	}
}

func (its *ITS) readGuest(addr uint64, p []byte) error {
	if its.mem == nil {
		return ErrNoGuestMemory
	}
	if addr > uint64(1<<63-1) {
		return fmt.Errorf("its: guest address 0x%x: %w", addr, hv.ErrMemoryFault)
	}
	n, err := its.mem.ReadAt(p, int64(addr))
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("its: read guest 0x%x (%d bytes): %w", addr, len(p), err)
}

var (
	_ hv.MemoryMappedIODevice = (*ITS)(nil)
	_ hv.DeviceSnapshotter    = (*ITS)(nil)
	_ chipset.ChipsetDevice   = (*ITS)(nil)
	_ chipset.MSIController   = (*ITS)(nil)
)
