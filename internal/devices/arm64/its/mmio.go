package its

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vits/internal/hv"
)

// ITS control frame register offsets
const (
	GITS_CTLR      = 0x0000 // Control Register (RW)
	GITS_IIDR      = 0x0004 // Implementer Identification (RO)
	GITS_TYPER     = 0x0008 // Type Register (RO, 64-bit)
	GITS_CBASER    = 0x0080 // Command Queue Descriptor (RW, 64-bit)
	GITS_CWRITER   = 0x0088 // Command Queue Write Offset (RW, 64-bit)
	GITS_CREADR    = 0x0090 // Command Queue Read Offset (RO, 64-bit)
	GITS_BASER     = 0x0100 // Translation Table Descriptors (RAZ/WI here)
	GITS_BASER_END = 0x0140

	// Identification registers
	GITS_PIDR4 = 0xFFD0
	GITS_PIDR0 = 0xFFE0
	GITS_PIDR1 = 0xFFE4
	GITS_PIDR2 = 0xFFE8
	GITS_PIDR3 = 0xFFEC
	GITS_CIDR0 = 0xFFF0
	GITS_CIDR1 = 0xFFF4
	GITS_CIDR2 = 0xFFF8
	GITS_CIDR3 = 0xFFFC
)

const (
	GITS_CTLR_ENABLED   = 1 << 0
	GITS_CTLR_QUIESCENT = 1 << 31

	GITS_CBASER_VALID   = 1 << 63
	GITS_CREADR_STALLED = 1 << 0

	// IIDR: ARM implementer, product 0x4b, revision 0.
	gitsIIDR = 0x4b00043b

	gitsTyperPhysical = 1 << 0
	gitsTyperCIL      = 1 << 36
	gitsTyper         = gitsTyperPhysical |
		(8-1)<<4 | // ITT entry size
		(InterruptIDBits-1)<<8 |
		(deviceIDBits-1)<<13 |
		(collectionBits-1)<<32 |
		gitsTyperCIL
)

// idRegisters holds the identification block for a GICv3 ITS.
var idRegisters = map[uint64]uint32{
	GITS_PIDR4: 0x40,
	GITS_PIDR0: 0x94,
	GITS_PIDR1: 0xb4,
	GITS_PIDR2: 0x3b,
	GITS_PIDR3: 0x00,
	GITS_CIDR0: 0x0d,
	GITS_CIDR1: 0xf0,
	GITS_CIDR2: 0x05,
	GITS_CIDR3: 0xb1,
}

// ReadRegister returns the value of a size-byte read at offset in the control
// frame. Only naturally aligned 4- and 8-byte accesses are decoded; anything
// else reads as zero.
func (its *ITS) ReadRegister(offset uint64, size int) uint64 {
	if !validAccess(offset, size) {
		return 0
	}
	word := its.readWord(offset &^ 7)
	if size == 8 {
		return word
	}
	return word >> ((offset & 4) * 8) & 0xffffffff
}

// WriteRegister applies a size-byte write at offset in the control frame.
// It reports whether the write enabled the ITS, which asks the caller to
// flush deliverable LPIs.
func (its *ITS) WriteRegister(offset uint64, size int, value uint64) (flush bool) {
	if !validAccess(offset, size) {
		its.log.Debug("ignoring unaligned register write", "offset", offset, "size", size)
		return false
	}
	mask := ^uint64(0)
	if size == 4 {
		shift := (offset & 4) * 8
		mask = 0xffffffff << shift
		value = (value & 0xffffffff) << shift
	}

	drain := false
	its.mu.Lock()
	aligned := offset &^ 7
	switch aligned {
	case GITS_CTLR:
		if mask&0xffffffff == 0 {
			break
		}
		enable := value&GITS_CTLR_ENABLED != 0
		flush = enable && !its.enabled
		its.enabled = enable
		drain = flush && its.claimDrainLocked()
	case GITS_CBASER:
		if its.enabled {
			its.log.Debug("ignoring CBASER write while enabled")
			break
		}
		its.queue.writeCBaser(merge(its.queue.cbaser, value, mask))
	case GITS_CWRITER:
		if !its.queue.updateCWriter(merge(its.queue.cwriter, value, mask)) {
			its.log.Debug("ignoring CWRITER beyond ring", "value", value, "ring_size", its.queue.size())
			break
		}
		drain = its.claimDrainLocked()
	}
	its.mu.Unlock()

	if drain {
		its.drain()
	}
	return flush
}

func (its *ITS) readWord(offset uint64) uint64 {
	switch {
	case offset == GITS_CTLR:
		its.mu.Lock()
		var ctlr uint64
		if its.enabled {
			ctlr |= GITS_CTLR_ENABLED
		}
		if its.queue.state != queueDraining {
			ctlr |= GITS_CTLR_QUIESCENT
		}
		its.mu.Unlock()
		return ctlr | uint64(gitsIIDR)<<32
	case offset == GITS_TYPER:
		return gitsTyper
	case offset == GITS_CBASER:
		its.mu.Lock()
		defer its.mu.Unlock()
		return its.queue.cbaser
	case offset == GITS_CWRITER:
		its.mu.Lock()
		defer its.mu.Unlock()
		return its.queue.cwriter
	case offset == GITS_CREADR:
		its.mu.Lock()
		defer its.mu.Unlock()
		return its.queue.readrValue()
	case offset >= GITS_BASER && offset < GITS_BASER_END:
		return 0
	case offset >= GITS_PIDR4 && offset < ControlFrameSize:
		return uint64(idRegisters[offset]) | uint64(idRegisters[offset+4])<<32
	default:
		return 0
	}
}

func merge(old, value, mask uint64) uint64 {
	return old&^mask | value&mask
}

func validAccess(offset uint64, size int) bool {
	return (size == 4 || size == 8) && offset%uint64(size) == 0
}

// ReadMMIO implements chipset.MmioHandler.
func (its *ITS) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if !its.frame().Contains(addr, uint64(len(data))) {
		return fmt.Errorf("its: address 0x%x out of bounds", addr)
	}
	offset := addr - its.base
	clear(data)
	if offset >= ControlFrameSize {
		return nil
	}

	switch len(data) {
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(its.ReadRegister(offset, 4)))
	case 8:
		binary.LittleEndian.PutUint64(data, its.ReadRegister(offset, 8))
	default:
		its.log.Debug("unsupported read size", "offset", offset, "size", len(data))
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler. Writes to GITS_TRANSLATER carry
// no device id and are dropped; devices signal through SignalMSI instead.
func (its *ITS) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if !its.frame().Contains(addr, uint64(len(data))) {
		return fmt.Errorf("its: address 0x%x out of bounds", addr)
	}
	offset := addr - its.base
	if offset >= ControlFrameSize {
		return nil
	}

	var value uint64
	switch len(data) {
	case 4:
		value = uint64(binary.LittleEndian.Uint32(data))
	case 8:
		value = binary.LittleEndian.Uint64(data)
	default:
		its.log.Debug("unsupported write size", "offset", offset, "size", len(data))
		return nil
	}

	if its.WriteRegister(offset, len(data), value) {
		its.flusher.Flush()
	}
	return nil
}
