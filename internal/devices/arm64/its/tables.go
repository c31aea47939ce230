package its

import (
	"fmt"
)

const (
	propBaserIDBitsMask = 0x1f
	propBaserAddrMask   = 0x000f_ffff_ffff_f000
	pendBaserAddrMask   = 0x000f_ffff_ffff_0000

	lpiPropEnable       = 0x01
	lpiPropPriorityMask = 0xfc
)

// nrInterruptIDs returns the size of the INTID space PROPBASER describes,
// capped to what the ITS supports.
func nrInterruptIDs(propbaser uint64) uint32 {
	bits := uint32(propbaser&propBaserIDBitsMask) + 1
	if bits > InterruptIDBits {
		bits = InterruptIDBits
	}
	return 1 << bits
}

func propTableBase(propbaser uint64) uint64 { return propbaser & propBaserAddrMask }
func pendTableBase(pendbaser uint64) uint64 { return pendbaser & pendBaserAddrMask }

// EnableLPIs is called when the guest enables LPIs on vcpu's redistributor.
// It loads the configuration table and vcpu's pending table.
func (its *ITS) EnableLPIs(vcpu int) error {
	if vcpu < 0 || vcpu >= its.nrCPUs {
		return fmt.Errorf("its: enable LPIs on invalid vCPU %d", vcpu)
	}
	if err := its.syncConfig(); err != nil {
		return err
	}
	if err := its.syncPending(vcpu); err != nil {
		return err
	}
	its.kickIfDeliverable(vcpu)
	return nil
}

// syncConfig walks the LPI configuration table one chunk at a time and
// refreshes enable and priority of every ITTE whose LPI falls in the chunk.
// A read failure abandons the remaining chunks.
func (its *ITS) syncConfig() error {
	propbaser := its.redist.PropBaser()
	nrIDs := nrInterruptIDs(propbaser)
	base := propTableBase(propbaser)

	buf := make([]byte, its.chunkSize)
	for lpi := uint32(LPIBase); lpi < nrIDs; {
		n := min(uint32(len(buf)), nrIDs-lpi)
		chunk := buf[:n]
		if err := its.readGuest(base+uint64(lpi-LPIBase), chunk); err != nil {
			return fmt.Errorf("its: sync LPI configuration at LPI %d: %w", lpi, err)
		}

		its.mu.Lock()
		its.store.eachITTE(func(it *itte) bool {
			if it.lpi >= lpi && it.lpi < lpi+n {
				it.applyConfig(chunk[it.lpi-lpi])
			}
			return true
		})
		its.mu.Unlock()

		lpi += n
	}
	return nil
}

// syncPending ORs the bits set in vcpu's pending table into the ITTEs'
// pending bits. Host-side pending state is never cleared here.
func (its *ITS) syncPending(vcpu int) error {
	nrIDs := nrInterruptIDs(its.redist.PropBaser())
	base := pendTableBase(its.redist.PendBaser(vcpu))

	buf := make([]byte, its.chunkSize)
	bitsPerChunk := uint32(len(buf)) * 8
	for lpi := uint32(LPIBase); lpi < nrIDs; {
		nbits := min(bitsPerChunk, nrIDs-lpi)
		chunk := buf[:(nbits+7)/8]
		if err := its.readGuest(base+uint64(lpi/8), chunk); err != nil {
			return fmt.Errorf("its: sync pending table of vCPU %d at LPI %d: %w", vcpu, lpi, err)
		}

		its.mu.Lock()
		its.store.eachITTE(func(it *itte) bool {
			if it.lpi >= lpi && it.lpi < lpi+nbits {
				bit := it.lpi - lpi
				if chunk[bit/8]&(1<<(bit%8)) != 0 {
					it.pending.set(vcpu)
				}
			}
			return true
		})
		its.mu.Unlock()

		lpi += nbits
	}
	return nil
}

// refreshConfig re-reads the configuration byte of one ITTE. It returns the
// vCPU to kick if the ITTE is now deliverable, or -1.
func (its *ITS) refreshConfig(deviceID, eventID uint32) (int, error) {
	propbaser := its.redist.PropBaser()

	its.mu.Lock()
	it := its.store.findITTE(deviceID, eventID)
	if it == nil {
		its.mu.Unlock()
		return -1, nil
	}
	lpi := it.lpi
	its.mu.Unlock()

	if lpi >= nrInterruptIDs(propbaser) {
		return -1, nil
	}
	var prop [1]byte
	if err := its.readGuest(propTableBase(propbaser)+uint64(lpi-LPIBase), prop[:]); err != nil {
		return -1, fmt.Errorf("its: read configuration of LPI %d: %w", lpi, err)
	}

	its.mu.Lock()
	defer its.mu.Unlock()
	it = its.store.findITTE(deviceID, eventID)
	if it == nil || it.lpi != lpi {
		return -1, nil
	}
	it.applyConfig(prop[0])
	if c := its.store.mappedCollection(it); c != nil && it.enabled && it.pending.test(c.target) {
		return c.target, nil
	}
	return -1, nil
}

// kickIfDeliverable wakes vcpu if any enabled LPI targeting it is pending.
func (its *ITS) kickIfDeliverable(vcpu int) {
	its.mu.Lock()
	deliverable := false
	its.store.eachITTE(func(it *itte) bool {
		c := its.store.mappedCollection(it)
		if c != nil && c.target == vcpu && it.enabled && it.pending.test(vcpu) {
			deliverable = true
			return false
		}
		return true
	})
	its.mu.Unlock()

	if deliverable {
		its.dist.Kick(vcpu)
	}
}
