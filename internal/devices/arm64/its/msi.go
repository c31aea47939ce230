package its

import (
	"fmt"

	"github.com/tinyrange/vits/internal/hv"
)

// InjectMSI raises event eventID of device deviceID. Events without an ITTE,
// or whose collection is not mapped, are dropped. It reports whether the LPI
// was marked pending.
func (its *ITS) InjectMSI(deviceID, eventID uint32) bool {
	its.mu.Lock()
	it := its.store.findITTE(deviceID, eventID)
	if it == nil {
		its.mu.Unlock()
		its.metrics.recordMSI(false)
		return false
	}
	coll := its.store.mappedCollection(it)
	if coll == nil {
		its.mu.Unlock()
		its.metrics.recordMSI(false)
		return false
	}
	it.pending.set(coll.target)
	target, enabled := coll.target, it.enabled
	its.mu.Unlock()

	its.metrics.recordMSI(true)
	if enabled {
		its.dist.Kick(target)
	}
	return true
}

// SignalMSI implements chipset.MSIController. The message must carry a device
// id and target this ITS's doorbell; the payload is the event id.
func (its *ITS) SignalMSI(msi hv.MSI) error {
	if !msi.HasDeviceID() {
		return fmt.Errorf("%w: no device id", ErrInvalidMSI)
	}
	if msi.Address != its.Doorbell() {
		return fmt.Errorf("%w: doorbell 0x%x, want 0x%x", ErrInvalidMSI, msi.Address, its.Doorbell())
	}
	its.InjectMSI(msi.DeviceID, msi.Data)
	return nil
}

type queuedLPI struct {
	it       *itte
	lpi      uint32
	priority uint8
}

// QueueLPIs hands every enabled LPI pending on vcpu to the distributor. LPIs
// the distributor refuses stay pending. It reports whether all were queued.
func (its *ITS) QueueLPIs(vcpu int) bool {
	var batch []queuedLPI

	its.mu.Lock()
	its.store.eachITTE(func(it *itte) bool {
		coll := its.store.mappedCollection(it)
		if coll == nil || coll.target != vcpu || !it.enabled {
			return true
		}
		if it.pending.testAndClear(vcpu) {
			batch = append(batch, queuedLPI{it: it, lpi: it.lpi, priority: it.priority})
		}
		return true
	})
	its.mu.Unlock()

	var refused []queuedLPI
	for _, q := range batch {
		if !its.dist.QueueIRQ(vcpu, q.priority, q.lpi) {
			refused = append(refused, q)
		}
	}
	if len(refused) == 0 {
		return true
	}

	its.mu.Lock()
	for _, q := range refused {
		// The ITTE may have been discarded or remapped while unlocked.
		if cur := its.store.findITTE(q.it.deviceID, q.it.eventID); cur == q.it && cur.lpi == q.lpi {
			cur.pending.set(vcpu)
		}
	}
	its.mu.Unlock()
	return false
}

// UnqueueLPI puts lpi back into the pending state on vcpu after the
// distributor evicted it from a list register before the guest handled it.
func (its *ITS) UnqueueLPI(vcpu int, lpi uint32) {
	its.mu.Lock()
	defer its.mu.Unlock()

	if it := its.store.findITTEByLPI(lpi); it != nil {
		it.pending.set(vcpu)
	}
}
