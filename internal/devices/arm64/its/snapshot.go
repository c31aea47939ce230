package its

import (
	"fmt"

	"github.com/tinyrange/vits/internal/hv"
)

// Snapshot support ----------------------------------------------------------

// CollectionSnapshot is one collection and its target vCPU.
type CollectionSnapshot struct {
	ID uint16 `yaml:"id"`
	// Target is the vCPU, or -1 for a collection named by MAPTI but never
	// mapped.
	Target int `yaml:"target"`
}

// ITTESnapshot is one event's translation entry.
type ITTESnapshot struct {
	EventID    uint32  `yaml:"event_id"`
	LPI        uint32  `yaml:"lpi"`
	Enabled    bool    `yaml:"enabled"`
	Priority   uint8   `yaml:"priority"`
	Collection *uint16 `yaml:"collection,omitempty"`
	Pending    []int   `yaml:"pending,omitempty"`
}

// DeviceSnapshot is a mapped device and its events, ordered by event id.
type DeviceSnapshot struct {
	ID     uint32         `yaml:"id"`
	Events []ITTESnapshot `yaml:"events,omitempty"`
}

// Snapshot is the complete ITS state, ordered by id so that equal states
// produce equal snapshots.
type Snapshot struct {
	Enabled bool   `yaml:"enabled"`
	CBASER  uint64 `yaml:"cbaser"`
	CREADR  uint64 `yaml:"creadr"`
	CWRITER uint64 `yaml:"cwriter"`
	Stalled bool   `yaml:"stalled,omitempty"`

	Collections []CollectionSnapshot `yaml:"collections,omitempty"`
	Devices     []DeviceSnapshot     `yaml:"devices,omitempty"`
}

// DeviceId implements hv.DeviceSnapshotter.
func (its *ITS) DeviceId() string { return "its" }

// CaptureSnapshot returns a *Snapshot of the current state. It fails with
// ErrBusy while the command queue is being drained.
func (its *ITS) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	its.mu.Lock()
	defer its.mu.Unlock()

	if its.queue.state == queueDraining {
		return nil, ErrBusy
	}

	snap := &Snapshot{
		Enabled: its.enabled,
		CBASER:  its.queue.cbaser,
		CREADR:  its.queue.creadr,
		CWRITER: its.queue.cwriter,
		Stalled: its.queue.state == queueStalled,
	}
	its.store.eachCollection(func(c *collection) {
		snap.Collections = append(snap.Collections, CollectionSnapshot{ID: c.id, Target: c.target})
	})

	its.store.eachDevice(func(dev *device) {
		d := DeviceSnapshot{ID: dev.id}
		dev.eachEvent(func(it *itte) bool {
			e := ITTESnapshot{
				EventID:  it.eventID,
				LPI:      it.lpi,
				Enabled:  it.enabled,
				Priority: it.priority,
				Pending:  it.pending.cpus(),
			}
			if it.hasCollection {
				id := it.collection
				e.Collection = &id
			}
			d.Events = append(d.Events, e)
			return true
		})
		snap.Devices = append(snap.Devices, d)
	})

	return snap, nil
}

// RestoreSnapshot replaces the ITS state with a *Snapshot. The snapshot is
// validated first; on error the current state is left untouched.
func (its *ITS) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*Snapshot)
	if !ok {
		return fmt.Errorf("its: invalid snapshot type")
	}

	st := newStore(its.nrCPUs, its.store.limits)
	for _, c := range data.Collections {
		if c.Target != targetNotMapped && (c.Target < 0 || c.Target >= its.nrCPUs) {
			return fmt.Errorf("its: snapshot collection %d targets vCPU %d of %d", c.ID, c.Target, its.nrCPUs)
		}
		if st.collections[c.ID] != nil {
			return fmt.Errorf("its: snapshot has duplicate collection %d", c.ID)
		}
		st.collections[c.ID] = &collection{id: c.ID, target: c.Target}
	}
	for _, d := range data.Devices {
		if st.devices[d.ID] != nil {
			return fmt.Errorf("its: snapshot has duplicate device %d", d.ID)
		}
		dev := &device{id: d.ID, events: make(map[uint32]*itte, len(d.Events))}
		st.devices[d.ID] = dev
		for _, e := range d.Events {
			if dev.events[e.EventID] != nil {
				return fmt.Errorf("its: snapshot has duplicate event %d on device %d", e.EventID, d.ID)
			}
			it := &itte{
				deviceID: d.ID,
				eventID:  e.EventID,
				lpi:      e.LPI,
				enabled:  e.Enabled,
				priority: e.Priority,
				pending:  newPendingSet(its.nrCPUs),
			}
			if e.Collection != nil {
				if st.collections[*e.Collection] == nil {
					return fmt.Errorf("its: snapshot event %d on device %d references missing collection %d", e.EventID, d.ID, *e.Collection)
				}
				it.collection = *e.Collection
				it.hasCollection = true
			}
			for _, cpu := range e.Pending {
				if cpu < 0 || cpu >= its.nrCPUs {
					return fmt.Errorf("its: snapshot event %d on device %d pending on vCPU %d of %d", e.EventID, d.ID, cpu, its.nrCPUs)
				}
				it.pending.set(cpu)
			}
			dev.events[e.EventID] = it
		}
	}

	q := cmdQueue{cbaser: data.CBASER & cbaserWriteMask}
	if size := q.size(); size != 0 {
		if data.CREADR%CommandSize != 0 || data.CREADR >= size || data.CWRITER%CommandSize != 0 || data.CWRITER >= size {
			return fmt.Errorf("its: snapshot cursors 0x%x/0x%x outside ring of 0x%x bytes", data.CREADR, data.CWRITER, size)
		}
		q.creadr = data.CREADR
		q.cwriter = data.CWRITER
	}
	if data.Stalled {
		q.state = queueStalled
	}

	its.mu.Lock()
	defer its.mu.Unlock()

	if its.queue.state == queueDraining {
		return ErrBusy
	}
	q.gen = its.queue.gen + 1
	its.queue = q
	its.enabled = data.Enabled
	its.store = st
	return nil
}
