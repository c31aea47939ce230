package its

import (
	"errors"
	"maps"
	"slices"
)

var errOutOfResources = errors.New("its: out of resources")

// targetNotMapped marks a collection that exists (it was named by MAPTI) but
// has not been bound to a redistributor by MAPC.
const targetNotMapped = -1

// Limits bounds how many entities the guest may create. Zero means unlimited.
type Limits struct {
	MaxDevices         int
	MaxEventsPerDevice int
	MaxCollections     int
}

type collection struct {
	id     uint16
	target int
}

func (c *collection) mapped() bool {
	return c != nil && c.target != targetNotMapped
}

// itte is one interrupt translation table entry. The collection link is a
// handle into the store's collection map, never a pointer.
type itte struct {
	deviceID uint32
	eventID  uint32

	lpi      uint32
	enabled  bool
	priority uint8

	collection    uint16
	hasCollection bool

	pending pendingSet
}

// applyConfig updates the cached state from an LPI configuration table byte.
func (it *itte) applyConfig(prop byte) {
	it.enabled = prop&lpiPropEnable != 0
	it.priority = prop & lpiPropPriorityMask
}

type device struct {
	id     uint32
	events map[uint32]*itte
}

type store struct {
	nrCPUs int
	limits Limits

	devices     map[uint32]*device
	collections map[uint16]*collection
}

func newStore(nrCPUs int, limits Limits) *store {
	return &store{
		nrCPUs:      nrCPUs,
		limits:      limits,
		devices:     make(map[uint32]*device),
		collections: make(map[uint16]*collection),
	}
}

func (s *store) findDevice(id uint32) *device {
	return s.devices[id]
}

func (s *store) findITTE(deviceID, eventID uint32) *itte {
	dev := s.devices[deviceID]
	if dev == nil {
		return nil
	}
	return dev.events[eventID]
}

// findITTEByLPI scans every device. Tables are small enough that an index is
// not worth keeping in sync.
func (s *store) findITTEByLPI(lpi uint32) *itte {
	var found *itte
	s.eachITTE(func(it *itte) bool {
		if it.lpi == lpi {
			found = it
			return false
		}
		return true
	})
	return found
}

func (s *store) findCollection(id uint16) *collection {
	return s.collections[id]
}

// collectionOf returns the collection an ITTE is linked to, or nil when the
// link has been severed.
func (s *store) collectionOf(it *itte) *collection {
	if !it.hasCollection {
		return nil
	}
	return s.collections[it.collection]
}

// mappedCollection returns the ITTE's collection only if it targets a vCPU.
func (s *store) mappedCollection(it *itte) *collection {
	if c := s.collectionOf(it); c.mapped() {
		return c
	}
	return nil
}

// mapDevice creates a device with an empty ITT, replacing any device already
// registered under id.
func (s *store) mapDevice(id uint32) error {
	_, replacing := s.devices[id]
	if !replacing && s.limits.MaxDevices > 0 && len(s.devices) >= s.limits.MaxDevices {
		return errOutOfResources
	}
	s.devices[id] = &device{id: id, events: make(map[uint32]*itte)}
	return nil
}

func (s *store) unmapDevice(id uint32) {
	delete(s.devices, id)
}

// mapCollection creates the collection or retargets an existing one.
func (s *store) mapCollection(id uint16, target int) error {
	if c := s.collections[id]; c != nil {
		c.target = target
		return nil
	}
	if s.limits.MaxCollections > 0 && len(s.collections) >= s.limits.MaxCollections {
		return errOutOfResources
	}
	s.collections[id] = &collection{id: id, target: target}
	return nil
}

// unmapCollection removes the collection and severs every ITTE link to it.
// The ITTEs themselves stay.
func (s *store) unmapCollection(id uint16) {
	if _, ok := s.collections[id]; !ok {
		return
	}
	s.eachITTE(func(it *itte) bool {
		if it.hasCollection && it.collection == id {
			it.hasCollection = false
			it.collection = 0
		}
		return true
	})
	delete(s.collections, id)
}

// ensureCollection returns the collection with the given id, creating it in
// the not-mapped state if it does not exist yet.
func (s *store) ensureCollection(id uint16) (*collection, error) {
	if c := s.collections[id]; c != nil {
		return c, nil
	}
	if err := s.mapCollection(id, targetNotMapped); err != nil {
		return nil, err
	}
	return s.collections[id], nil
}

// mapEvent binds (dev, eventID) to lpi in collection collID, creating the
// ITTE if needed. An existing ITTE keeps its pending and configuration state.
func (s *store) mapEvent(dev *device, eventID, lpi uint32, collID uint16) (*itte, error) {
	it := dev.events[eventID]
	if it == nil && s.limits.MaxEventsPerDevice > 0 && len(dev.events) >= s.limits.MaxEventsPerDevice {
		return nil, errOutOfResources
	}
	if _, err := s.ensureCollection(collID); err != nil {
		return nil, err
	}
	if it == nil {
		it = &itte{
			deviceID: dev.id,
			eventID:  eventID,
			pending:  newPendingSet(s.nrCPUs),
		}
		dev.events[eventID] = it
	}
	it.lpi = lpi
	it.collection = collID
	it.hasCollection = true
	return it, nil
}

func (s *store) removeITTE(it *itte) {
	if dev := s.devices[it.deviceID]; dev != nil && dev.events[it.eventID] == it {
		delete(dev.events, it.eventID)
	}
}

// eachITTE visits every ITTE ordered by device id then event id until fn
// returns false.
func (s *store) eachITTE(fn func(it *itte) bool) {
	for _, devID := range slices.Sorted(maps.Keys(s.devices)) {
		if !s.devices[devID].eachEvent(fn) {
			return
		}
	}
}

// eachEvent visits the device's ITTEs ordered by event id. It returns false if
// fn stopped the walk.
func (d *device) eachEvent(fn func(it *itte) bool) bool {
	for _, evID := range slices.Sorted(maps.Keys(d.events)) {
		if !fn(d.events[evID]) {
			return false
		}
	}
	return true
}

// eachDevice visits devices ordered by id.
func (s *store) eachDevice(fn func(d *device)) {
	for _, id := range slices.Sorted(maps.Keys(s.devices)) {
		fn(s.devices[id])
	}
}

// eachCollection visits collections ordered by id.
func (s *store) eachCollection(fn func(c *collection)) {
	for _, id := range slices.Sorted(maps.Keys(s.collections)) {
		fn(s.collections[id])
	}
}

func (s *store) reset() {
	s.devices = make(map[uint32]*device)
	s.collections = make(map[uint16]*collection)
}
