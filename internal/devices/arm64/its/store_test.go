package its

import (
	"errors"
	"slices"
	"testing"
)

func TestStoreIterationOrder(t *testing.T) {
	s := newStore(2, Limits{})
	for _, id := range []uint32{9, 1, 5} {
		if err := s.mapDevice(id); err != nil {
			t.Fatalf("mapDevice(%d): %v", id, err)
		}
		dev := s.findDevice(id)
		for _, ev := range []uint32{3, 0, 2} {
			if _, err := s.mapEvent(dev, ev, LPIBase+id*10+ev, 0); err != nil {
				t.Fatalf("mapEvent: %v", err)
			}
		}
	}

	var got []uint32
	s.eachITTE(func(it *itte) bool {
		got = append(got, it.deviceID*100+it.eventID)
		return true
	})
	want := []uint32{100, 102, 103, 500, 502, 503, 900, 902, 903}
	if !slices.Equal(got, want) {
		t.Fatalf("eachITTE order = %v, want %v", got, want)
	}

	got = got[:0]
	s.eachITTE(func(it *itte) bool {
		got = append(got, it.deviceID*100+it.eventID)
		return len(got) < 4
	})
	if !slices.Equal(got, want[:4]) {
		t.Fatalf("stopped walk visited %v, want %v", got, want[:4])
	}

	if it := s.findITTEByLPI(LPIBase + 52); it == nil || it.deviceID != 5 || it.eventID != 2 {
		t.Fatalf("findITTEByLPI = %+v, want device 5 event 2", it)
	}
	if s.findITTEByLPI(LPIBase+4) != nil {
		t.Fatalf("findITTEByLPI found an unmapped LPI")
	}
}

func TestStoreImplicitCollection(t *testing.T) {
	s := newStore(1, Limits{})
	if err := s.mapDevice(1); err != nil {
		t.Fatalf("mapDevice: %v", err)
	}
	it, err := s.mapEvent(s.findDevice(1), 0, LPIBase, 7)
	if err != nil {
		t.Fatalf("mapEvent: %v", err)
	}

	c := s.collectionOf(it)
	if c == nil || c.mapped() {
		t.Fatalf("collectionOf = %+v, want present but not mapped", c)
	}
	if s.mappedCollection(it) != nil {
		t.Fatalf("mappedCollection returned an unmapped collection")
	}

	if err := s.mapCollection(7, 0); err != nil {
		t.Fatalf("mapCollection: %v", err)
	}
	if got := s.mappedCollection(it); got != c || got.target != 0 {
		t.Fatalf("mappedCollection = %+v after MAPC", got)
	}
}

func TestStoreUnmapCollectionLeavesOthers(t *testing.T) {
	s := newStore(1, Limits{})
	s.mapDevice(1)
	s.mapCollection(1, 0)
	s.mapCollection(2, 0)
	a, _ := s.mapEvent(s.findDevice(1), 0, LPIBase, 1)
	b, _ := s.mapEvent(s.findDevice(1), 1, LPIBase+1, 2)

	s.unmapCollection(1)
	if a.hasCollection {
		t.Fatalf("ITTE on collection 1 still linked")
	}
	if !b.hasCollection || b.collection != 2 {
		t.Fatalf("ITTE on collection 2 lost its link")
	}
	s.unmapCollection(1)
}

func TestStoreLimits(t *testing.T) {
	s := newStore(1, Limits{MaxDevices: 2})
	for _, id := range []uint32{1, 2, 2} {
		if err := s.mapDevice(id); err != nil {
			t.Fatalf("mapDevice(%d): %v", id, err)
		}
	}
	if err := s.mapDevice(3); !errors.Is(err, errOutOfResources) {
		t.Fatalf("mapDevice(3) error = %v, want %v", err, errOutOfResources)
	}
	s.unmapDevice(1)
	if err := s.mapDevice(3); err != nil {
		t.Fatalf("mapDevice(3) after unmap: %v", err)
	}
}

func TestPendingSet(t *testing.T) {
	p := newPendingSet(3)
	p.set(0)
	p.set(2)
	p.set(3)
	p.set(-1)
	if got := p.cpus(); !slices.Equal(got, []int{0, 2}) {
		t.Fatalf("cpus = %v, want [0 2]", got)
	}
	if p.test(3) || p.test(-1) {
		t.Fatalf("out-of-range index reported pending")
	}
	if !p.testAndClear(2) || p.testAndClear(2) {
		t.Fatalf("testAndClear did not clear exactly once")
	}
	p.set(1)
	p.clear(0)
	if got := p.cpus(); !slices.Equal(got, []int{1}) {
		t.Fatalf("cpus = %v, want [1]", got)
	}
	p.clear(1)
	if p.any() {
		t.Fatalf("any() after clearing every bit")
	}
}
