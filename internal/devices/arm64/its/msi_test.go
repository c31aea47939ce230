package its

import (
	"errors"
	"slices"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vits/internal/hv"
)

func TestSignalMSI(t *testing.T) {
	env := newTestEnv(t, 2)
	mapOne(env)

	tests := []struct {
		name    string
		msi     hv.MSI
		wantErr bool
	}{
		{"no device id", hv.MSI{Address: env.its.Doorbell(), Data: 3, DeviceID: 5}, true},
		{"wrong doorbell", hv.MSI{Address: env.its.Doorbell() + 4, Data: 3, DeviceID: 5, Flags: hv.MSIFlagValidDeviceID}, true},
		{"control frame", hv.MSI{Address: testITSBase, Data: 3, DeviceID: 5, Flags: hv.MSIFlagValidDeviceID}, true},
		{"valid", hv.MSI{Address: env.its.Doorbell(), Data: 3, DeviceID: 5, Flags: hv.MSIFlagValidDeviceID}, false},
	}
	for _, tt := range tests {
		err := env.its.SignalMSI(tt.msi)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidMSI) {
				t.Fatalf("%s: error = %v, want %v", tt.name, err, ErrInvalidMSI)
			}
			if got := env.pendingOn(5, 3); len(got) != 0 {
				t.Fatalf("%s: rejected MSI left pending %v", tt.name, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := env.pendingOn(5, 3); !slices.Equal(got, []int{1}) {
			t.Fatalf("%s: pending = %v, want [1]", tt.name, got)
		}
	}
}

func TestInjectMSIDisabledDoesNotKick(t *testing.T) {
	env := newTestEnv(t, 2)
	mapOne(env)

	if !env.its.InjectMSI(5, 3) {
		t.Fatalf("InjectMSI(5, 3) dropped a mapped event")
	}
	if got := env.dist.kickCount(1); got != 0 {
		t.Fatalf("kicks = %d for a disabled LPI", got)
	}
	if env.its.InjectMSI(5, 4) {
		t.Fatalf("InjectMSI(5, 4) accepted an unmapped event")
	}
}

func TestInjectMSIUnmappedCollection(t *testing.T) {
	env := newTestEnv(t, 2)
	mapOne(env)
	env.mustExec(MapC{CollectionID: 2, Valid: false})

	if env.its.InjectMSI(5, 3) {
		t.Fatalf("InjectMSI accepted an event with no collection")
	}
	env.its.mu.Lock()
	pending := env.its.store.findITTE(5, 3).pending.any()
	env.its.mu.Unlock()
	if pending {
		t.Fatalf("event with no collection marked pending")
	}
}

func TestQueueLPIs(t *testing.T) {
	env := newTestEnv(t, 2)
	env.setConfig(8200, lpiEnabled)
	env.setConfig(8202, lpiEnabled)
	env.mustExec(
		MapD{DeviceID: 5, Valid: true},
		MapC{CollectionID: 2, Target: 1, Valid: true},
		MapTI{DeviceID: 5, EventID: 0, LPI: 8200, CollectionID: 2},
		MapTI{DeviceID: 5, EventID: 1, LPI: 8201, CollectionID: 2}, // disabled
		MapTI{DeviceID: 5, EventID: 2, LPI: 8202, CollectionID: 2},
	)
	for ev := uint32(0); ev < 3; ev++ {
		env.its.InjectMSI(5, ev)
	}

	env.dist.setRefuse(true)
	if env.its.QueueLPIs(1) {
		t.Fatalf("QueueLPIs reported success while the distributor refused")
	}
	if got := env.pendingOn(5, 0); !slices.Equal(got, []int{1}) {
		t.Fatalf("refused LPI pending = %v, want [1]", got)
	}

	env.dist.setRefuse(false)
	if !env.its.QueueLPIs(1) {
		t.Fatalf("QueueLPIs reported refused LPIs")
	}
	if !env.its.QueueLPIs(1) {
		t.Fatalf("second QueueLPIs reported refused LPIs")
	}
	if got := env.dist.queuedOn(1); !slices.Equal(got, []uint32{8200, 8202}) {
		t.Fatalf("queued %v, want [8200 8202]", got)
	}
	if got := env.pendingOn(5, 1); !slices.Equal(got, []int{1}) {
		t.Fatalf("disabled LPI pending = %v, want [1]", got)
	}
	if env.its.QueueLPIs(0); len(env.dist.queuedOn(0)) != 0 {
		t.Fatalf("QueueLPIs(0) queued LPIs targeting vCPU 1")
	}
}

func TestUnqueueLPI(t *testing.T) {
	env := newTestEnv(t, 2)
	env.setConfig(8200, lpiEnabled)
	mapOne(env)
	env.its.InjectMSI(5, 3)
	env.its.QueueLPIs(1)
	if got := env.pendingOn(5, 3); len(got) != 0 {
		t.Fatalf("pending = %v after queueing", got)
	}

	env.its.UnqueueLPI(1, 8200)
	if got := env.pendingOn(5, 3); !slices.Equal(got, []int{1}) {
		t.Fatalf("pending = %v after unqueue, want [1]", got)
	}
	env.its.UnqueueLPI(1, 9999)
}

func TestConcurrentDelivery(t *testing.T) {
	const nrCPUs = 4
	env := newTestEnv(t, nrCPUs)
	env.mustExec(MapD{DeviceID: 1, Valid: true})
	for cpu := uint32(0); cpu < nrCPUs; cpu++ {
		lpi := 8192 + cpu
		env.setConfig(lpi, lpiEnabled)
		env.mustExec(
			MapC{CollectionID: uint16(cpu), Target: cpu, Valid: true},
			MapTI{DeviceID: 1, EventID: cpu, LPI: lpi, CollectionID: uint16(cpu)},
		)
	}

	var g errgroup.Group
	for cpu := 0; cpu < nrCPUs; cpu++ {
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				env.its.InjectMSI(1, uint32(cpu))
				env.its.QueueLPIs(cpu)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("vCPUs: %v", err)
	}

	for cpu := 0; cpu < nrCPUs; cpu++ {
		want := uint32(8192 + cpu)
		for _, lpi := range env.dist.queuedOn(cpu) {
			if lpi != want {
				t.Fatalf("vCPU %d queued LPI %d, want only %d", cpu, lpi, want)
			}
		}
		if n := len(env.dist.queuedOn(cpu)); n != 100 {
			t.Fatalf("vCPU %d queued %d LPIs, want 100", cpu, n)
		}
	}
}
