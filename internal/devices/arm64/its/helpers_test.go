package its

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tinyrange/vits/internal/guestmem"
)

const (
	testRAMBase  = 0x4000_0000
	testRAMSize  = 0x10_0000
	testITSBase  = 0x0808_0000
	testPropBase = testRAMBase + 0x1_0000
	testPendBase = testRAMBase + 0x4_0000
	testRingBase = testRAMBase + 0x8_0000
	testRingSize = queuePageSize

	// 16384 interrupt IDs, so LPIs 8192..16383 are valid.
	testIDBits = 13
)

// testDistributor records queued LPIs and kicks per vCPU.
type testDistributor struct {
	mu     sync.Mutex
	queued map[int][]uint32
	kicks  map[int]int
	refuse bool
}

func newTestDistributor() *testDistributor {
	return &testDistributor{queued: make(map[int][]uint32), kicks: make(map[int]int)}
}

func (d *testDistributor) QueueIRQ(vcpu int, priority uint8, lpi uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse {
		return false
	}
	d.queued[vcpu] = append(d.queued[vcpu], lpi)
	return true
}

func (d *testDistributor) Kick(vcpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicks[vcpu]++
}

func (d *testDistributor) setRefuse(refuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse = refuse
}

func (d *testDistributor) queuedOn(vcpu int) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.queued[vcpu]...)
}

func (d *testDistributor) kickCount(vcpu int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kicks[vcpu]
}

type testRedistributors struct {
	prop uint64
	pend []uint64
}

func (r *testRedistributors) PropBaser() uint64         { return r.prop }
func (r *testRedistributors) PendBaser(vcpu int) uint64 { return r.pend[vcpu] }

// faultMemory is guest RAM whose reads can be failed or blocked by a hook.
type faultMemory struct {
	ram *guestmem.RAM

	mu   sync.Mutex
	hook func(addr uint64, n int) error
}

func (m *faultMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(uint64(off), len(p)); err != nil {
			return 0, err
		}
	}
	return m.ram.ReadAt(p, off)
}

func (m *faultMemory) setHook(hook func(addr uint64, n int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

type executed struct {
	cmd        Command
	completion Completion
}

type testEnv struct {
	t      *testing.T
	its    *ITS
	ram    *guestmem.RAM
	mem    *faultMemory
	dist   *testDistributor
	redist *testRedistributors

	mu      sync.Mutex
	log     []executed
	flushes int

	tail uint64
}

func newTestEnv(t *testing.T, nrCPUs int, opts ...func(*Config)) *testEnv {
	t.Helper()

	ram, err := guestmem.New(testRAMBase, testRAMSize)
	if err != nil {
		t.Fatalf("guestmem.New: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	env := &testEnv{
		t:    t,
		ram:  ram,
		mem:  &faultMemory{ram: ram},
		dist: newTestDistributor(),
		redist: &testRedistributors{
			prop: testPropBase | testIDBits,
		},
	}
	for cpu := 0; cpu < nrCPUs; cpu++ {
		env.redist.pend = append(env.redist.pend, testPendBase+uint64(cpu)*0x1_0000)
	}

	cfg := Config{
		Base:           testITSBase,
		NumVCPUs:       nrCPUs,
		Memory:         env.mem,
		Distributor:    env.dist,
		Redistributors: env.redist,
		Observer: CommandObserverFunc(func(cmd Command, completion Completion) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.log = append(env.log, executed{cmd, completion})
		}),
		Flusher: FlusherFunc(func() {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.flushes++
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	env.its, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func (e *testEnv) write(addr uint64, p []byte) {
	e.t.Helper()
	if _, err := e.ram.WriteAt(p, int64(addr)); err != nil {
		e.t.Fatalf("write guest 0x%x: %v", addr, err)
	}
}

// setConfig writes the configuration table byte for lpi.
func (e *testEnv) setConfig(lpi uint32, prop byte) {
	e.t.Helper()
	e.write(testPropBase+uint64(lpi-LPIBase), []byte{prop})
}

// setPendingBit sets lpi's bit in vcpu's pending table.
func (e *testEnv) setPendingBit(vcpu int, lpi uint32) {
	e.t.Helper()
	addr := e.redist.pend[vcpu] + uint64(lpi/8)
	var b [1]byte
	if _, err := e.ram.ReadAt(b[:], int64(addr)); err != nil {
		e.t.Fatalf("read pending table: %v", err)
	}
	b[0] |= 1 << (lpi % 8)
	e.write(addr, b[:])
}

// exec runs cmd directly, bypassing the ring.
func (e *testEnv) exec(cmd Command) Completion {
	return cmd.execute(e.its)
}

// mustExec runs each command and fails the test on a non-OK completion.
func (e *testEnv) mustExec(cmds ...Command) {
	e.t.Helper()
	for _, cmd := range cmds {
		if got := e.exec(cmd); got != CompletionOK {
			e.t.Fatalf("%v: completion %v, want ok", cmd.Opcode(), got)
		}
	}
}

// enableQueue programs a one-page ring and enables the ITS.
func (e *testEnv) enableQueue() {
	e.t.Helper()
	e.its.WriteRegister(GITS_CBASER, 8, cbaserValid|testRingBase)
	e.its.WriteRegister(GITS_CTLR, 4, GITS_CTLR_ENABLED)
	e.tail = 0
}

// put writes commands at the ring tail without publishing them.
func (e *testEnv) put(cmds ...Command) uint64 {
	e.t.Helper()
	for _, cmd := range cmds {
		raw := cmd.Encode()
		e.write(testRingBase+e.tail, raw[:])
		e.tail = (e.tail + CommandSize) % testRingSize
	}
	return e.tail
}

// submit writes commands to the ring and publishes them through CWRITER.
func (e *testEnv) submit(cmds ...Command) {
	e.t.Helper()
	e.its.WriteRegister(GITS_CWRITER, 8, e.put(cmds...))
}

func (e *testEnv) history() []executed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]executed(nil), e.log...)
}

func (e *testEnv) flushCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}

func (e *testEnv) creadr() uint64 {
	return e.its.ReadRegister(GITS_CREADR, 8)
}

func (e *testEnv) findITTE(deviceID, eventID uint32) *itte {
	e.its.mu.Lock()
	defer e.its.mu.Unlock()
	return e.its.store.findITTE(deviceID, eventID)
}

func (e *testEnv) findITTEByLPI(lpi uint32) *itte {
	e.its.mu.Lock()
	defer e.its.mu.Unlock()
	return e.its.store.findITTEByLPI(lpi)
}

func (e *testEnv) pendingOn(deviceID, eventID uint32) []int {
	e.its.mu.Lock()
	defer e.its.mu.Unlock()
	it := e.its.store.findITTE(deviceID, eventID)
	if it == nil {
		return nil
	}
	return it.pending.cpus()
}
