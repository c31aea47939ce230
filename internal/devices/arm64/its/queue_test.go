package its

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

var errTestFault = errors.New("injected fault")

func opcodes(history []executed) []Opcode {
	out := make([]Opcode, len(history))
	for i, ex := range history {
		out[i] = ex.cmd.Opcode()
	}
	return out
}

func TestCBaserWrites(t *testing.T) {
	env := newTestEnv(t, 1)
	env.enableQueue()
	env.submit(MapD{DeviceID: 1, Valid: true})
	if got := env.creadr(); got != CommandSize {
		t.Fatalf("CREADR = 0x%x, want 0x%x", got, CommandSize)
	}

	env.its.WriteRegister(GITS_CBASER, 8, cbaserValid|(testRingBase+0x1000))
	if got := env.its.ReadRegister(GITS_CBASER, 8); got != cbaserValid|testRingBase {
		t.Fatalf("CBASER changed while enabled: 0x%x", got)
	}

	env.its.WriteRegister(GITS_CTLR, 4, 0)
	env.its.WriteRegister(GITS_CBASER, 8, cbaserValid|(testRingBase+0x1000)|1)
	if got := env.its.ReadRegister(GITS_CBASER, 8); got != cbaserValid|(testRingBase+0x1000)|1 {
		t.Fatalf("CBASER = 0x%x after write while disabled", got)
	}
	if got := env.creadr(); got != 0 {
		t.Fatalf("CREADR = 0x%x after CBASER write, want 0", got)
	}
}

func TestCWriterBeyondRingIgnored(t *testing.T) {
	env := newTestEnv(t, 1)
	env.enableQueue()
	env.put(MapD{DeviceID: 1, Valid: true})

	env.its.WriteRegister(GITS_CWRITER, 8, testRingSize)
	if got := env.its.ReadRegister(GITS_CWRITER, 8); got != 0 {
		t.Fatalf("CWRITER = 0x%x, want 0", got)
	}
	if n := len(env.history()); n != 0 {
		t.Fatalf("%d commands executed for an out-of-ring CWRITER", n)
	}
}

func TestCWriterWithoutRingIgnored(t *testing.T) {
	env := newTestEnv(t, 1)
	env.its.WriteRegister(GITS_CTLR, 4, GITS_CTLR_ENABLED)
	env.its.WriteRegister(GITS_CWRITER, 8, CommandSize)
	if n := len(env.history()); n != 0 {
		t.Fatalf("%d commands executed without a valid CBASER", n)
	}
}

func TestRingWraps(t *testing.T) {
	env := newTestEnv(t, 1)
	env.enableQueue()

	// Leave one slot before the end so the third command wraps to offset 0.
	env.tail = testRingSize - CommandSize
	env.its.mu.Lock()
	env.its.queue.creadr = env.tail
	env.its.queue.cwriter = env.tail
	env.its.mu.Unlock()

	env.submit(MapD{DeviceID: 1, Valid: true}, MapD{DeviceID: 2, Valid: true}, Sync{})
	if got := env.creadr(); got != 2*CommandSize {
		t.Fatalf("CREADR = 0x%x, want 0x%x", got, 2*CommandSize)
	}
	if got := opcodes(env.history()); len(got) != 3 {
		t.Fatalf("executed %v, want 3 commands", got)
	}
}

func TestStallAndResume(t *testing.T) {
	env := newTestEnv(t, 1)
	env.enableQueue()

	bad := uint64(testRingBase + CommandSize)
	env.mem.setHook(func(addr uint64, n int) error {
		if addr == bad {
			return errTestFault
		}
		return nil
	})
	env.submit(MapD{DeviceID: 1, Valid: true}, MapD{DeviceID: 2, Valid: true}, MapD{DeviceID: 3, Valid: true})

	if got := env.creadr(); got != CommandSize|creadrStalled {
		t.Fatalf("CREADR = 0x%x, want 0x%x", got, CommandSize|creadrStalled)
	}
	if n := len(env.history()); n != 1 {
		t.Fatalf("executed %d commands before the stall, want 1", n)
	}

	env.mem.setHook(nil)
	env.its.WriteRegister(GITS_CWRITER, 8, env.tail)

	history := env.history()
	if len(history) != 3 {
		t.Fatalf("executed %d commands after resume, want 3", len(history))
	}
	for i, ex := range history {
		if id := ex.cmd.(MapD).DeviceID; id != uint32(i+1) {
			t.Fatalf("command %d was MAPD %d, want %d", i, id, i+1)
		}
	}
	if got := env.creadr(); got != 3*CommandSize {
		t.Fatalf("CREADR = 0x%x, want 0x%x", got, 3*CommandSize)
	}
}

// TestConcurrentCWriter blocks the first drainer inside a guest read and
// checks that a second writer only publishes its cursor.
func TestConcurrentCWriter(t *testing.T) {
	env := newTestEnv(t, 1)
	env.enableQueue()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.mem.setHook(func(addr uint64, n int) error {
		if addr == testRingBase {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	})

	first := env.put(MapD{DeviceID: 1, Valid: true}, MapD{DeviceID: 2, Valid: true})
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.its.WriteRegister(GITS_CWRITER, 8, first)
	}()
	<-entered

	second := env.put(MapD{DeviceID: 3, Valid: true}, MapD{DeviceID: 4, Valid: true})
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		env.its.WriteRegister(GITS_CWRITER, 8, second)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatalf("second CWRITER write blocked behind the active drainer")
	}
	if got := env.its.ReadRegister(GITS_CTLR, 4); got&GITS_CTLR_QUIESCENT != 0 {
		t.Fatalf("CTLR = 0x%x reports quiescent while draining", got)
	}

	close(release)
	<-done

	history := env.history()
	if len(history) != 4 {
		t.Fatalf("executed %d commands, want 4", len(history))
	}
	for i, ex := range history {
		if id := ex.cmd.(MapD).DeviceID; id != uint32(i+1) {
			t.Fatalf("command %d was MAPD %d, want %d", i, id, i+1)
		}
	}
	if got := env.creadr(); got != second {
		t.Fatalf("CREADR = 0x%x, want 0x%x", got, second)
	}
}

func TestConcurrentCWriterStress(t *testing.T) {
	const commands = 64

	env := newTestEnv(t, 4)
	env.enableQueue()

	var cmds []Command
	for i := 0; i < commands; i++ {
		cmds = append(cmds, MapD{DeviceID: uint32(i), Valid: true})
	}
	end := env.put(cmds...)

	var g errgroup.Group
	for vcpu := 0; vcpu < 4; vcpu++ {
		g.Go(func() error {
			for i := 0; i < 16; i++ {
				env.its.WriteRegister(GITS_CWRITER, 8, end)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("writers: %v", err)
	}

	history := env.history()
	if len(history) != commands {
		t.Fatalf("executed %d commands, want %d", len(history), commands)
	}
	for i, ex := range history {
		if id := ex.cmd.(MapD).DeviceID; id != uint32(i) {
			t.Fatalf("command %d was MAPD %d, want %d", i, id, i)
		}
	}
}

func TestEnableDrainsOutstanding(t *testing.T) {
	env := newTestEnv(t, 1)
	env.its.WriteRegister(GITS_CBASER, 8, cbaserValid|testRingBase)
	env.submit(MapD{DeviceID: 1, Valid: true}, MapD{DeviceID: 2, Valid: true})
	if n := len(env.history()); n != 0 {
		t.Fatalf("executed %d commands while disabled", n)
	}

	if !env.its.WriteRegister(GITS_CTLR, 4, GITS_CTLR_ENABLED) {
		t.Fatalf("enabling did not request a flush")
	}
	if n := len(env.history()); n != 2 {
		t.Fatalf("executed %d commands after enable, want 2", n)
	}
}

func TestResetWhileIdle(t *testing.T) {
	env := newTestEnv(t, 2)
	env.enableQueue()
	env.submit(MapD{DeviceID: 5, Valid: true}, MapC{CollectionID: 2, Target: 1, Valid: true})

	if err := env.its.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := env.its.ReadRegister(GITS_CTLR, 4); got&GITS_CTLR_ENABLED != 0 {
		t.Fatalf("CTLR = 0x%x after reset", got)
	}
	if got := env.its.ReadRegister(GITS_CBASER, 8); got != 0 {
		t.Fatalf("CBASER = 0x%x after reset", got)
	}
	env.its.mu.Lock()
	defer env.its.mu.Unlock()
	if len(env.its.store.devices) != 0 || len(env.its.store.collections) != 0 {
		t.Fatalf("mappings survived reset")
	}
}
