package scenario

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vits/internal/chipset"
	"github.com/tinyrange/vits/internal/devices/arm64/its"
	"github.com/tinyrange/vits/internal/guestmem"
	"github.com/tinyrange/vits/internal/hv"
)

// Options tunes a run. The zero value is usable.
type Options struct {
	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

// CommandResult is one command as the ITS executed it.
type CommandResult struct {
	Command    string `yaml:"command"`
	Completion string `yaml:"completion"`
	Code       uint32 `yaml:"code"`
}

// QueuedIRQ is an LPI handed to a vCPU's list registers.
type QueuedIRQ struct {
	LPI      uint32 `yaml:"lpi"`
	Priority uint8  `yaml:"priority"`
}

// VCPUResult is what one vCPU saw.
type VCPUResult struct {
	VCPU   int         `yaml:"vcpu"`
	Kicks  int         `yaml:"kicks"`
	Queued []QueuedIRQ `yaml:"queued,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	ITSBase  uint64          `yaml:"its_base"`
	Commands []CommandResult `yaml:"commands,omitempty"`
	VCPUs    []VCPUResult    `yaml:"vcpus"`
	Flushes  int             `yaml:"flushes"`
	Snapshot *its.Snapshot   `yaml:"snapshot,omitempty"`
}

// machine is the VM the chipset attaches to.
type machine struct {
	*guestmem.RAM
	cpus int
}

func (m *machine) CPUCount() int { return m.cpus }

var _ hv.VirtualMachine = (*machine)(nil)

// redistributors reports the table registers the scenario programmed.
type redistributors struct {
	prop uint64
	pend []uint64
}

func (r *redistributors) PropBaser() uint64         { return r.prop }
func (r *redistributors) PendBaser(vcpu int) uint64 { return r.pend[vcpu] }

// distributor stands in for the GIC distributor. Each vCPU has a bounded set
// of list registers; LPIs beyond that are refused until the vCPU retires the
// ones it holds.
type distributor struct {
	limit int

	mu       sync.Mutex
	inflight [][]QueuedIRQ
	queued   [][]QueuedIRQ
	kicks    []int
}

func newDistributor(cpus, limit int) *distributor {
	return &distributor{
		limit:    limit,
		inflight: make([][]QueuedIRQ, cpus),
		queued:   make([][]QueuedIRQ, cpus),
		kicks:    make([]int, cpus),
	}
}

func (d *distributor) QueueIRQ(vcpu int, priority uint8, lpi uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limit > 0 && len(d.inflight[vcpu]) >= d.limit {
		return false
	}
	d.inflight[vcpu] = append(d.inflight[vcpu], QueuedIRQ{LPI: lpi, Priority: priority})
	return true
}

func (d *distributor) Kick(vcpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicks[vcpu]++
}

// retire acknowledges every LPI vcpu holds, freeing its list registers.
func (d *distributor) retire(vcpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued[vcpu] = append(d.queued[vcpu], d.inflight[vcpu]...)
	d.inflight[vcpu] = d.inflight[vcpu][:0]
}

type recorder struct {
	mu       sync.Mutex
	commands []CommandResult
	flushes  int
}

func (r *recorder) CommandExecuted(cmd its.Command, completion its.Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, CommandResult{
		Command:    cmd.Opcode().String(),
		Completion: completion.String(),
		Code:       uint32(completion),
	})
}

func (r *recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

// run holds the pieces of one scenario execution.
type run struct {
	s      *Scenario
	log    *slog.Logger
	ram    *guestmem.RAM
	cs     *chipset.Chipset
	dev    *its.ITS
	dist   *distributor
	record *recorder
}

// Run builds a VM with an ITS as s describes, replays the scenario against it
// and reports what every vCPU received.
func Run(ctx context.Context, s *Scenario, opts Options) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ram, err := guestmem.New(s.Memory.Base, s.Memory.Size)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	defer ram.Close()

	r := &run{
		s:      s,
		log:    logger.With("scenario", s.Name),
		ram:    ram,
		dist:   newDistributor(s.VCPUs, s.ListRegisters),
		record: &recorder{},
	}
	if err := r.build(opts); err != nil {
		return nil, err
	}
	if err := r.writeTables(); err != nil {
		return nil, err
	}
	for _, cpu := range s.EnableLPIs {
		if err := r.dev.EnableLPIs(cpu); err != nil {
			return nil, fmt.Errorf("scenario: %w", err)
		}
	}
	if err := r.issueCommands(ctx); err != nil {
		return nil, err
	}
	if err := r.raiseMSIs(); err != nil {
		return nil, err
	}
	if err := r.runVCPUs(ctx); err != nil {
		return nil, err
	}
	return r.result()
}

func (r *run) build(opts Options) error {
	s := r.s
	space := hv.NewAddressSpace(s.Memory.Base, s.Memory.Size)
	var (
		alloc hv.MMIOAllocation
		err   error
	)
	if s.ITSBase != 0 {
		alloc, err = space.RegisterFixed("its", s.ITSBase, its.FrameSize)
	} else {
		alloc, err = space.Allocate(hv.MMIOAllocationRequest{
			Name:      "its",
			Size:      its.FrameSize,
			Alignment: its.ControlFrameSize,
		})
	}
	if err != nil {
		return fmt.Errorf("scenario: place ITS: %w", err)
	}

	redist := &redistributors{prop: s.LPI.PropBase | uint64(s.LPI.IDBits)}
	for cpu := 0; cpu < s.VCPUs; cpu++ {
		redist.pend = append(redist.pend, s.pendBase(cpu))
	}

	r.dev, err = its.New(its.Config{
		Base:           alloc.Base,
		NumVCPUs:       s.VCPUs,
		Distributor:    r.dist,
		Redistributors: redist,
		Observer:       r.record,
		Flusher:        r.record,
		Logger:         r.log,
		MeterProvider:  opts.MeterProvider,
		ChunkSize:      s.ChunkSize,
	})
	if err != nil {
		return fmt.Errorf("scenario: %w", err)
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("its", r.dev); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	if r.cs, err = b.Build(); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	if err := r.cs.Init(&machine{RAM: r.ram, cpus: s.VCPUs}); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	r.log.Debug("ITS placed", "base", fmt.Sprintf("0x%x", alloc.Base), "vcpus", s.VCPUs)
	return nil
}

func (r *run) writeTables() error {
	for _, c := range r.s.LPI.Config {
		prop := c.Priority &^ 0x3
		if c.Enabled {
			prop |= 1
		}
		if err := r.write(r.s.LPI.PropBase+uint64(c.LPI-its.LPIBase), []byte{prop}); err != nil {
			return err
		}
	}
	for _, p := range r.s.LPI.Pending {
		addr := r.s.pendBase(p.VCPU) + uint64(p.LPI/8)
		var b [1]byte
		if _, err := r.ram.ReadAt(b[:], int64(addr)); err != nil {
			return fmt.Errorf("scenario: %w", err)
		}
		b[0] |= 1 << (p.LPI % 8)
		if err := r.write(addr, b[:]); err != nil {
			return err
		}
	}
	return nil
}

// issueCommands programs the ring and feeds it in batches that never fill it,
// so long scenarios wrap around.
func (r *run) issueCommands(ctx context.Context) error {
	q := r.s.CommandQueue
	size := uint64(q.Pages) * 0x1000
	if err := r.writeReg(its.GITS_CBASER, its.GITS_CBASER_VALID|q.Base|uint64(q.Pages-1), 8); err != nil {
		return err
	}
	if err := r.writeReg(its.GITS_CTLR, its.GITS_CTLR_ENABLED, 4); err != nil {
		return err
	}

	batch := int(size/its.CommandSize) - 1
	var tail uint64
	for start := 0; start < len(r.s.Commands); start += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batch, len(r.s.Commands))
		for _, spec := range r.s.Commands[start:end] {
			cmd, err := spec.Command()
			if err != nil {
				return fmt.Errorf("scenario: %w", err)
			}
			raw := cmd.Encode()
			if err := r.write(q.Base+tail, raw[:]); err != nil {
				return err
			}
			tail = (tail + its.CommandSize) % size
		}
		if err := r.writeReg(its.GITS_CWRITER, tail, 8); err != nil {
			return err
		}

		creadr, err := r.readReg(its.GITS_CREADR)
		if err != nil {
			return err
		}
		if creadr&its.GITS_CREADR_STALLED != 0 {
			return fmt.Errorf("scenario: command queue stalled at offset 0x%x", creadr&^its.GITS_CREADR_STALLED)
		}
		if creadr != tail {
			return fmt.Errorf("scenario: command queue at 0x%x after CWRITER 0x%x", creadr, tail)
		}
	}
	return nil
}

func (r *run) raiseMSIs() error {
	for _, m := range r.s.MSIs {
		err := r.cs.SignalMSI(hv.MSI{
			Address:  r.dev.Doorbell(),
			Data:     m.Event,
			DeviceID: m.Device,
			Flags:    hv.MSIFlagValidDeviceID,
		})
		if err != nil {
			return fmt.Errorf("scenario: %w", err)
		}
	}
	return nil
}

// runVCPUs lets every vCPU take its pending LPIs, one goroutine per vCPU,
// retiring list registers until nothing is refused.
func (r *run) runVCPUs(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < r.s.VCPUs; cpu++ {
		g.Go(func() error {
			for {
				done := r.dev.QueueLPIs(cpu)
				r.dist.retire(cpu)
				if done {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("scenario: vCPUs: %w", err)
	}
	return nil
}

func (r *run) result() (*Result, error) {
	raw, err := r.dev.CaptureSnapshot()
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}

	res := &Result{
		ITSBase:  r.dev.Base(),
		Snapshot: raw.(*its.Snapshot),
	}
	r.record.mu.Lock()
	res.Commands = append(res.Commands, r.record.commands...)
	res.Flushes = r.record.flushes
	r.record.mu.Unlock()

	r.dist.mu.Lock()
	for cpu := 0; cpu < r.s.VCPUs; cpu++ {
		res.VCPUs = append(res.VCPUs, VCPUResult{
			VCPU:   cpu,
			Kicks:  r.dist.kicks[cpu],
			Queued: append([]QueuedIRQ(nil), r.dist.queued[cpu]...),
		})
	}
	r.dist.mu.Unlock()
	return res, nil
}

func (r *run) write(addr uint64, p []byte) error {
	if _, err := r.ram.WriteAt(p, int64(addr)); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	return nil
}

func (r *run) writeReg(offset, value uint64, size int) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, value)
	if err := r.cs.HandleMMIO(hv.ExitFromVCPU(0), r.dev.Base()+offset, data[:size], true); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	return nil
}

func (r *run) readReg(offset uint64) (uint64, error) {
	var data [8]byte
	if err := r.cs.HandleMMIO(hv.ExitFromVCPU(0), r.dev.Base()+offset, data[:], false); err != nil {
		return 0, fmt.Errorf("scenario: %w", err)
	}
	return binary.LittleEndian.Uint64(data[:]), nil
}
