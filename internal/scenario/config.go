// Package scenario drives an ITS from a YAML description of a small VM: its
// memory, LPI tables, a stream of ITS commands and the MSIs devices raise.
package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vits/internal/devices/arm64/its"
)

const (
	defaultMemoryBase = 0x4000_0000
	defaultMemorySize = 0x100_0000

	// pendStride separates the per-vCPU pending tables.
	pendStride = 0x1_0000
)

// Scenario is a complete run description.
type Scenario struct {
	Name  string `yaml:"name"`
	VCPUs int    `yaml:"vcpus"`

	Memory Memory `yaml:"memory"`

	// ITSBase places the ITS control frame. Zero allocates it above RAM.
	ITSBase   uint64 `yaml:"its_base"`
	ChunkSize int    `yaml:"chunk_size"`

	// ListRegisters caps how many LPIs a vCPU holds at once. Zero is
	// unlimited.
	ListRegisters int `yaml:"list_registers"`

	LPI          LPITables    `yaml:"lpi"`
	CommandQueue CommandQueue `yaml:"command_queue"`

	// EnableLPIs lists the redistributors the guest enables LPIs on before
	// any command is issued.
	EnableLPIs []int `yaml:"enable_lpis"`

	Commands []CommandSpec `yaml:"commands"`
	MSIs     []MSISpec     `yaml:"msis"`
}

// Memory is the guest RAM window.
type Memory struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// LPITables describes the redistributor LPI tables and their initial contents.
type LPITables struct {
	// IDBits is the PROPBASER IDbits field: the tables cover 2^(IDBits+1)
	// interrupt IDs.
	IDBits   uint8  `yaml:"id_bits"`
	PropBase uint64 `yaml:"prop_base"`
	// PendBase is vCPU 0's pending table; vCPU n's sits n*64KiB above it.
	PendBase uint64 `yaml:"pend_base"`

	Config  []LPIConfig  `yaml:"config"`
	Pending []LPIPending `yaml:"pending"`
}

// LPIConfig is one configuration table byte.
type LPIConfig struct {
	LPI      uint32 `yaml:"lpi"`
	Priority uint8  `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`
}

// LPIPending is one set bit in a vCPU's pending table.
type LPIPending struct {
	VCPU int    `yaml:"vcpu"`
	LPI  uint32 `yaml:"lpi"`
}

// CommandQueue is the guest command ring.
type CommandQueue struct {
	Base  uint64 `yaml:"base"`
	Pages int    `yaml:"pages"`
}

// CommandSpec is one ITS command. Op is the lowercase command name; which of
// the other fields matter depends on it.
type CommandSpec struct {
	Op         string `yaml:"op"`
	Device     uint32 `yaml:"device"`
	Event      uint32 `yaml:"event"`
	LPI        uint32 `yaml:"lpi"`
	Collection uint16 `yaml:"collection"`
	Target     uint32 `yaml:"target"`
	Target2    uint32 `yaml:"target2"`
	Valid      *bool  `yaml:"valid"`
}

// MSISpec is a device write to the ITS doorbell.
type MSISpec struct {
	Device uint32 `yaml:"device"`
	Event  uint32 `yaml:"event"`
}

// Command builds the ITS command c describes. Valid defaults to true for
// MAPD and MAPC.
func (c CommandSpec) Command() (its.Command, error) {
	op, err := its.ParseOpcode(c.Op)
	if err != nil {
		return nil, err
	}
	valid := c.Valid == nil || *c.Valid

	switch op {
	case its.OpMapD:
		return its.MapD{DeviceID: c.Device, Valid: valid}, nil
	case its.OpMapC:
		return its.MapC{CollectionID: c.Collection, Target: c.Target, Valid: valid}, nil
	case its.OpMapTI:
		return its.MapTI{DeviceID: c.Device, EventID: c.Event, LPI: c.LPI, CollectionID: c.Collection}, nil
	case its.OpMapI:
		return its.MapI{DeviceID: c.Device, EventID: c.Event, CollectionID: c.Collection}, nil
	case its.OpMovI:
		return its.MovI{DeviceID: c.Device, EventID: c.Event, CollectionID: c.Collection}, nil
	case its.OpDiscard:
		return its.Discard{DeviceID: c.Device, EventID: c.Event}, nil
	case its.OpClear:
		return its.Clear{DeviceID: c.Device, EventID: c.Event}, nil
	case its.OpInv:
		return its.Inv{DeviceID: c.Device, EventID: c.Event}, nil
	case its.OpInvAll:
		return its.InvAll{CollectionID: c.Collection}, nil
	case its.OpMovAll:
		return its.MovAll{Target1: c.Target, Target2: c.Target2}, nil
	case its.OpInt:
		return its.Int{DeviceID: c.Device, EventID: c.Event}, nil
	case its.OpSync:
		return its.Sync{Target: c.Target}, nil
	}
	return nil, fmt.Errorf("scenario: command %q not supported", c.Op)
}

// Load reads a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: reading %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scenario, fills in defaults and validates it.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("scenario: parsing: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) applyDefaults() {
	if s.VCPUs == 0 {
		s.VCPUs = 1
	}
	if s.Memory.Base == 0 && s.Memory.Size == 0 {
		s.Memory = Memory{Base: defaultMemoryBase, Size: defaultMemorySize}
	}
	if s.LPI.IDBits == 0 {
		s.LPI.IDBits = 13
	}
	if s.LPI.PropBase == 0 {
		s.LPI.PropBase = s.Memory.Base + 0x1_0000
	}
	if s.LPI.PendBase == 0 {
		s.LPI.PendBase = s.Memory.Base + 0x10_0000
	}
	if s.CommandQueue.Base == 0 {
		s.CommandQueue.Base = s.Memory.Base + 0x8_0000
	}
	if s.CommandQueue.Pages == 0 {
		s.CommandQueue.Pages = 1
	}
}

// Validate checks that every table fits in RAM and every reference names a
// real vCPU or command.
func (s *Scenario) Validate() error {
	if s.VCPUs < 0 {
		return fmt.Errorf("scenario: invalid vCPU count %d", s.VCPUs)
	}
	if s.LPI.IDBits < 13 || s.LPI.IDBits >= its.InterruptIDBits {
		return fmt.Errorf("scenario: id_bits %d outside [13, %d]", s.LPI.IDBits, its.InterruptIDBits-1)
	}
	if s.ListRegisters < 0 {
		return fmt.Errorf("scenario: invalid list register count %d", s.ListRegisters)
	}
	if s.CommandQueue.Pages < 1 || s.CommandQueue.Pages > 256 {
		return fmt.Errorf("scenario: command queue of %d pages", s.CommandQueue.Pages)
	}

	nrIDs := uint64(1) << (s.LPI.IDBits + 1)
	if err := s.checkRAM("configuration table", s.LPI.PropBase, nrIDs-its.LPIBase, 0x1000); err != nil {
		return err
	}
	for cpu := 0; cpu < s.VCPUs; cpu++ {
		if err := s.checkRAM("pending table", s.pendBase(cpu), nrIDs/8, 0x1_0000); err != nil {
			return err
		}
	}
	if err := s.checkRAM("command queue", s.CommandQueue.Base, uint64(s.CommandQueue.Pages)*0x1000, 0x1000); err != nil {
		return err
	}

	for _, c := range s.LPI.Config {
		if c.LPI < its.LPIBase || uint64(c.LPI) >= nrIDs {
			return fmt.Errorf("scenario: configuration for LPI %d outside the table", c.LPI)
		}
	}
	for _, p := range s.LPI.Pending {
		if p.VCPU < 0 || p.VCPU >= s.VCPUs {
			return fmt.Errorf("scenario: pending LPI %d on invalid vCPU %d", p.LPI, p.VCPU)
		}
		if p.LPI < its.LPIBase || uint64(p.LPI) >= nrIDs {
			return fmt.Errorf("scenario: pending LPI %d outside the table", p.LPI)
		}
	}
	for _, cpu := range s.EnableLPIs {
		if cpu < 0 || cpu >= s.VCPUs {
			return fmt.Errorf("scenario: enable_lpis names invalid vCPU %d", cpu)
		}
	}
	for i, c := range s.Commands {
		if _, err := c.Command(); err != nil {
			return fmt.Errorf("scenario: command %d: %w", i, err)
		}
	}
	return nil
}

func (s *Scenario) checkRAM(what string, addr, size, align uint64) error {
	if addr%align != 0 {
		return fmt.Errorf("scenario: %s at 0x%x is not 0x%x aligned", what, addr, align)
	}
	end := s.Memory.Base + s.Memory.Size
	if addr < s.Memory.Base || addr+size < addr || addr+size > end {
		return fmt.Errorf("scenario: %s [0x%x-0x%x) outside RAM [0x%x-0x%x)",
			what, addr, addr+size, s.Memory.Base, end)
	}
	return nil
}

func (s *Scenario) pendBase(cpu int) uint64 {
	return s.LPI.PendBase + uint64(cpu)*pendStride
}
