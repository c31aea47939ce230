package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/vits/internal/hv"
)

// Init attaches every registered device to the VM.
func (c *Chipset) Init(vm hv.VirtualMachine) error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Init(vm); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return nil
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		if binding.region.Contains(addr, uint64(len(data))) {
			if isWrite {
				return binding.handler.WriteMMIO(ctx, addr, data)
			}
			return binding.handler.ReadMMIO(ctx, addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// SignalMSI routes an MSI to the controller owning its doorbell address.
func (c *Chipset) SignalMSI(msi hv.MSI) error {
	for _, binding := range c.msi {
		if binding.doorbell.Contains(msi.Address, 4) {
			if err := binding.controller.SignalMSI(msi); err != nil {
				return fmt.Errorf("chipset: MSI to 0x%016x: %w", msi.Address, err)
			}
			return nil
		}
	}
	return fmt.Errorf("chipset: no MSI controller for doorbell 0x%016x", msi.Address)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
