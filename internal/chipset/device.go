package chipset

import (
	"github.com/tinyrange/vits/internal/hv"
)

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// MSIController receives message-signaled interrupts addressed to one of its
// doorbells.
type MSIController interface {
	SignalMSI(msi hv.MSI) error
}

// MSIControllerFunc adapts a function to MSIController.
type MSIControllerFunc func(msi hv.MSI) error

// SignalMSI implements MSIController.
func (f MSIControllerFunc) SignalMSI(msi hv.MSI) error {
	if f == nil {
		return nil
	}
	return f(msi)
}

// MSIIntercept describes the doorbell windows a device answers MSIs on.
type MSIIntercept struct {
	Doorbells  []hv.MMIORegion
	Controller MSIController
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState

	SupportsMmio() *MmioIntercept
	SupportsMSI() *MSIIntercept
}
