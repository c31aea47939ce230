package its

import (
	"encoding/binary"
	"fmt"
)

// CommandSize is the size of one command queue entry in bytes.
const CommandSize = 32

// Opcode is the command type held in the low byte of the first word.
type Opcode uint8

const (
	OpMovI    Opcode = 0x01
	OpInt     Opcode = 0x03
	OpClear   Opcode = 0x04
	OpSync    Opcode = 0x05
	OpMapD    Opcode = 0x08
	OpMapC    Opcode = 0x09
	OpMapTI   Opcode = 0x0a
	OpMapI    Opcode = 0x0b
	OpInv     Opcode = 0x0c
	OpInvAll  Opcode = 0x0d
	OpMovAll  Opcode = 0x0e
	OpDiscard Opcode = 0x0f
)

var opcodeNames = map[Opcode]string{
	OpMovI:    "movi",
	OpInt:     "int",
	OpClear:   "clear",
	OpSync:    "sync",
	OpMapD:    "mapd",
	OpMapC:    "mapc",
	OpMapTI:   "mapti",
	OpMapI:    "mapi",
	OpInv:     "inv",
	OpInvAll:  "invall",
	OpMovAll:  "movall",
	OpDiscard: "discard",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

// ParseOpcode maps a command name such as "mapti" to its opcode.
func ParseOpcode(name string) (Opcode, error) {
	for op, n := range opcodeNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("its: unknown command %q", name)
}

// Command is one decoded command queue entry. The set of implementations is
// closed; every one carries its own handler.
type Command interface {
	Opcode() Opcode
	// Encode returns the command in queue format.
	Encode() [CommandSize]byte

	execute(its *ITS) Completion
}

// words is the raw little-endian view of a command.
type words [4]uint64

func (w words) opcode() Opcode       { return Opcode(w[0]) }
func (w words) deviceID() uint32     { return uint32(w[0] >> 32) }
func (w words) eventID() uint32      { return uint32(w[1]) }
func (w words) physicalID() uint32   { return uint32(w[1] >> 32) }
func (w words) collectionID() uint16 { return uint16(w[2]) }
func (w words) target() uint32       { return uint32(w[2] >> 16) }
func (w words) secondTarget() uint32 { return uint32(w[3] >> 16) }
func (w words) valid() bool          { return w[2]>>63&1 == 1 }

func (w *words) setOpcode(op Opcode)      { w[0] |= uint64(op) }
func (w *words) setDeviceID(v uint32)     { w[0] |= uint64(v) << 32 }
func (w *words) setEventID(v uint32)      { w[1] |= uint64(v) }
func (w *words) setPhysicalID(v uint32)   { w[1] |= uint64(v) << 32 }
func (w *words) setCollectionID(v uint16) { w[2] |= uint64(v) }
func (w *words) setTarget(v uint32)       { w[2] |= uint64(v) << 16 }
func (w *words) setSecondTarget(v uint32) { w[3] |= uint64(v) << 16 }
func (w *words) setValid(v bool) {
	if v {
		w[2] |= 1 << 63
	}
}

func (w words) bytes() [CommandSize]byte {
	var out [CommandSize]byte
	for i, v := range w {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	return out
}

func wordsOf(raw [CommandSize]byte) words {
	var w words
	for i := range w {
		w[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return w
}

// DecodeCommand decodes one queue entry. Unrecognised opcodes decode to
// UnknownCommand.
func DecodeCommand(raw [CommandSize]byte) Command {
	w := wordsOf(raw)
	switch w.opcode() {
	case OpMapD:
		return MapD{DeviceID: w.deviceID(), Valid: w.valid()}
	case OpMapC:
		return MapC{CollectionID: w.collectionID(), Target: w.target(), Valid: w.valid()}
	case OpMapTI:
		return MapTI{DeviceID: w.deviceID(), EventID: w.eventID(), LPI: w.physicalID(), CollectionID: w.collectionID()}
	case OpMapI:
		return MapI{DeviceID: w.deviceID(), EventID: w.eventID(), CollectionID: w.collectionID()}
	case OpMovI:
		return MovI{DeviceID: w.deviceID(), EventID: w.eventID(), CollectionID: w.collectionID()}
	case OpDiscard:
		return Discard{DeviceID: w.deviceID(), EventID: w.eventID()}
	case OpClear:
		return Clear{DeviceID: w.deviceID(), EventID: w.eventID()}
	case OpInv:
		return Inv{DeviceID: w.deviceID(), EventID: w.eventID()}
	case OpInvAll:
		return InvAll{CollectionID: w.collectionID()}
	case OpMovAll:
		return MovAll{Target1: w.target(), Target2: w.secondTarget()}
	case OpInt:
		return Int{DeviceID: w.deviceID(), EventID: w.eventID()}
	case OpSync:
		return Sync{Target: w.target()}
	default:
		return UnknownCommand{Raw: w}
	}
}

// MapD maps (Valid) or unmaps a device and its ITT.
type MapD struct {
	DeviceID uint32
	Valid    bool
}

func (MapD) Opcode() Opcode { return OpMapD }
func (c MapD) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpMapD)
	w.setDeviceID(c.DeviceID)
	w.setValid(c.Valid)
	return w.bytes()
}

// MapC maps (Valid) or unmaps a collection to a target vCPU.
type MapC struct {
	CollectionID uint16
	Target       uint32
	Valid        bool
}

func (MapC) Opcode() Opcode { return OpMapC }
func (c MapC) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpMapC)
	w.setCollectionID(c.CollectionID)
	w.setTarget(c.Target)
	w.setValid(c.Valid)
	return w.bytes()
}

// MapTI maps an event of a device to an LPI in a collection.
type MapTI struct {
	DeviceID     uint32
	EventID      uint32
	LPI          uint32
	CollectionID uint16
}

func (MapTI) Opcode() Opcode { return OpMapTI }
func (c MapTI) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpMapTI)
	w.setDeviceID(c.DeviceID)
	w.setEventID(c.EventID)
	w.setPhysicalID(c.LPI)
	w.setCollectionID(c.CollectionID)
	return w.bytes()
}

// MapI is MapTI with the LPI number equal to the event id.
type MapI struct {
	DeviceID     uint32
	EventID      uint32
	CollectionID uint16
}

func (MapI) Opcode() Opcode { return OpMapI }
func (c MapI) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpMapI)
	w.setDeviceID(c.DeviceID)
	w.setEventID(c.EventID)
	w.setCollectionID(c.CollectionID)
	return w.bytes()
}

// MovI moves an event to another collection.
type MovI struct {
	DeviceID     uint32
	EventID      uint32
	CollectionID uint16
}

func (MovI) Opcode() Opcode { return OpMovI }
func (c MovI) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpMovI)
	w.setDeviceID(c.DeviceID)
	w.setEventID(c.EventID)
	w.setCollectionID(c.CollectionID)
	return w.bytes()
}

// Discard removes an event mapping.
type Discard struct {
	DeviceID uint32
	EventID  uint32
}

func (Discard) Opcode() Opcode { return OpDiscard }
func (c Discard) Encode() [CommandSize]byte {
	return eventCommand(OpDiscard, c.DeviceID, c.EventID)
}

// Clear clears the pending state of an event.
type Clear struct {
	DeviceID uint32
	EventID  uint32
}

func (Clear) Opcode() Opcode { return OpClear }
func (c Clear) Encode() [CommandSize]byte {
	return eventCommand(OpClear, c.DeviceID, c.EventID)
}

// Inv reloads the configuration of one event's LPI.
type Inv struct {
	DeviceID uint32
	EventID  uint32
}

func (Inv) Opcode() Opcode { return OpInv }
func (c Inv) Encode() [CommandSize]byte {
	return eventCommand(OpInv, c.DeviceID, c.EventID)
}

// InvAll reloads configuration and pending state for a collection's target.
type InvAll struct {
	CollectionID uint16
}

func (InvAll) Opcode() Opcode { return OpInvAll }
func (c InvAll) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpInvAll)
	w.setCollectionID(c.CollectionID)
	return w.bytes()
}

// MovAll retargets everything routed to Target1 onto Target2.
type MovAll struct {
	Target1 uint32
	Target2 uint32
}

func (MovAll) Opcode() Opcode { return OpMovAll }
func (c MovAll) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpMovAll)
	w.setTarget(c.Target1)
	w.setSecondTarget(c.Target2)
	return w.bytes()
}

// Int raises an event as if the device had written the doorbell.
type Int struct {
	DeviceID uint32
	EventID  uint32
}

func (Int) Opcode() Opcode { return OpInt }
func (c Int) Encode() [CommandSize]byte {
	return eventCommand(OpInt, c.DeviceID, c.EventID)
}

// Sync waits for earlier commands targeting a redistributor to complete.
type Sync struct {
	Target uint32
}

func (Sync) Opcode() Opcode { return OpSync }
func (c Sync) Encode() [CommandSize]byte {
	var w words
	w.setOpcode(OpSync)
	w.setTarget(c.Target)
	return w.bytes()
}

// UnknownCommand is a queue entry with an opcode the ITS does not implement.
type UnknownCommand struct {
	Raw [4]uint64
}

func (c UnknownCommand) Opcode() Opcode { return words(c.Raw).opcode() }
func (c UnknownCommand) Encode() [CommandSize]byte {
	return words(c.Raw).bytes()
}

func eventCommand(op Opcode, deviceID, eventID uint32) [CommandSize]byte {
	var w words
	w.setOpcode(op)
	w.setDeviceID(deviceID)
	w.setEventID(eventID)
	return w.bytes()
}

var (
	_ Command = MapD{}
	_ Command = MapC{}
	_ Command = MapTI{}
	_ Command = MapI{}
	_ Command = MovI{}
	_ Command = Discard{}
	_ Command = Clear{}
	_ Command = Inv{}
	_ Command = InvAll{}
	_ Command = MovAll{}
	_ Command = Int{}
	_ Command = Sync{}
	_ Command = UnknownCommand{}
)
