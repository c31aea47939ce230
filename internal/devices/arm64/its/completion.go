package its

import "fmt"

// Completion is the status a command finished with. Codes in the 0x01xxxx
// range are the architected ITS command errors; the rest are host-side
// conditions reported as negative errno values.
type Completion uint32

const (
	CompletionOK Completion = 0

	CompletionMoviUnmappedInterrupt    Completion = 0x010107
	CompletionMoviUnmappedCollection   Completion = 0x010109
	CompletionClearUnmappedInterrupt   Completion = 0x010507
	CompletionMapcProcnumOOR           Completion = 0x010902
	CompletionMaptiUnmappedDevice      Completion = 0x010a04
	CompletionMaptiPhysicalIDOOR       Completion = 0x010a06
	CompletionInvUnmappedInterrupt     Completion = 0x010c07
	CompletionInvallUnmappedCollection Completion = 0x010d09
	CompletionMovallProcnumOOR         Completion = 0x010e01
	CompletionDiscardUnmappedInterrupt Completion = 0x010f07

	CompletionOutOfResources Completion = 0xfffffff4 // -ENOMEM
	CompletionUnknownCommand Completion = 0xffffffed // -ENODEV
)

var completionNames = map[Completion]string{
	CompletionOK:                       "ok",
	CompletionMoviUnmappedInterrupt:    "movi-unmapped-interrupt",
	CompletionMoviUnmappedCollection:   "movi-unmapped-collection",
	CompletionClearUnmappedInterrupt:   "clear-unmapped-interrupt",
	CompletionMapcProcnumOOR:           "mapc-procnum-oor",
	CompletionMaptiUnmappedDevice:      "mapti-unmapped-device",
	CompletionMaptiPhysicalIDOOR:       "mapti-physicalid-oor",
	CompletionInvUnmappedInterrupt:     "inv-unmapped-interrupt",
	CompletionInvallUnmappedCollection: "invall-unmapped-collection",
	CompletionMovallProcnumOOR:         "movall-procnum-oor",
	CompletionDiscardUnmappedInterrupt: "discard-unmapped-interrupt",
	CompletionOutOfResources:           "out-of-resources",
	CompletionUnknownCommand:           "unknown-command",
}

func (c Completion) String() string {
	if name, ok := completionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("completion(0x%06x)", uint32(c))
}

// Failed reports whether the command did not complete successfully.
func (c Completion) Failed() bool {
	return c != CompletionOK
}
