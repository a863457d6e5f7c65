package flash

import "periph.io/x/conn/v3/gpio"

// Phase marks the boundary of a bus transaction reported to its completion
// callback.
type Phase uint8

// Transaction phases.
const (
	PhaseBegin Phase = iota // Transfer about to start; assert chip select
	PhaseEnd                // Transfer finished; release chip select
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "begin"
	case PhaseEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Transfer describes one half-duplex bus transaction: Out is written first,
// then len(In) bytes are read into In.
type Transfer struct {
	Out []byte
	In  []byte
}

// Bus is the transaction queue the sequencer issues transfers on.
//
// Implementations accept at most one transfer at a time. Queue returns false
// if the transfer cannot be accepted. Once accepted, done is called with
// PhaseBegin before the transfer and PhaseEnd after it; the queue must be
// ready to accept the next transfer by the time PhaseEnd is delivered. The
// buffers in t remain owned by the caller and must not be retained after
// PhaseEnd.
type Bus interface {
	Queue(t Transfer, done func(Phase)) bool
}

// Lines are the flash control lines driven by the sequencer. All three are
// active low.
type Lines struct {
	ChipEnable   gpio.PinOut
	WriteProtect gpio.PinOut
	Hold         gpio.PinOut
}
