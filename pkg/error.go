package pkg

import "errors"

// Flash sequencer errors.
var (
	// ErrBusy indicates another operation is in progress; the caller must
	// retry once the engine is idle.
	ErrBusy = errors.New("operation in progress")

	// ErrOutOfRange indicates a sector or size outside the device bounds.
	ErrOutOfRange = errors.New("sector or size out of range")

	// ErrQueueRejected indicates the bus transaction queue could not accept
	// a transfer.
	ErrQueueRejected = errors.New("transaction queue rejected transfer")

	// ErrProtocolFault indicates unexpected status register content.
	ErrProtocolFault = errors.New("flash protocol fault")
)

// Transport and framing errors.
var (
	// ErrNotConfigured indicates the USB device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidRequest indicates an invalid or unsupported control request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrFrameTooShort indicates a message frame is shorter than its header
	// and trailer, or than its declared payload length.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrBadMarker indicates a missing start-of-message or end-of-message
	// marker.
	ErrBadMarker = errors.New("bad frame marker")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotReady indicates the device layer cannot be opened yet.
	ErrNotReady = errors.New("device layer not ready")

	// ErrStall indicates the device stalled a control request.
	ErrStall = errors.New("control request stalled")

	// ErrTimeout indicates an operation did not complete in time.
	ErrTimeout = errors.New("timeout")
)

// Boot option errors.
var (
	// ErrUnknownBootOption indicates a boot option value with no known name.
	ErrUnknownBootOption = errors.New("unknown boot option")
)

// Outcome is the single result a multi-step flash operation collapses to.
type Outcome int

// Outcome values.
const (
	OutcomeOK       Outcome = iota // Operation completed
	OutcomeRejected                // Queue rejected a step
	OutcomeFault                   // Unexpected status content
)

// String returns a string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the outcome.
func (o Outcome) Error() error {
	switch o {
	case OutcomeOK:
		return nil
	case OutcomeRejected:
		return ErrQueueRejected
	default:
		return ErrProtocolFault
	}
}
