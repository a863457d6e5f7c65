package transport

import "fmt"

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// BulkPacketSize returns the bulk endpoint packet size for the speed: 512 at
// high speed, 64 otherwise.
func (s Speed) BulkPacketSize() uint16 {
	if s == SpeedHigh {
		return 512
	}
	return 64
}

// EventType identifies a device stack event.
type EventType uint8

// Device stack events.
const (
	EventReset                 EventType = iota // Bus reset
	EventConfigured                             // SET_CONFIGURATION; Event.Configuration holds the value
	EventDeconfigured                           // Configuration 0 selected
	EventSuspended                              // Bus suspended
	EventResumed                                // Bus resumed
	EventPowerDetected                          // VBUS present
	EventPowerRemoved                           // VBUS lost
	EventSetupRequest                           // Control SETUP; Event.Setup holds the packet
	EventControlDataReceived                    // Control OUT data stage complete
	EventControlDataSent                        // Control IN data stage complete
	EventControlAborted                         // Control transfer aborted by the host
)

// String returns a human-readable event name.
func (e EventType) String() string {
	switch e {
	case EventReset:
		return "Reset"
	case EventConfigured:
		return "Configured"
	case EventDeconfigured:
		return "Deconfigured"
	case EventSuspended:
		return "Suspended"
	case EventResumed:
		return "Resumed"
	case EventPowerDetected:
		return "PowerDetected"
	case EventPowerRemoved:
		return "PowerRemoved"
	case EventSetupRequest:
		return "SetupRequest"
	case EventControlDataReceived:
		return "ControlDataReceived"
	case EventControlDataSent:
		return "ControlDataSent"
	case EventControlAborted:
		return "ControlAborted"
	default:
		return fmt.Sprintf("Unknown Event (%d)", e)
	}
}

// Event is a device stack notification.
type Event struct {
	Type          EventType
	Configuration uint8
	Setup         [SetupPacketSize]byte
}

// EventHandler receives stack events. It must not block.
type EventHandler func(Event)

// Stack is the USB device layer the transport drives.
//
// The stack owns enumeration and the control endpoint. The transport only
// reacts to its events and drives it through this narrow surface. Events may
// be delivered from any context but never from inside a Stack method call.
type Stack interface {
	// Open prepares the device layer. It fails while the layer is not ready;
	// the caller retries on a later tick.
	Open() error

	// SetEventHandler registers h to receive all stack events.
	SetEventHandler(h EventHandler)

	// Attach connects the device to the bus.
	Attach() error

	// Detach disconnects the device from the bus.
	Detach() error

	// ActiveSpeed returns the negotiated bus speed.
	ActiveSpeed() Speed

	// Endpoint Operations

	// EndpointIsEnabled reports whether the endpoint at address is enabled.
	EndpointIsEnabled(address uint8) bool

	// EndpointEnable enables a bulk endpoint with the given max packet size.
	EndpointEnable(address uint8, maxPacketSize uint16) error

	// EndpointDisable disables the endpoint at address.
	EndpointDisable(address uint8) error

	// Control Endpoint Operations

	// ControlSend starts the IN data stage of the current control transfer.
	// The stack copies data before returning.
	ControlSend(data []byte) error

	// ControlReceive starts the OUT data stage of the current control
	// transfer into buf. buf must remain valid until EventControlDataReceived.
	ControlReceive(buf []byte) error

	// ControlStatus completes the current control transfer: a zero-length
	// status stage if ok, a stall otherwise.
	ControlStatus(ok bool) error
}
