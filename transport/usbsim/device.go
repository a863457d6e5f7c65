// Package usbsim is a deterministic, single-goroutine USB device layer for
// driving a transport without hardware.
//
// A [Device] implements [transport.Stack]. Events raised by either side are
// queued and handed to the registered handler by [Device.Service], never from
// inside a Stack call. The host side of the bus is driven through [Host].
package usbsim

import (
	"fmt"
	"sync"

	"github.com/ardnew/flashboot/pkg"
	"github.com/ardnew/flashboot/transport"
)

// Config tunes the simulated device layer.
type Config struct {
	// Speed is the negotiated bus speed. Zero selects full speed.
	Speed transport.Speed

	// OpenFailures is the number of Open calls that fail before the layer
	// becomes ready.
	OpenFailures int
}

// ControlStatus is the outcome of the status stage of a control transfer.
type ControlStatus uint8

// Control status values.
const (
	StatusNone  ControlStatus = iota // No status stage yet
	StatusAck                        // Zero-length status stage
	StatusStall                      // Request stalled
)

// String returns the status name.
func (c ControlStatus) String() string {
	switch c {
	case StatusNone:
		return "none"
	case StatusAck:
		return "ack"
	case StatusStall:
		return "stall"
	default:
		return fmt.Sprintf("status(%d)", uint8(c))
	}
}

// control is the control transfer in flight on endpoint 0.
type control struct {
	setup  transport.SetupPacket
	out    []byte // host data for the OUT stage
	in     []byte // device data from the IN stage
	sent   bool
	status ControlStatus
}

// Device is the simulated device layer.
type Device struct {
	cfg Config

	mutex     sync.Mutex
	opens     int
	handler   transport.EventHandler
	attached  bool
	endpoints map[uint8]uint16
	events    []transport.Event
	ctrl      control
}

var _ transport.Stack = (*Device)(nil)

// New creates a detached device layer.
func New(cfg Config) *Device {
	if cfg.Speed == transport.SpeedUnknown {
		cfg.Speed = transport.SpeedFull
	}
	return &Device{cfg: cfg, endpoints: make(map[uint8]uint16)}
}

// Open implements transport.Stack.
func (d *Device) Open() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.opens++
	if d.opens <= d.cfg.OpenFailures {
		return pkg.ErrNotReady
	}
	return nil
}

// SetEventHandler implements transport.Stack.
func (d *Device) SetEventHandler(h transport.EventHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handler = h
}

// Attach implements transport.Stack. Attaching raises a bus reset.
func (d *Device) Attach() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.attached {
		d.attached = true
		d.raiseLocked(transport.Event{Type: transport.EventReset})
	}
	return nil
}

// Detach implements transport.Stack.
func (d *Device) Detach() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.attached = false
	clear(d.endpoints)
	return nil
}

// ActiveSpeed implements transport.Stack.
func (d *Device) ActiveSpeed() transport.Speed {
	return d.cfg.Speed
}

// EndpointIsEnabled implements transport.Stack.
func (d *Device) EndpointIsEnabled(address uint8) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, ok := d.endpoints[address]
	return ok
}

// EndpointEnable implements transport.Stack.
func (d *Device) EndpointEnable(address uint8, maxPacketSize uint16) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.endpoints[address] = maxPacketSize
	pkg.LogDebug(pkg.ComponentSim, "endpoint enabled",
		"address", address,
		"maxPacketSize", maxPacketSize)
	return nil
}

// EndpointDisable implements transport.Stack.
func (d *Device) EndpointDisable(address uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.endpoints, address)
	return nil
}

// ControlSend implements transport.Stack. The host reads at most wLength
// bytes.
func (d *Device) ControlSend(data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	n := min(len(data), int(d.ctrl.setup.Length))
	d.ctrl.in = append(d.ctrl.in[:0], data[:n]...)
	d.ctrl.sent = true
	d.ctrl.status = StatusAck
	d.raiseLocked(transport.Event{Type: transport.EventControlDataSent})
	return nil
}

// ControlReceive implements transport.Stack.
func (d *Device) ControlReceive(buf []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	copy(buf, d.ctrl.out)
	d.raiseLocked(transport.Event{Type: transport.EventControlDataReceived})
	return nil
}

// ControlStatus implements transport.Stack.
func (d *Device) ControlStatus(ok bool) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if ok {
		d.ctrl.status = StatusAck
	} else {
		d.ctrl.status = StatusStall
	}
	return nil
}

// Service delivers queued events to the handler, including events raised
// while servicing. It returns the number delivered.
func (d *Device) Service() int {
	n := 0
	for {
		d.mutex.Lock()
		if len(d.events) == 0 || d.handler == nil {
			d.mutex.Unlock()
			return n
		}
		e := d.events[0]
		d.events = d.events[1:]
		h := d.handler
		d.mutex.Unlock()

		h(e)
		n++
	}
}

// Pending returns the number of queued events.
func (d *Device) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.events)
}

// Endpoint returns the max packet size of an enabled endpoint.
func (d *Device) Endpoint(address uint8) (maxPacketSize uint16, enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	maxPacketSize, enabled = d.endpoints[address]
	return maxPacketSize, enabled
}

// Attached reports whether the device is on the bus.
func (d *Device) Attached() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.attached
}

func (d *Device) raiseLocked(e transport.Event) {
	d.events = append(d.events, e)
}

func (d *Device) raise(e transport.Event) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.raiseLocked(e)
}

// startControl begins a control transfer from the host. out is the OUT data
// stage, if any.
func (d *Device) startControl(setup transport.SetupPacket, out []byte) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.ctrl = control{setup: setup, out: out}
	d.raiseLocked(transport.Event{Type: transport.EventSetupRequest, Setup: setup.Bytes()})
}

// controlResult returns the progress of the current control transfer. in is
// only valid until the next transfer starts.
func (d *Device) controlResult() (in []byte, sent bool, status ControlStatus) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.ctrl.in, d.ctrl.sent, d.ctrl.status
}
