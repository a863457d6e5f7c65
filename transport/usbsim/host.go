package usbsim

import (
	"fmt"

	"github.com/ardnew/flashboot/pkg"
	"github.com/ardnew/flashboot/transport"
)

// DefaultMaxTicks bounds every Host wait.
const DefaultMaxTicks = 100000

// Host drives the host side of a simulated bus. Each wait advances the
// device by calling tick, which must service the device and run one round of
// the device's task loop.
type Host struct {
	dev      *Device
	tick     func()
	MaxTicks int
}

// NewHost creates a host for dev. tick runs one scheduler round on the
// device side.
func NewHost(dev *Device, tick func()) *Host {
	return &Host{dev: dev, tick: tick, MaxTicks: DefaultMaxTicks}
}

// Tick services pending events and runs one scheduler round.
func (h *Host) Tick() {
	h.dev.Service()
	h.tick()
	h.dev.Service()
}

// until ticks until done reports true.
func (h *Host) until(what string, done func() bool) error {
	for i := 0; i < h.MaxTicks; i++ {
		if done() {
			return nil
		}
		h.Tick()
	}
	if done() {
		return nil
	}
	return fmt.Errorf("%s: %w", what, pkg.ErrTimeout)
}

// PowerOn raises VBUS detection.
func (h *Host) PowerOn() {
	h.dev.raise(transport.Event{Type: transport.EventPowerDetected})
}

// PowerOff raises VBUS removal.
func (h *Host) PowerOff() {
	h.dev.raise(transport.Event{Type: transport.EventPowerRemoved})
}

// Configure selects configuration value.
func (h *Host) Configure(value uint8) {
	h.dev.raise(transport.Event{Type: transport.EventConfigured, Configuration: value})
}

// Deconfigure selects configuration 0.
func (h *Host) Deconfigure() {
	h.dev.raise(transport.Event{Type: transport.EventDeconfigured})
}

// Enumerate powers the bus, selects configuration 1 and waits until both
// bulk endpoints are enabled.
func (h *Host) Enumerate() error {
	h.PowerOn()
	if err := h.until("attach", h.dev.Attached); err != nil {
		return err
	}
	h.Configure(transport.DefaultConfiguration)
	return h.until("enumerate", func() bool {
		_, rx := h.dev.Endpoint(transport.DefaultRxEndpoint)
		_, tx := h.dev.Endpoint(transport.DefaultTxEndpoint)
		return rx && tx
	})
}

// Control runs one control transfer and returns the IN data stage, if any.
// A stalled request returns pkg.ErrStall.
func (h *Host) Control(setup transport.SetupPacket, out []byte) ([]byte, error) {
	h.dev.startControl(setup, out)
	var (
		in     []byte
		sent   bool
		status ControlStatus
	)
	err := h.until(fmt.Sprintf("control 0x%02X", setup.Request), func() bool {
		in, sent, status = h.dev.controlResult()
		return status != StatusNone
	})
	if err != nil {
		return nil, err
	}
	if status == StatusStall {
		return nil, fmt.Errorf("%s: %w", setup.String(), pkg.ErrStall)
	}
	if !sent {
		return nil, nil
	}
	return append([]byte(nil), in...), nil
}

// Send delivers a request frame to the device.
func (h *Host) Send(req transport.Request) error {
	frame := req.AppendTo(nil)
	var setup transport.SetupPacket
	transport.DeliverSetup(&setup, uint16(len(frame)))
	_, err := h.Control(setup, frame)
	return err
}

// Receive collects the next response frame, waiting for the device to build
// one.
func (h *Host) Receive() (transport.Response, error) {
	var setup transport.SetupPacket
	transport.CollectSetup(&setup, transport.BufferSize)
	in, err := h.Control(setup, nil)
	if err != nil {
		return transport.Response{}, err
	}
	var r transport.Response
	if err := transport.ParseResponse(in, &r); err != nil {
		return transport.Response{}, fmt.Errorf("collect: %w", err)
	}
	return r, nil
}

// Exchange sends req and returns the response carrying the same token.
func (h *Host) Exchange(req transport.Request) (transport.Response, error) {
	if err := h.Send(req); err != nil {
		return transport.Response{}, err
	}
	r, err := h.Receive()
	if err != nil {
		return r, err
	}
	if r.Token != req.Token {
		return r, fmt.Errorf("%w: token %d, want %d", pkg.ErrInvalidRequest, r.Token, req.Token)
	}
	return r, nil
}

// Detach sends DFU_DETACH to interface iface.
func (h *Host) Detach(iface uint16) error {
	var setup transport.SetupPacket
	transport.DetachSetup(&setup, iface, 0)
	_, err := h.Control(setup, nil)
	return err
}

// DFUStatus sends DFU_GETSTATUS to interface iface.
func (h *Host) DFUStatus(iface uint16) ([]byte, error) {
	var setup transport.SetupPacket
	transport.GetStatusSetup(&setup, iface)
	return h.Control(setup, nil)
}

// Abort raises an aborted control transfer.
func (h *Host) Abort() {
	h.dev.raise(transport.Event{Type: transport.EventControlAborted})
}
