package transport

import (
	"sync"

	"github.com/ardnew/flashboot/bootopt"
	"github.com/ardnew/flashboot/pkg"
)

// State is the connection lifecycle state.
type State uint8

// Connection states. Error is reserved for unrecoverable stack failures and
// is never entered.
const (
	StateInit                  State = iota // Device layer not yet open
	StateAwaitingConfiguration              // Waiting for SET_CONFIGURATION
	StateRunning                            // Endpoints enabled, servicing requests
	StateError                              // Unrecoverable stack error
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAwaitingConfiguration:
		return "AwaitingConfiguration"
	case StateRunning:
		return "Running"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Default static configuration.
const (
	DefaultRxEndpoint    = 0x01 // Bulk OUT
	DefaultTxEndpoint    = 0x81 // Bulk IN
	DefaultConfiguration = 1
	DefaultDFUInterface  = 1
)

// ReceiveFunc consumes one received request payload. payload is only valid
// for the duration of the call.
type ReceiveFunc func(payload []byte)

// FlagSource reports whether the device flags changed since the last
// response.
type FlagSource interface {
	FlagsChanged() bool
}

// BootOptions persists the option read on the next reset.
type BootOptions interface {
	SetBootOption(o bootopt.Option) error
}

// Config holds the transport's static configuration and collaborators.
// Zero endpoint and configuration values select the defaults.
type Config struct {
	RxEndpoint       uint8
	TxEndpoint       uint8
	Configuration    uint8
	AlternateSetting uint8
	DFUInterface     uint16

	// Receive is the receive callback installed by Initialize.
	Receive ReceiveFunc

	// Pipeline, when set, receives payloads instead of Receive.
	Pipeline ReceiveFunc

	// Flags sets the flags-changed bit of each response. Nil never sets it.
	Flags FlagSource

	// BootOptions and Reset service a DFU detach: the bootloader option is
	// persisted, then Reset is called. On hardware Reset does not return.
	BootOptions BootOptions
	Reset       func()
}

// Transport is the USB transport engine: the connection lifecycle, the
// control request decoder and the response framer.
type Transport struct {
	stack Stack
	cfg   Config

	mutex        sync.Mutex
	state        State
	configured   bool
	detach       bool
	rxInProgress bool
	txInProgress bool
	rxPending    int
	txPending    int
	packetSize   uint16

	rx     [BufferSize]byte
	tx     [BufferSize]byte
	status [DFUStatusSize]byte
	alt    [1]byte
}

// New creates a transport driving stack.
func New(stack Stack, cfg Config) *Transport {
	if cfg.RxEndpoint == 0 {
		cfg.RxEndpoint = DefaultRxEndpoint
	}
	if cfg.TxEndpoint == 0 {
		cfg.TxEndpoint = DefaultTxEndpoint
	}
	if cfg.Configuration == 0 {
		cfg.Configuration = DefaultConfiguration
	}
	t := &Transport{stack: stack, cfg: cfg}
	t.alt[0] = cfg.AlternateSetting
	return t
}

// Initialize resets the transport to Init and installs the receive callback.
// A nil receive keeps the one from Config.
func (t *Transport) Initialize(receive ReceiveFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if receive != nil {
		t.cfg.Receive = receive
	}
	t.state = StateInit
	t.configured = false
	t.detach = false
	t.rxInProgress = false
	t.txInProgress = false
	t.rxPending = 0
	t.txPending = 0
	t.packetSize = 0
}

// State returns the lifecycle state.
func (t *Transport) State() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

// IsConfigured reports whether the host selected the device configuration.
func (t *Transport) IsConfigured() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.configured
}

// WritePending reports whether a response frame is waiting to be collected.
func (t *Transport) WritePending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.txPending > 0
}

// PacketSize returns the bulk packet size selected when the endpoints were
// last enabled.
func (t *Transport) PacketSize() uint16 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.packetSize
}

// SoftReset drops the pending response and any collect request awaiting it.
func (t *Transport) SoftReset() {
	t.mutex.Lock()
	dropped := t.txPending
	t.txPending = 0
	t.txInProgress = false
	t.mutex.Unlock()
	if dropped > 0 {
		pkg.LogDebug(pkg.ComponentTransport, "pending response dropped", "length", dropped)
	}
}

// Tasks advances the lifecycle state machine. Call once per scheduler tick.
func (t *Transport) Tasks() {
	switch t.State() {
	case StateInit:
		t.open()
	case StateAwaitingConfiguration:
		t.awaitConfiguration()
	case StateRunning:
		t.run()
	}
}

func (t *Transport) open() {
	if err := t.stack.Open(); err != nil {
		pkg.LogTrace(pkg.ComponentTransport, "device layer not ready", "error", err)
		return
	}
	t.stack.SetEventHandler(t.HandleEvent)

	t.mutex.Lock()
	t.state = StateAwaitingConfiguration
	t.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentTransport, "device layer open")
}

func (t *Transport) awaitConfiguration() {
	if !t.IsConfigured() {
		return
	}
	speed := t.stack.ActiveSpeed()
	size := speed.BulkPacketSize()
	for _, ep := range [...]uint8{t.cfg.RxEndpoint, t.cfg.TxEndpoint} {
		if t.stack.EndpointIsEnabled(ep) {
			continue
		}
		if err := t.stack.EndpointEnable(ep, size); err != nil {
			pkg.LogError(pkg.ComponentTransport, "endpoint enable failed",
				"endpoint", ep,
				"error", err)
		}
	}

	t.mutex.Lock()
	t.packetSize = size
	t.state = StateRunning
	t.mutex.Unlock()
	pkg.LogInfo(pkg.ComponentTransport, "running",
		"speed", speed.String(),
		"packetSize", size)
}

func (t *Transport) run() {
	t.mutex.Lock()
	if t.detach {
		t.detach = false
		t.mutex.Unlock()
		t.enterBootloader()
		return
	}

	if !t.configured {
		t.state = StateAwaitingConfiguration
		t.rxInProgress = false
		t.mutex.Unlock()
		for _, ep := range [...]uint8{t.cfg.RxEndpoint, t.cfg.TxEndpoint} {
			if err := t.stack.EndpointDisable(ep); err != nil {
				pkg.LogWarn(pkg.ComponentTransport, "endpoint disable failed",
					"endpoint", ep,
					"error", err)
			}
		}
		pkg.LogInfo(pkg.ComponentTransport, "deconfigured")
		return
	}

	if t.rxInProgress {
		t.mutex.Unlock()
		return
	}

	if n := t.rxPending; n > 0 {
		t.rxPending = 0
		deliver := t.cfg.Receive
		if t.cfg.Pipeline != nil {
			deliver = t.cfg.Pipeline
		}
		t.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentTransport, "rx",
			"length", n,
			"last", t.rx[n-1])
		if deliver != nil {
			deliver(t.rx[:n])
		}
		t.mutex.Lock()
	}

	if t.txInProgress && t.txPending > 0 {
		n := t.txPending
		t.txInProgress = false
		t.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentTransport, "sending", "length", n)
		if err := t.stack.ControlSend(t.tx[:n]); err != nil {
			pkg.LogWarn(pkg.ComponentTransport, "control send failed", "error", err)
		}
		return
	}
	t.mutex.Unlock()
}

func (t *Transport) enterBootloader() {
	pkg.LogInfo(pkg.ComponentTransport, "dfu detach")
	if t.cfg.BootOptions != nil {
		if err := t.cfg.BootOptions.SetBootOption(bootopt.Bootloader); err != nil {
			pkg.LogError(pkg.ComponentTransport, "set boot option failed", "error", err)
		}
	}
	if t.cfg.Reset != nil {
		t.cfg.Reset()
	}
}

// HandleEvent processes a device stack event. It is registered with the stack
// on the first successful Tasks call.
func (t *Transport) HandleEvent(e Event) {
	pkg.LogTrace(pkg.ComponentUSB, "event", "type", e.Type.String())

	switch e.Type {
	case EventReset, EventDeconfigured:
		t.mutex.Lock()
		t.configured = false
		t.mutex.Unlock()

	case EventConfigured:
		if e.Configuration == t.cfg.Configuration {
			t.mutex.Lock()
			t.configured = true
			t.mutex.Unlock()
		}

	case EventPowerDetected:
		if err := t.stack.Attach(); err != nil {
			pkg.LogWarn(pkg.ComponentUSB, "attach failed", "error", err)
		}

	case EventPowerRemoved:
		if err := t.stack.Detach(); err != nil {
			pkg.LogWarn(pkg.ComponentUSB, "detach failed", "error", err)
		}

	case EventSetupRequest:
		t.handleSetup(e.Setup[:])

	case EventControlDataReceived:
		t.controlStatus(true)
		t.mutex.Lock()
		t.rxInProgress = false
		t.mutex.Unlock()

	case EventControlDataSent:
		t.mutex.Lock()
		t.txPending = 0
		t.mutex.Unlock()

	case EventControlAborted:
		t.mutex.Lock()
		t.txInProgress = false
		t.mutex.Unlock()
	}
}

func (t *Transport) handleSetup(data []byte) {
	var setup SetupPacket
	if err := ParseSetupPacket(data, &setup); err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "bad setup packet", "error", err)
		t.controlStatus(false)
		return
	}
	pkg.LogDebug(pkg.ComponentUSB, "setup received", "request", setup.String())

	switch {
	case setup.isClassInterface(RequestDirectionHostToDevice, DFURequestDetach, t.cfg.DFUInterface):
		t.mutex.Lock()
		t.detach = true
		t.mutex.Unlock()
		t.controlStatus(true)

	case setup.isClassInterface(RequestDirectionDeviceToHost, DFURequestGetStatus, t.cfg.DFUInterface) &&
		setup.Length == DFUStatusSize:
		runtimeStatus.MarshalTo(t.status[:])
		t.controlSend(t.status[:])

	case setup.Request == RequestSetInterface:
		t.controlStatus(true)

	case setup.Request == RequestGetInterface:
		t.controlSend(t.alt[:])

	case setup.Request == RequestDeliver:
		n := int(setup.Length)
		if n > BufferSize {
			pkg.LogWarn(pkg.ComponentUSB, "receive clamped",
				"length", n,
				"capacity", BufferSize)
			n = BufferSize
		}
		t.mutex.Lock()
		t.rxPending = n
		t.rxInProgress = true
		t.mutex.Unlock()
		if err := t.stack.ControlReceive(t.rx[:n]); err != nil {
			pkg.LogWarn(pkg.ComponentUSB, "control receive failed", "error", err)
		}

	case setup.Request == RequestCollect:
		t.mutex.Lock()
		t.txInProgress = true
		t.mutex.Unlock()

	default:
		pkg.LogDebug(pkg.ComponentUSB, "unsupported request",
			"request", setup.String(),
			"error", pkg.ErrInvalidRequest)
		t.controlStatus(false)
	}
}

func (t *Transport) controlSend(data []byte) {
	if err := t.stack.ControlSend(data); err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "control send failed", "error", err)
	}
}

func (t *Transport) controlStatus(ok bool) {
	if err := t.stack.ControlStatus(ok); err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "control status failed", "error", err)
	}
}

// SendResponse builds a response frame for collection by the host. At most
// one frame is held: building another before the first is collected replaces
// it, so callers check WritePending first. It always reports true; the frame
// is sent by Tasks once the host asks for it.
func (t *Transport) SendResponse(token uint8, command Command, rc uint8, parts ...[]byte) bool {
	var flags uint8
	if t.cfg.Flags != nil && t.cfg.Flags.FlagsChanged() {
		flags |= FlagsChanged
	}

	t.mutex.Lock()
	if t.txPending > 0 {
		pkg.LogInfo(pkg.ComponentTransport, "already pending", "length", t.txPending)
	}
	// tx always holds a maximal frame.
	n, _ := PutResponse(t.tx[:], token, command, rc, flags, parts...)
	t.txPending = n
	t.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentTransport, "tx pending",
		"length", n,
		"command", uint16(command),
		"rc", rc)
	return true
}
