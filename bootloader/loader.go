package bootloader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/spi"

	"github.com/ardnew/flashboot/bootopt"
	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/flash/spibus"
	"github.com/ardnew/flashboot/pkg"
	"github.com/ardnew/flashboot/transport"
)

// Config holds the loader configuration.
type Config struct {
	// Flash configures the sequencer.
	Flash flash.Config

	// Transport supplies the endpoint, configuration and DFU interface
	// numbers. Its callbacks are owned by the loader and ignored.
	Transport transport.Config

	// Reset is called when the device must restart: after a DFU detach and
	// after BootApplication. On hardware it does not return; when it does,
	// the loader detaches from the bus and starts over.
	Reset func()
}

// pendingKind is the flash command awaiting completion.
type pendingKind uint8

const (
	pendingNone pendingKind = iota
	pendingCommit
	pendingRead
	pendingStatus
	pendingStatus1
)

// outboxDepth bounds the replies waiting for the host to collect the
// transport's single response frame.
const outboxDepth = 4

// reply is a response frame waiting for the transport to accept it.
type reply struct {
	token   uint8
	command transport.Command
	rc      ReturnCode
	payload []byte
}

// pending is the single flash command a response is owed for.
type pending struct {
	kind    pendingKind
	token   uint8
	command transport.Command
	offset  int
	length  int
}

// Loader is the bootloader core. It owns the flash sequencer, its bus queue
// and the USB transport, and dispatches request frames to them.
type Loader struct {
	cfg   Config
	lines flash.Lines
	store bootopt.Store
	stack transport.Stack

	queue *spibus.Queue
	seq   *flash.Sequencer
	tr    *transport.Transport

	changed atomic.Bool

	mutex  sync.Mutex
	op     pending
	outbox []reply
	reboot bool
	resets int
	stage  [flash.SectorSize]byte
	read   [flash.SectorSize]byte
}

// New creates a loader driving the flash on conn and the device layer stack.
// Initialize must be called before Tasks.
func New(conn spi.Conn, lines flash.Lines, stack transport.Stack, store bootopt.Store, cfg Config) *Loader {
	l := &Loader{
		cfg:   cfg,
		lines: lines,
		store: store,
		stack: stack,
	}
	l.queue = spibus.New(conn)
	l.seq = flash.New(l.queue, cfg.Flash)

	tcfg := cfg.Transport
	tcfg.Receive = nil
	tcfg.Pipeline = nil
	tcfg.Flags = l
	tcfg.BootOptions = store
	tcfg.Reset = l.restart
	l.tr = transport.New(stack, tcfg)
	return l
}

// Initialize drives the flash control lines to idle and starts the transport
// from its Init state.
func (l *Loader) Initialize() error {
	l.mutex.Lock()
	l.op = pending{}
	l.outbox = l.outbox[:0]
	l.reboot = false
	l.clearStageLocked()
	l.mutex.Unlock()

	if err := l.seq.Initialize(l.lines); err != nil {
		return fmt.Errorf("flash: %w", err)
	}
	l.tr.Initialize(l.receive)
	pkg.LogInfo(pkg.ComponentBoot, "initialized",
		"sectors", l.seq.SectorCount(),
		"sectorSize", l.seq.SectorSize())
	return nil
}

// Tasks runs one scheduler round: the bus queue, then the transport.
func (l *Loader) Tasks() {
	l.queue.Tasks()
	l.pollStatus()
	l.tr.Tasks()
	l.flush()
	l.pollReboot()
}

// Transport returns the USB transport.
func (l *Loader) Transport() *transport.Transport { return l.tr }

// Sequencer returns the flash sequencer.
func (l *Loader) Sequencer() *flash.Sequencer { return l.seq }

// Resets returns the number of restarts requested so far.
func (l *Loader) Resets() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.resets
}

// Pending reports whether a flash command is awaiting completion.
func (l *Loader) Pending() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.op.kind != pendingNone
}

// FlagsChanged implements transport.FlagSource. It reports a flash commit or
// boot option change once.
func (l *Loader) FlagsChanged() bool {
	return l.changed.Swap(false)
}

func (l *Loader) clearStageLocked() {
	for i := range l.stage {
		l.stage[i] = flash.ErasedByte
	}
}

// receive dispatches one request frame.
func (l *Loader) receive(payload []byte) {
	var req transport.Request
	if err := transport.ParseRequest(payload, &req); err != nil {
		pkg.LogWarn(pkg.ComponentBoot, "bad request frame",
			"length", len(payload),
			"error", err)
		var token uint8
		if len(payload) > 1 {
			token = payload[1]
		}
		l.reply(token, 0, ReturnBadParam)
		return
	}
	pkg.LogDebug(pkg.ComponentBoot, "request",
		"token", req.Token,
		"command", uint16(req.Command),
		"length", len(req.Payload))

	if l.Pending() {
		l.reply(req.Token, req.Command, ReturnBusy)
		return
	}

	switch req.Command {
	case CommandEcho:
		l.reply(req.Token, req.Command, ReturnOK, req.Payload)
	case CommandSectorLoad:
		l.reply(req.Token, req.Command, l.load(req.Payload))
	case CommandSectorCommit:
		l.commit(req)
	case CommandSectorRead:
		l.readBack(req)
	case CommandFlashStatus:
		l.status(req)
	case CommandBootApplication:
		l.bootApplication(req)
	default:
		pkg.LogDebug(pkg.ComponentBoot, "unknown command", "command", uint16(req.Command))
		l.reply(req.Token, req.Command, ReturnUnknown)
	}
}

// reply queues a response. It reaches the transport once the previous frame
// has been collected.
func (l *Loader) reply(token uint8, command transport.Command, rc ReturnCode, parts ...[]byte) {
	if rc != ReturnOK {
		pkg.LogInfo(pkg.ComponentBoot, "command rejected",
			"command", uint16(command),
			"rc", rc.String())
	}
	r := reply{token: token, command: command, rc: rc}
	for _, p := range parts {
		r.payload = append(r.payload, p...)
	}

	l.mutex.Lock()
	if len(l.outbox) == outboxDepth {
		l.mutex.Unlock()
		pkg.LogWarn(pkg.ComponentBoot, "reply dropped",
			"token", token,
			"command", uint16(command),
			"queued", outboxDepth)
		return
	}
	l.outbox = append(l.outbox, r)
	l.mutex.Unlock()
	l.flush()
}

// flush hands the oldest queued reply to the transport if its frame is free.
func (l *Loader) flush() {
	if l.tr.WritePending() {
		return
	}
	l.mutex.Lock()
	if len(l.outbox) == 0 {
		l.mutex.Unlock()
		return
	}
	r := l.outbox[0]
	l.outbox = append(l.outbox[:0], l.outbox[1:]...)
	l.mutex.Unlock()

	l.tr.SendResponse(r.token, r.command, uint8(r.rc), r.payload)
}

// Queued returns the number of replies waiting for the response frame.
func (l *Loader) Queued() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.outbox)
}

// load copies request bytes into the staging buffer at the given offset.
func (l *Loader) load(p []byte) ReturnCode {
	if len(p) < sectorLoadHeaderSize {
		return ReturnBadParam
	}
	offset := int(binary.LittleEndian.Uint16(p))
	data := p[sectorLoadHeaderSize:]
	if offset+len(data) > flash.SectorSize {
		return ReturnBadParam
	}

	l.mutex.Lock()
	copy(l.stage[offset:], data)
	l.mutex.Unlock()
	return ReturnOK
}

// commit writes the first length staged bytes to a sector.
func (l *Loader) commit(req transport.Request) {
	if len(req.Payload) != sectorCommitSize {
		l.reply(req.Token, req.Command, ReturnBadParam)
		return
	}
	sector := binary.LittleEndian.Uint32(req.Payload)
	length := int(binary.LittleEndian.Uint16(req.Payload[4:]))
	if length > flash.SectorSize {
		l.reply(req.Token, req.Command, ReturnBadParam)
		return
	}

	l.mutex.Lock()
	l.op = pending{kind: pendingCommit, token: req.Token, command: req.Command}
	data := l.stage[:length]
	l.mutex.Unlock()

	if err := l.seq.Write(sector, data, l.committed); err != nil {
		l.fail(req, err)
		return
	}
	pkg.LogInfo(pkg.ComponentBoot, "commit",
		"sector", sector,
		"length", length)
}

func (l *Loader) committed(ok bool) {
	l.mutex.Lock()
	op := l.op
	l.op = pending{}
	if ok {
		l.clearStageLocked()
	}
	l.mutex.Unlock()

	if op.kind != pendingCommit {
		return
	}
	if !ok {
		l.reply(op.token, op.command, ReturnFailed)
		return
	}
	l.changed.Store(true)
	l.reply(op.token, op.command, ReturnOK)
}

// readBack reads a window of a sector.
func (l *Loader) readBack(req transport.Request) {
	if len(req.Payload) != sectorReadSize {
		l.reply(req.Token, req.Command, ReturnBadParam)
		return
	}
	sector := binary.LittleEndian.Uint32(req.Payload)
	offset := int(binary.LittleEndian.Uint16(req.Payload[4:]))
	length := int(binary.LittleEndian.Uint16(req.Payload[6:]))
	if offset+length > flash.SectorSize || length > transport.MaxPayloadSize {
		l.reply(req.Token, req.Command, ReturnBadParam)
		return
	}

	l.mutex.Lock()
	l.op = pending{
		kind:    pendingRead,
		token:   req.Token,
		command: req.Command,
		offset:  offset,
		length:  length,
	}
	buf := l.read[:offset+length]
	l.mutex.Unlock()

	if err := l.seq.Read(sector, buf, l.readDone); err != nil {
		l.fail(req, err)
	}
}

func (l *Loader) readDone(ok bool) {
	l.mutex.Lock()
	op := l.op
	l.op = pending{}
	l.mutex.Unlock()

	if op.kind != pendingRead {
		return
	}
	if !ok {
		l.reply(op.token, op.command, ReturnFailed)
		return
	}
	l.reply(op.token, op.command, ReturnOK, l.read[op.offset:op.offset+op.length])
}

// status reads both status registers, one after the other. pollStatus
// advances it since diagnostic reads have no completion callback.
func (l *Loader) status(req transport.Request) {
	l.mutex.Lock()
	l.op = pending{kind: pendingStatus, token: req.Token, command: req.Command}
	l.mutex.Unlock()

	if err := l.seq.ReadStatus(); err != nil {
		l.fail(req, err)
	}
}

func (l *Loader) pollStatus() {
	l.mutex.Lock()
	op := l.op
	l.mutex.Unlock()
	if op.kind != pendingStatus && op.kind != pendingStatus1 {
		return
	}
	if l.seq.Action() != flash.ActionIdle {
		return
	}

	if op.kind == pendingStatus {
		l.mutex.Lock()
		l.op.kind = pendingStatus1
		l.mutex.Unlock()
		if err := l.seq.ReadStatus1(); err != nil {
			l.fail(transport.Request{Token: op.token, Command: op.command}, err)
		}
		return
	}

	l.mutex.Lock()
	l.op = pending{}
	l.mutex.Unlock()
	s, s1 := l.seq.LastStatus()
	var unlocked byte
	if l.seq.Unlocked() {
		unlocked = 1
	}
	l.reply(op.token, op.command, ReturnOK, []byte{s, s1, unlocked})
}

// fail clears the pending command and reports err.
func (l *Loader) fail(req transport.Request, err error) {
	l.mutex.Lock()
	l.op = pending{}
	l.mutex.Unlock()

	rc := ReturnFailed
	switch {
	case errors.Is(err, pkg.ErrBusy):
		rc = ReturnBusy
	case errors.Is(err, pkg.ErrOutOfRange):
		rc = ReturnBadParam
	}
	pkg.LogWarn(pkg.ComponentBoot, "flash command failed",
		"command", uint16(req.Command),
		"error", err)
	l.reply(req.Token, req.Command, rc)
}

// bootApplication persists the application boot option. The restart
// happens once the host has collected the response.
func (l *Loader) bootApplication(req transport.Request) {
	if err := l.store.SetBootOption(bootopt.Application); err != nil {
		pkg.LogError(pkg.ComponentBoot, "set boot option failed", "error", err)
		l.reply(req.Token, req.Command, ReturnFailed)
		return
	}
	l.changed.Store(true)

	l.mutex.Lock()
	l.reboot = true
	l.mutex.Unlock()
	l.reply(req.Token, req.Command, ReturnOK)
}

func (l *Loader) pollReboot() {
	if l.tr.WritePending() {
		return
	}
	l.mutex.Lock()
	reboot := l.reboot && len(l.outbox) == 0
	if reboot {
		l.reboot = false
	}
	l.mutex.Unlock()
	if !reboot {
		return
	}

	l.tr.SoftReset()
	l.restart()
}

// restart resets the device. When the reset hook returns, the loader leaves
// the bus and starts the transport over.
func (l *Loader) restart() {
	l.mutex.Lock()
	l.resets++
	l.op = pending{}
	l.outbox = l.outbox[:0]
	l.reboot = false
	l.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentBoot, "reset")
	if l.cfg.Reset != nil {
		l.cfg.Reset()
	}
	if err := l.stack.Detach(); err != nil {
		pkg.LogWarn(pkg.ComponentBoot, "detach failed", "error", err)
	}
	l.tr.Initialize(nil)
}
