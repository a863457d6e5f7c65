package flash

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"github.com/ardnew/flashboot/pkg"
)

// Callback is run once when an accepted Read or Write completes.
// ok is false if any step of the operation failed.
type Callback func(ok bool)

// Config holds sequencer options. The zero value selects the default part
// with unbounded busy polling.
type Config struct {
	// SectorCount is the number of sectors on the part.
	// Zero selects DefaultSectorCount.
	SectorCount uint32

	// MaxPolls bounds the consecutive busy status reads of one erase or
	// program cycle. The operation fails once the bound is reached.
	// Zero or negative polls until the device reports idle, however long
	// that takes.
	MaxPolls int
}

// completion is the single outstanding callback slot.
type completion struct {
	fn    Callback
	armed bool
}

// arm stores fn. It returns false if a callback is already outstanding.
func (c *completion) arm(fn Callback) bool {
	if c.armed {
		return false
	}
	c.fn, c.armed = fn, true
	return true
}

// take empties the slot and returns its callback, which may be nil.
func (c *completion) take() Callback {
	fn := c.fn
	c.fn, c.armed = nil, false
	return fn
}

// transaction is the in-flight transfer slot. Its buffers are only
// meaningful between Queue and the matching PhaseEnd.
type transaction struct {
	cmd    [CommandMaxLength]byte
	n      int
	status [StatusBufferLength]byte
	read   readKind
}

// load copies c into the slot and returns the transfer that describes it.
// data is the destination of a readData command.
func (t *transaction) load(c command, data []byte) Transfer {
	t.n = copy(t.cmd[:], c.Bytes())
	t.read = c.read
	t.status = [StatusBufferLength]byte{}
	xfer := Transfer{Out: t.cmd[:t.n]}
	switch c.read {
	case readStatus:
		xfer.In = t.status[:1]
	case readData:
		xfer.In = data
	}
	return xfer
}

// result returns the status byte read by the last transfer, or zero if it
// read none.
func (t *transaction) result() byte {
	if t.read != readStatus {
		return 0
	}
	return t.status[0]
}

// Sequencer drives the serial flash protocol over a Bus. It runs at most one
// operation at a time; every public entry point is rejected with
// [pkg.ErrBusy] unless the sequencer is idle.
type Sequencer struct {
	bus   Bus
	lines Lines
	cfg   Config

	mutex      sync.Mutex
	m          machine
	done       completion
	slot       transaction
	lastStatus [2]byte
}

// New creates a sequencer issuing transactions on bus.
// Initialize must be called before any other method.
func New(bus Bus, cfg Config) *Sequencer {
	if cfg.SectorCount == 0 {
		cfg.SectorCount = DefaultSectorCount
	}
	return &Sequencer{bus: bus, cfg: cfg}
}

// Initialize takes the control lines and drives them to their idle levels:
// chip disabled, hold released, write protect asserted.
func (s *Sequencer) Initialize(lines Lines) error {
	s.mutex.Lock()
	s.lines = lines
	s.m = machine{}
	s.done.take()
	s.mutex.Unlock()

	if err := drive(lines.ChipEnable, gpio.High); err != nil {
		return fmt.Errorf("chip enable: %w", err)
	}
	pkg.LogDebug(pkg.ComponentFlash, "disable hold")
	if err := drive(lines.Hold, gpio.High); err != nil {
		return fmt.Errorf("hold: %w", err)
	}
	if err := drive(lines.WriteProtect, gpio.Low); err != nil {
		return fmt.Errorf("write protect: %w", err)
	}
	return nil
}

// SectorSize returns the erase granularity in bytes.
func (s *Sequencer) SectorSize() uint32 {
	return SectorSize
}

// SectorCount returns the number of sectors on the part.
func (s *Sequencer) SectorCount() uint32 {
	return s.cfg.SectorCount
}

// Action returns the operation in progress.
func (s *Sequencer) Action() Action {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.m.step.action()
}

// Unlocked reports whether the block-protect bits have been cleared.
func (s *Sequencer) Unlocked() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.m.unlocked
}

// LastStatus returns the values read by the most recent ReadStatus and
// ReadStatus1 calls.
func (s *Sequencer) LastStatus() (status, status1 byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastStatus[0], s.lastStatus[1]
}

// Read streams len(buf) bytes starting at the first byte of sector into buf,
// continuing into the following sectors. The bus bounds the length. On
// success cb is called once the transfer completes; buf must not be touched
// until then.
func (s *Sequencer) Read(sector uint32, buf []byte, cb Callback) error {
	s.mutex.Lock()
	if err := s.acceptLocked(sector); err != nil {
		s.mutex.Unlock()
		return err
	}
	if !s.done.arm(cb) {
		s.mutex.Unlock()
		return pkg.ErrBusy
	}
	var e effect
	s.m, e = s.m.beginRead(sector)
	xfer := s.slot.load(e.cmd, buf)
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentFlash, "read",
		"sector", sector,
		"size", len(buf))
	return s.start(xfer)
}

// Write erases sector and programs data into it. len(data) must not exceed
// SectorSize. On success cb is called once the whole sequence completes;
// data must not be modified until then. cb(false) leaves the sector contents
// undefined.
func (s *Sequencer) Write(sector uint32, data []byte, cb Callback) error {
	s.mutex.Lock()
	if err := s.acceptLocked(sector); err != nil {
		s.mutex.Unlock()
		return err
	}
	if len(data) > SectorSize {
		s.mutex.Unlock()
		return fmt.Errorf("%w: %d bytes exceeds sector size", pkg.ErrOutOfRange, len(data))
	}
	if !s.done.arm(cb) {
		s.mutex.Unlock()
		return pkg.ErrBusy
	}
	var e effect
	s.m, e = s.m.beginWrite(sector, data)
	xfer := s.slot.load(e.cmd, nil)
	s.mutex.Unlock()

	if e.wp == wpDeassert {
		pkg.LogInfo(pkg.ComponentFlash, "will unlock")
	}
	s.writeProtect(e.wp)
	pkg.LogDebug(pkg.ComponentFlash, "write",
		"sector", sector,
		"size", len(data))
	return s.start(xfer)
}

// ReadStatus reads the status register. The value is logged and kept for
// LastStatus.
func (s *Sequencer) ReadStatus() error {
	return s.readStatus(OpReadStatus)
}

// ReadStatus1 reads the software status register. The value is logged and
// kept for LastStatus.
func (s *Sequencer) ReadStatus1() error {
	return s.readStatus(OpReadSoftwareStatus)
}

func (s *Sequencer) readStatus(op byte) error {
	s.mutex.Lock()
	if s.m.step != stepIdle {
		s.mutex.Unlock()
		return pkg.ErrBusy
	}
	var e effect
	s.m, e = s.m.beginStatus(op)
	xfer := s.slot.load(e.cmd, nil)
	s.mutex.Unlock()
	return s.start(xfer)
}

// acceptLocked applies the idle gate and sector bound.
func (s *Sequencer) acceptLocked(sector uint32) error {
	if s.m.step != stepIdle {
		return pkg.ErrBusy
	}
	if sector >= s.cfg.SectorCount {
		return fmt.Errorf("%w: sector %d of %d", pkg.ErrOutOfRange, sector, s.cfg.SectorCount)
	}
	return nil
}

// start queues the first transaction of an accepted operation. A rejection
// returns the sequencer to idle without running the callback.
func (s *Sequencer) start(xfer Transfer) error {
	if s.bus.Queue(xfer, s.complete) {
		return nil
	}
	s.mutex.Lock()
	var e effect
	s.m, e = s.m.finish(pkg.OutcomeRejected)
	s.done.take()
	s.mutex.Unlock()
	return e.outcome.Error()
}

// complete is the bus completion callback for every transaction.
func (s *Sequencer) complete(phase Phase) {
	if phase == PhaseBegin {
		s.chipSelect(gpio.Low)
		return
	}
	s.chipSelect(gpio.High)

	s.mutex.Lock()
	prev := s.m.step
	status := s.slot.result()
	var e effect
	s.m, e = advance(s.m, status, s.cfg.MaxPolls)
	switch prev {
	case stepStatus:
		s.lastStatus[0] = status
	case stepStatus1:
		s.lastStatus[1] = status
	}
	var xfer Transfer
	if e.issue {
		xfer = s.slot.load(e.cmd, nil)
	}
	var cb Callback
	if e.done {
		cb = s.done.take()
	}
	s.mutex.Unlock()

	s.writeProtect(e.wp)
	s.logStep(prev, status, e)

	if e.issue {
		if s.bus.Queue(xfer, s.complete) {
			return
		}
		s.mutex.Lock()
		s.m, e = s.m.finish(pkg.OutcomeRejected)
		cb = s.done.take()
		s.mutex.Unlock()
		pkg.LogWarn(pkg.ComponentFlash, "operation aborted",
			"step", prev.String(),
			"error", e.outcome.Error())
	}
	if e.done && cb != nil {
		cb(e.outcome == pkg.OutcomeOK)
	}
}

func (s *Sequencer) logStep(prev step, status byte, e effect) {
	switch prev {
	case stepUnlockVerify:
		pkg.LogInfo(pkg.ComponentFlash, "unlock status", "status", status)
	case stepErasePoll, stepProgramPoll:
		if status&StatusBusy != 0 {
			pkg.LogTrace(pkg.ComponentFlash, "busy", "step", prev.String())
		} else if prev == stepErasePoll {
			pkg.LogInfo(pkg.ComponentFlash, "erase done")
		}
	case stepProgramDisable:
		pkg.LogInfo(pkg.ComponentFlash, "write done")
	case stepStatus:
		pkg.LogInfo(pkg.ComponentFlash, "status", "value", status)
	case stepStatus1:
		pkg.LogInfo(pkg.ComponentFlash, "status1", "value", status)
	default:
		pkg.LogDebug(pkg.ComponentFlash, "step done", "step", prev.String())
	}
	if e.done && e.outcome != pkg.OutcomeOK {
		pkg.LogWarn(pkg.ComponentFlash, "operation failed",
			"step", prev.String(),
			"status", status,
			"error", e.outcome.Error())
	}
}

func (s *Sequencer) chipSelect(level gpio.Level) {
	if err := drive(s.lines.ChipEnable, level); err != nil {
		pkg.LogError(pkg.ComponentFlash, "chip enable", "error", err)
	}
}

func (s *Sequencer) writeProtect(c wpChange) {
	var err error
	switch c {
	case wpAssert:
		err = drive(s.lines.WriteProtect, gpio.Low)
	case wpDeassert:
		err = drive(s.lines.WriteProtect, gpio.High)
	}
	if err != nil {
		pkg.LogError(pkg.ComponentFlash, "write protect", "error", err)
	}
}

// drive sets an output line. A nil line is not wired and is ignored.
func drive(p gpio.PinOut, level gpio.Level) error {
	if p == nil {
		return nil
	}
	return p.Out(level)
}
