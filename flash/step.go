package flash

import (
	"fmt"

	"github.com/ardnew/flashboot/pkg"
)

// Action is the coarse operation a sequencer is performing.
type Action uint8

// Sequencer actions. Idle is the only action in which a new public call is
// accepted.
const (
	ActionIdle        Action = iota // No operation in progress
	ActionRead                      // Streaming a read
	ActionUnlock                    // Clearing block-protect bits
	ActionErase                     // Erasing the target sector
	ActionWrite                     // Programming the target sector
	ActionStatusRead                // Diagnostic status register read
	ActionStatusRead1               // Diagnostic software status read
)

// String returns a human-readable action name.
func (a Action) String() string {
	switch a {
	case ActionIdle:
		return "Idle"
	case ActionRead:
		return "Read"
	case ActionUnlock:
		return "Unlock"
	case ActionErase:
		return "Erase"
	case ActionWrite:
		return "Write"
	case ActionStatusRead:
		return "StatusRead"
	case ActionStatusRead1:
		return "StatusRead1"
	default:
		return fmt.Sprintf("Unknown Action (%d)", a)
	}
}

// step identifies the transaction currently on the bus. Each step names the
// command that was issued; its completion selects the next step.
type step uint8

const (
	stepIdle           step = iota
	stepRead                // READ issued
	stepUnlockEnable        // EWSR issued
	stepUnlockWrite         // WRSR 0x00 issued
	stepUnlockVerify        // RDSR issued
	stepEraseEnable         // WREN issued
	stepEraseSector         // SE issued
	stepErasePoll           // RDSR issued, waiting for BUSY to clear
	stepProgramEnable       // WREN issued
	stepProgramWord         // AAI issued
	stepProgramPoll         // RDSR issued, waiting for BUSY to clear
	stepProgramDisable      // WRDI issued
	stepStatus              // RDSR issued (diagnostic)
	stepStatus1             // software status read issued (diagnostic)
)

// action maps a step onto its public action.
func (s step) action() Action {
	switch s {
	case stepRead:
		return ActionRead
	case stepUnlockEnable, stepUnlockWrite, stepUnlockVerify:
		return ActionUnlock
	case stepEraseEnable, stepEraseSector, stepErasePoll:
		return ActionErase
	case stepProgramEnable, stepProgramWord, stepProgramPoll, stepProgramDisable:
		return ActionWrite
	case stepStatus:
		return ActionStatusRead
	case stepStatus1:
		return ActionStatusRead1
	default:
		return ActionIdle
	}
}

func (s step) String() string {
	switch s {
	case stepIdle:
		return "idle"
	case stepRead:
		return "read"
	case stepUnlockEnable:
		return "unlock/ewsr"
	case stepUnlockWrite:
		return "unlock/wrsr"
	case stepUnlockVerify:
		return "unlock/rdsr"
	case stepEraseEnable:
		return "erase/wren"
	case stepEraseSector:
		return "erase/se"
	case stepErasePoll:
		return "erase/poll"
	case stepProgramEnable:
		return "program/wren"
	case stepProgramWord:
		return "program/aai"
	case stepProgramPoll:
		return "program/poll"
	case stepProgramDisable:
		return "program/wrdi"
	case stepStatus:
		return "status"
	case stepStatus1:
		return "status1"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// readKind selects what a command reads back after its write phase.
type readKind uint8

const (
	readNone   readKind = iota
	readStatus          // one status register byte
	readData            // the caller's buffer
)

// command is the byte sequence for one transaction.
type command struct {
	buf  [CommandMaxLength]byte
	n    int
	read readKind
}

func newCommand(op byte) command {
	c := command{n: 1}
	c.buf[0] = op
	return c
}

func (c command) withAddress(address uint32) command {
	putAddress(c.buf[c.n:c.n+3], address)
	c.n += 3
	return c
}

func (c command) with(b ...byte) command {
	c.n += copy(c.buf[c.n:], b)
	return c
}

func (c command) reading(r readKind) command {
	c.read = r
	return c
}

// Bytes returns the encoded command.
func (c *command) Bytes() []byte {
	return c.buf[:c.n]
}

func statusCommand(op byte) command {
	return newCommand(op).reading(readStatus)
}

// wpChange is a write-protect line transition requested by a step.
type wpChange uint8

const (
	wpNone     wpChange = iota
	wpAssert            // drive WP low: status register locked
	wpDeassert          // drive WP high: status register writable
)

// effect is what the sequencer must do after a transition.
type effect struct {
	issue   bool        // queue cmd
	cmd     command     // valid when issue
	done    bool        // fire the completion with outcome
	outcome pkg.Outcome // valid when done
	wp      wpChange
}

func issue(c command) effect {
	return effect{issue: true, cmd: c}
}

// machine is the sequencer state that survives between transactions.
type machine struct {
	step     step
	unlocked bool

	// Write parameters, valid while the step belongs to Unlock, Erase or
	// Write.
	sector  uint32
	data    []byte
	written int

	// Consecutive busy status reads in the current poll.
	polls int
}

func (m machine) address() uint32 {
	return m.sector * SectorSize
}

// word returns the next AAI data pair. An odd trailing byte is paired with
// ErasedByte.
func (m machine) word() (byte, byte) {
	b0 := m.data[m.written]
	b1 := byte(ErasedByte)
	if m.written+1 < len(m.data) {
		b1 = m.data[m.written+1]
	}
	return b0, b1
}

// finish returns the machine to idle, keeping the sticky unlock state.
func (m machine) finish(outcome pkg.Outcome) (machine, effect) {
	return machine{unlocked: m.unlocked}, effect{done: true, outcome: outcome}
}

func (m machine) beginRead(sector uint32) (machine, effect) {
	m.step = stepRead
	return m, issue(newCommand(OpRead).withAddress(sector * SectorSize).reading(readData))
}

func (m machine) beginWrite(sector uint32, data []byte) (machine, effect) {
	m.sector = sector
	m.data = data
	m.written = 0
	m.polls = 0
	if m.unlocked {
		return m.beginErase()
	}
	m.step = stepUnlockEnable
	e := issue(newCommand(OpEnableWriteStatusRegister))
	e.wp = wpDeassert
	return m, e
}

func (m machine) beginErase() (machine, effect) {
	m.step = stepEraseEnable
	return m, issue(newCommand(OpWriteEnable))
}

func (m machine) beginStatus(op byte) (machine, effect) {
	m.step = stepStatus
	if op == OpReadSoftwareStatus {
		m.step = stepStatus1
	}
	return m, issue(statusCommand(op))
}

// repoll reissues the status read after a busy result, or faults once
// maxPolls consecutive busy reads have been seen. maxPolls <= 0 never faults.
func (m machine) repoll(maxPolls int) (machine, effect) {
	m.polls++
	if maxPolls > 0 && m.polls >= maxPolls {
		return m.finish(pkg.OutcomeFault)
	}
	return m, issue(statusCommand(OpReadStatus))
}

// advance is the transition function: given the machine and the status byte
// read by the completed transaction (zero if it read none), it returns the
// next machine and the effect to perform.
func advance(m machine, status byte, maxPolls int) (machine, effect) {
	switch m.step {
	case stepRead:
		return m.finish(pkg.OutcomeOK)

	case stepUnlockEnable:
		m.step = stepUnlockWrite
		return m, issue(newCommand(OpWriteStatusRegister).with(0x00))

	case stepUnlockWrite:
		m.step = stepUnlockVerify
		return m, issue(statusCommand(OpReadStatus))

	case stepUnlockVerify:
		var e effect
		if status&StatusBlockProtect != 0 {
			m, e = m.finish(pkg.OutcomeFault)
		} else {
			m.unlocked = true
			m, e = m.beginErase()
		}
		e.wp = wpAssert
		return m, e

	case stepEraseEnable:
		m.step = stepEraseSector
		return m, issue(newCommand(OpSectorErase).withAddress(m.address()))

	case stepEraseSector:
		m.step = stepErasePoll
		m.polls = 0
		return m, issue(statusCommand(OpReadStatus))

	case stepErasePoll:
		if status&StatusBusy != 0 {
			return m.repoll(maxPolls)
		}
		m.polls = 0
		if len(m.data) == 0 {
			return m.finish(pkg.OutcomeOK)
		}
		m.step = stepProgramEnable
		return m, issue(newCommand(OpWriteEnable))

	case stepProgramEnable:
		m.step = stepProgramWord
		b0, b1 := m.word()
		return m, issue(newCommand(OpAutoIncrementProgram).withAddress(m.address()).with(b0, b1))

	case stepProgramWord:
		m.step = stepProgramPoll
		m.polls = 0
		return m, issue(statusCommand(OpReadStatus))

	case stepProgramPoll:
		if status&StatusBusy != 0 {
			return m.repoll(maxPolls)
		}
		m.polls = 0
		m.written += ProgramUnit
		if m.written < len(m.data) {
			m.step = stepProgramWord
			b0, b1 := m.word()
			return m, issue(newCommand(OpAutoIncrementProgram).with(b0, b1))
		}
		m.step = stepProgramDisable
		return m, issue(newCommand(OpWriteDisable))

	case stepProgramDisable, stepStatus, stepStatus1:
		return m.finish(pkg.OutcomeOK)

	default:
		return m, effect{}
	}
}
