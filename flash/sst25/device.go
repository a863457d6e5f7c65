// Package sst25 models an SST25VF020B serial flash as a periph.io SPI
// connection.
//
// The model keeps the memory array, the status register with its busy,
// write-enable, block-protect and AAI bits, and the EWSR/WREN latches. Erase
// and program cycles keep the part busy for a configurable number of status
// reads, so callers that poll are exercised the way real silicon would
// exercise them. Block protection is coarse: any set BP bit protects the
// whole array.
package sst25

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/pkg"
)

// Config tunes the model.
type Config struct {
	// Size is the array size in bytes. Zero selects flash.DeviceSize.
	Size int

	// EraseBusy and ProgramBusy are the number of status reads that report
	// busy after a sector erase or an AAI cycle.
	EraseBusy   int
	ProgramBusy int

	// WriteProtect, when set, is sampled on WRSR: with BPL set and the line
	// low, the status register is locked.
	WriteProtect gpio.PinIn

	// StuckProtect makes WRSR leave the block-protect bits set, modelling
	// a part that refuses to unlock.
	StuckProtect bool

	// Software is the value returned by the software status read.
	Software byte
}

// Device is the simulated flash. It implements spi.Conn.
type Device struct {
	cfg Config

	mutex    sync.Mutex
	mem      []byte
	status   byte // BP0, BP1, BPL
	wel      bool
	ewsr     bool
	aai      bool
	aaiAddr  uint32
	busy     int
	commands []byte
}

var _ spi.Conn = (*Device)(nil)

// New creates a part in its power-on state: erased, all block-protect bits
// set, write disabled.
func New(cfg Config) *Device {
	if cfg.Size == 0 {
		cfg.Size = flash.DeviceSize
	}
	d := &Device{
		cfg:    cfg,
		mem:    make([]byte, cfg.Size),
		status: flash.StatusBlockProtect,
	}
	for i := range d.mem {
		d.mem[i] = flash.ErasedByte
	}
	return d
}

// String implements conn.Conn.
func (d *Device) String() string {
	return "sst25vf020b(sim)"
}

// Duplex implements conn.Conn.
func (d *Device) Duplex() conn.Duplex {
	return conn.Full
}

// TxPackets implements spi.Conn. Each packet is one chip-select frame.
func (d *Device) TxPackets(p []spi.Packet) error {
	for i := range p {
		if err := d.Tx(p[i].W, p[i].R); err != nil {
			return err
		}
	}
	return nil
}

// Tx implements conn.Conn. w carries the command; r, if non-nil, must be the
// same length and receives the bytes clocked out by the part.
func (d *Device) Tx(w, r []byte) error {
	if len(w) == 0 {
		return nil
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("sst25: full duplex transfer with %d written, %d read: %w",
			len(w), len(r), pkg.ErrBufferTooSmall)
	}
	if r == nil {
		r = make([]byte, len(w))
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	op := w[0]
	d.commands = append(d.commands, op)

	if d.busy > 0 && op != flash.OpReadStatus {
		pkg.LogDebug(pkg.ComponentSim, "command ignored while busy", "op", op)
		return nil
	}

	switch op {
	case flash.OpRead:
		if len(w) < 4 {
			return nil
		}
		d.read(address(w[1:4]), r[4:])

	case flash.OpHighSpeedRead:
		if len(w) < 5 {
			return nil
		}
		d.read(address(w[1:4]), r[5:])

	case flash.OpReadStatus:
		for i := 1; i < len(r); i++ {
			r[i] = d.statusLocked()
			if d.busy > 0 {
				d.busy--
			}
		}

	case flash.OpReadSoftwareStatus:
		for i := 1; i < len(r); i++ {
			r[i] = d.cfg.Software
		}

	case flash.OpWriteEnable:
		d.wel = true

	case flash.OpWriteDisable:
		d.wel = false
		d.aai = false

	case flash.OpEnableWriteStatusRegister:
		d.ewsr = true

	case flash.OpWriteStatusRegister:
		if len(w) < 2 {
			return nil
		}
		d.writeStatus(w[1])

	case flash.OpSectorErase:
		if len(w) < 4 || !d.writable() {
			return nil
		}
		base := address(w[1:4]) &^ (flash.SectorSize - 1)
		for i := uint32(0); i < flash.SectorSize; i++ {
			d.mem[d.wrap(base+i)] = flash.ErasedByte
		}
		d.wel = false
		d.busy = d.cfg.EraseBusy

	case flash.OpByteProgram:
		if len(w) < 5 || !d.writable() {
			return nil
		}
		d.program(address(w[1:4]), w[4])
		d.wel = false
		d.busy = d.cfg.ProgramBusy

	case flash.OpAutoIncrementProgram:
		d.autoIncrement(w)

	default:
		pkg.LogDebug(pkg.ComponentSim, "unknown opcode", "op", op)
	}
	return nil
}

func (d *Device) autoIncrement(w []byte) {
	if !d.aai {
		if len(w) < 6 || !d.writable() {
			return
		}
		d.aai = true
		d.aaiAddr = address(w[1:4])
		w = w[4:6]
	} else {
		if len(w) < 3 {
			return
		}
		w = w[1:3]
	}
	d.program(d.aaiAddr, w[0])
	d.program(d.aaiAddr+1, w[1])
	d.aaiAddr += 2
	d.busy = d.cfg.ProgramBusy
}

func (d *Device) writeStatus(v byte) {
	if !d.ewsr && !d.wel {
		return
	}
	d.ewsr = false
	d.wel = false
	locked := d.status&flash.StatusBlockProtectLockDown != 0 &&
		d.cfg.WriteProtect != nil && d.cfg.WriteProtect.Read() == gpio.Low
	if locked {
		pkg.LogDebug(pkg.ComponentSim, "status register locked")
		return
	}
	mask := byte(flash.StatusBlockProtect | flash.StatusBlockProtectLockDown)
	d.status = v & mask
	if d.cfg.StuckProtect {
		d.status |= flash.StatusBlockProtect
	}
}

func (d *Device) writable() bool {
	return d.wel && d.status&flash.StatusBlockProtect == 0
}

// program clears bits; NOR cells only move from 1 to 0 without an erase.
func (d *Device) program(addr uint32, b byte) {
	d.mem[d.wrap(addr)] &= b
}

func (d *Device) read(addr uint32, out []byte) {
	for i := range out {
		out[i] = d.mem[d.wrap(addr+uint32(i))]
	}
}

func (d *Device) wrap(addr uint32) uint32 {
	return addr % uint32(len(d.mem))
}

func (d *Device) statusLocked() byte {
	s := d.status
	if d.busy > 0 {
		s |= flash.StatusBusy
	}
	if d.wel {
		s |= flash.StatusWriteEnabled
	}
	if d.aai {
		s |= flash.StatusAutoAddressIncrement
	}
	return s
}

// Status returns the current status register value.
func (d *Device) Status() byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.statusLocked()
}

// Sector returns a copy of one sector of the array.
func (d *Device) Sector(n uint32) []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	out := make([]byte, flash.SectorSize)
	d.read(n*flash.SectorSize, out)
	return out
}

// Commands returns the opcodes received so far, in order.
func (d *Device) Commands() []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]byte(nil), d.commands...)
}

// ResetCommands clears the opcode log.
func (d *Device) ResetCommands() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.commands = d.commands[:0]
}

func address(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
