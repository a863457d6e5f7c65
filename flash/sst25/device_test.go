package sst25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"

	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/pkg"
)

func tx(t *testing.T, d *Device, w ...byte) []byte {
	t.Helper()
	r := make([]byte, len(w))
	require.NoError(t, d.Tx(w, r))
	return r
}

func status(t *testing.T, d *Device) byte {
	return tx(t, d, flash.OpReadStatus, 0)[1]
}

func unlock(t *testing.T, d *Device) {
	tx(t, d, flash.OpEnableWriteStatusRegister)
	tx(t, d, flash.OpWriteStatusRegister, 0x00)
}

func TestPowerOn(t *testing.T) {
	d := New(Config{})

	assert.Equal(t, "sst25vf020b(sim)", d.String())
	assert.Equal(t, conn.Full, d.Duplex())
	assert.Equal(t, byte(flash.StatusBlockProtect), status(t, d))
	for _, b := range d.Sector(0) {
		require.Equal(t, byte(flash.ErasedByte), b)
	}
}

func TestWriteStatusRequiresEnable(t *testing.T) {
	d := New(Config{})

	tx(t, d, flash.OpWriteStatusRegister, 0x00)
	assert.Equal(t, byte(flash.StatusBlockProtect), status(t, d))

	unlock(t, d)
	assert.Zero(t, status(t, d))

	// The enable is consumed by one write.
	tx(t, d, flash.OpWriteStatusRegister, flash.StatusBlockProtect0)
	assert.Zero(t, status(t, d))
}

func TestWriteStatusLockDown(t *testing.T) {
	wp := &gpiotest.Pin{N: "WP", L: gpio.Low}
	d := New(Config{WriteProtect: wp})

	tx(t, d, flash.OpEnableWriteStatusRegister)
	tx(t, d, flash.OpWriteStatusRegister, flash.StatusBlockProtectLockDown|flash.StatusBlockProtect)

	unlock(t, d)
	assert.Equal(t, byte(flash.StatusBlockProtectLockDown|flash.StatusBlockProtect), status(t, d))

	require.NoError(t, wp.Out(gpio.High))
	unlock(t, d)
	assert.Zero(t, status(t, d))
}

func TestEraseProtected(t *testing.T) {
	d := New(Config{})
	tx(t, d, flash.OpWriteEnable)
	tx(t, d, flash.OpByteProgram, 0, 0, 0, 0x00)
	assert.Equal(t, byte(0xFF), d.Sector(0)[0])
}

func TestByteProgramAndErase(t *testing.T) {
	d := New(Config{EraseBusy: 3, ProgramBusy: 1})
	unlock(t, d)

	tx(t, d, flash.OpWriteEnable)
	assert.Equal(t, byte(flash.StatusWriteEnabled), status(t, d))
	tx(t, d, flash.OpByteProgram, 0x00, 0x10, 0x01, 0x5A)
	assert.Equal(t, byte(flash.StatusBusy), status(t, d))
	assert.Zero(t, status(t, d))
	assert.Equal(t, byte(0x5A), d.Sector(1)[1])

	// Program only clears bits.
	tx(t, d, flash.OpWriteEnable)
	tx(t, d, flash.OpByteProgram, 0x00, 0x10, 0x01, 0xF0)
	status(t, d)
	assert.Equal(t, byte(0x50), d.Sector(1)[1])

	tx(t, d, flash.OpWriteEnable)
	tx(t, d, flash.OpSectorErase, 0x00, 0x10, 0x80)
	for i := 0; i < 3; i++ {
		assert.Equal(t, byte(flash.StatusBusy), status(t, d)&flash.StatusBusy)
	}
	assert.Zero(t, status(t, d))
	assert.Equal(t, byte(0xFF), d.Sector(1)[1])
}

func TestCommandsIgnoredWhileBusy(t *testing.T) {
	d := New(Config{EraseBusy: 2})
	unlock(t, d)
	tx(t, d, flash.OpWriteEnable)
	tx(t, d, flash.OpSectorErase, 0, 0, 0)

	tx(t, d, flash.OpWriteEnable)
	status(t, d)
	status(t, d)
	assert.Zero(t, status(t, d)&flash.StatusWriteEnabled)
}

func TestAutoAddressIncrement(t *testing.T) {
	d := New(Config{})
	unlock(t, d)

	tx(t, d, flash.OpWriteEnable)
	tx(t, d, flash.OpAutoIncrementProgram, 0x00, 0x20, 0x00, 0x01, 0x02)
	assert.Equal(t, byte(flash.StatusWriteEnabled|flash.StatusAutoAddressIncrement), status(t, d))
	tx(t, d, flash.OpAutoIncrementProgram, 0x03, 0x04)
	tx(t, d, flash.OpWriteDisable)
	assert.Zero(t, status(t, d))

	assert.Equal(t, []byte{1, 2, 3, 4, 0xFF}, d.Sector(2)[:5])

	r := tx(t, d, flash.OpRead, 0x00, 0x20, 0x01, 0, 0, 0)
	assert.Equal(t, []byte{2, 3, 4}, r[4:])
	r = tx(t, d, flash.OpHighSpeedRead, 0x00, 0x20, 0x00, 0xFF, 0, 0)
	assert.Equal(t, []byte{1, 2}, r[5:])
}

func TestSoftwareStatus(t *testing.T) {
	d := New(Config{Software: 0x7E})
	assert.Equal(t, byte(0x7E), tx(t, d, flash.OpReadSoftwareStatus, 0)[1])
}

func TestTxPacketsAndCommands(t *testing.T) {
	d := New(Config{})
	r := make([]byte, 2)
	require.NoError(t, d.TxPackets([]spi.Packet{
		{W: []byte{flash.OpWriteEnable}},
		{W: []byte{flash.OpReadStatus, 0}, R: r},
	}))
	assert.Equal(t, byte(flash.StatusBlockProtect|flash.StatusWriteEnabled), r[1])
	assert.Equal(t, []byte{flash.OpWriteEnable, flash.OpReadStatus}, d.Commands())

	d.ResetCommands()
	assert.Empty(t, d.Commands())
}

func TestTxLengthMismatch(t *testing.T) {
	d := New(Config{})
	err := d.Tx([]byte{flash.OpReadStatus, 0}, make([]byte, 1))
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}
