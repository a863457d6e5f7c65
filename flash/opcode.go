package flash

// Serial flash opcodes (SST25VF020B command set).
const (
	OpWriteStatusRegister       = 0x01 // WRSR
	OpByteProgram               = 0x02 // Byte-Program
	OpRead                      = 0x03 // Read (up to 33 MHz)
	OpWriteDisable              = 0x04 // WRDI
	OpReadStatus                = 0x05 // RDSR
	OpWriteEnable               = 0x06 // WREN
	OpHighSpeedRead             = 0x0B // High-Speed Read
	OpSectorErase               = 0x20 // 4 KiB sector erase
	OpReadSoftwareStatus        = 0x35 // Software status register read
	OpEnableWriteStatusRegister = 0x50 // EWSR
	OpAutoIncrementProgram      = 0xAD // AAI word program
)

// Status register bits.
const (
	StatusBusy                 = 0x01 // Erase or program in progress
	StatusWriteEnabled         = 0x02 // Write-enable latch
	StatusBlockProtect0        = 0x04
	StatusBlockProtect1        = 0x08
	StatusAutoAddressIncrement = 0x40 // AAI programming mode
	StatusBlockProtectLockDown = 0x80 // BPL
)

// StatusBlockProtect masks the block-protect bits that must be clear before
// erase or program.
const StatusBlockProtect = StatusBlockProtect0 | StatusBlockProtect1

// Device geometry.
const (
	// SectorSize is the erase granularity in bytes.
	SectorSize = 1 << 12

	// DeviceSize is the capacity of the default part in bytes.
	DeviceSize = 1 << 18

	// DefaultSectorCount is the number of sectors on the default part.
	DefaultSectorCount = DeviceSize / SectorSize
)

// Command buffer sizing.
const (
	// CommandMaxLength is the longest command written in one transaction:
	// the first AAI cycle (opcode, 3 address bytes, 2 data bytes).
	CommandMaxLength = 6

	// StatusBufferLength is the size of the status read buffer.
	StatusBufferLength = 4

	// ProgramUnit is the number of data bytes carried per AAI cycle.
	ProgramUnit = 2
)

// ErasedByte is the value of every byte of an erased sector. Programming it
// leaves the cell unchanged.
const ErasedByte = 0xFF

// putAddress writes the 24-bit address most significant byte first.
func putAddress(buf []byte, address uint32) {
	buf[0] = byte(address >> 16)
	buf[1] = byte(address >> 8)
	buf[2] = byte(address)
}
