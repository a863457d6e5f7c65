package bootloader

import (
	"fmt"

	"github.com/ardnew/flashboot/transport"
)

// Bootloader commands carried in request frames.
const (
	CommandEcho            transport.Command = 0x0001
	CommandSectorLoad      transport.Command = 0x0010
	CommandSectorCommit    transport.Command = 0x0011
	CommandSectorRead      transport.Command = 0x0012
	CommandFlashStatus     transport.Command = 0x0013
	CommandBootApplication transport.Command = 0x0020
)

// Request payload sizes.
const (
	sectorLoadHeaderSize = 2 // offset LE16
	sectorCommitSize     = 6 // sector LE32, length LE16
	sectorReadSize       = 8 // sector LE32, offset LE16, length LE16
)

// ReturnCode is the rc field of a response frame.
type ReturnCode uint8

// Return codes.
const (
	ReturnOK       ReturnCode = 0x00 // Command completed
	ReturnUnknown  ReturnCode = 0x01 // Unsupported command
	ReturnBadParam ReturnCode = 0x02 // Malformed or out-of-range parameters
	ReturnBusy     ReturnCode = 0x03 // A flash command is still pending
	ReturnFailed   ReturnCode = 0x04 // The operation ran and failed
)

// String returns the return code name.
func (rc ReturnCode) String() string {
	switch rc {
	case ReturnOK:
		return "ok"
	case ReturnUnknown:
		return "unknown command"
	case ReturnBadParam:
		return "bad parameter"
	case ReturnBusy:
		return "busy"
	case ReturnFailed:
		return "failed"
	default:
		return fmt.Sprintf("rc(0x%02X)", uint8(rc))
	}
}

// CommandError is a non-OK return code reported by the device.
type CommandError struct {
	Command transport.Command
	Code    ReturnCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%04X failed: %s (0x%02X)", uint16(e.Command), e.Code, uint8(e.Code))
}

// VerifyError indicates read-back data that differs from what was written.
type VerifyError struct {
	Sector uint32
	Offset int
	Want   byte
	Got    byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify sector %d offset %d: want 0x%02X, got 0x%02X",
		e.Sector, e.Offset, e.Want, e.Got)
}
