// Package bootloader ties the flash sequencer and the USB transport into a
// field-update bootloader.
//
// A [Loader] owns one [flash.Sequencer], its [spibus.Queue] and one
// [transport.Transport]. Request frames delivered by the host are decoded
// and dispatched as commands:
//
//	Echo            0x0001  payload echoed back
//	SectorLoad      0x0010  offset LE16, data: stage bytes for the next commit
//	SectorCommit    0x0011  sector LE32, length LE16: erase and program
//	SectorRead      0x0012  sector LE32, offset LE16, length LE16
//	FlashStatus     0x0013  reply: status, software status, unlocked
//	BootApplication 0x0020  select the application and restart
//
// Flash commands reply when the sequencer completes. Only one flash command
// is pending at a time; requests arriving meanwhile are answered with
// [ReturnBusy].
//
// The host side of the protocol is [Programmer]. [Simulation] wires a loader
// to a simulated SST25 part and device layer for tests and the CLI.
package bootloader
