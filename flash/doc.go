// Package flash implements a non-blocking command sequencer for an external
// SST25VF020B-class serial NOR flash.
//
// The sequencer never waits on the bus. Every operation is a chain of
// transactions handed to a [Bus]; each transaction's completion callback
// computes the next one. Waiting is represented by remaining in a non-idle
// [Action] until a later completion observes the device is done.
//
// # Operations
//
//   - [Sequencer.Read]: one READ transaction streaming into the caller's buffer
//   - [Sequencer.Write]: unlock (first write only), sector erase, then
//     auto-address-increment programming of the whole buffer
//   - [Sequencer.ReadStatus], [Sequencer.ReadStatus1]: diagnostic reads
//
// Only one operation runs at a time. Calls made while the sequencer is busy
// return [github.com/ardnew/flashboot/pkg.ErrBusy]; there is no queue, so the
// caller retries later.
//
// # Write sequence
//
//	unlock:  WP high → EWSR → WRSR 0x00 → RDSR → WP low (BP bits must read clear)
//	erase:   WREN → SE addr → RDSR until not busy
//	program: WREN → AAI addr d0 d1 → RDSR until not busy → AAI dN dN+1 … → WRDI
//
// A queue rejection at any step aborts the operation and reports
// cb(false). Nothing already done on the device is rolled back.
//
// # Bus
//
// [Bus] is the single-slot transaction queue contract. The
// [github.com/ardnew/flashboot/flash/spibus] package implements it over a
// periph.io [periph.io/x/conn/v3/spi.Conn].
package flash
