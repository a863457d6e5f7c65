// Package spibus implements the single-slot flash transaction queue over a
// periph.io SPI connection.
//
// A [Queue] accepts one [flash.Transfer] at a time and runs it on the next
// call to [Queue.Tasks], reporting PhaseBegin before and PhaseEnd after the
// bus transfer. The slot is released before PhaseEnd is delivered, so the
// completion callback may queue the next transfer immediately.
package spibus

import (
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"

	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/pkg"
)

// MaxTransfer is the longest transfer, write and read phases combined, that
// the queue accepts.
const MaxTransfer = flash.CommandMaxLength + flash.SectorSize

// Queue runs flash transfers on an SPI connection, one at a time.
type Queue struct {
	conn spi.Conn

	mutex   sync.Mutex
	pending bool
	xfer    flash.Transfer
	done    func(flash.Phase)

	// Full-duplex staging buffers; the read phase is clocked by padding the
	// write phase.
	tx [MaxTransfer]byte
	rx [MaxTransfer]byte

	transfers uint64
	failures  uint64
}

// New creates a queue on conn.
func New(c spi.Conn) *Queue {
	return &Queue{conn: c}
}

// Queue accepts t if no transfer is pending and it fits in MaxTransfer.
func (q *Queue) Queue(t flash.Transfer, done func(flash.Phase)) bool {
	if len(t.Out)+len(t.In) > MaxTransfer || len(t.Out) == 0 {
		pkg.LogWarn(pkg.ComponentBus, "transfer rejected",
			"out", len(t.Out),
			"in", len(t.In),
			"error", pkg.ErrBufferTooSmall)
		return false
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.pending {
		return false
	}
	q.pending = true
	q.xfer = t
	q.done = done
	pkg.LogTrace(pkg.ComponentBus, "transfer queued",
		"op", t.Out[0],
		"out", len(t.Out),
		"in", len(t.In))
	return true
}

// Pending reports whether a transfer is waiting to run.
func (q *Queue) Pending() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.pending
}

// Stats returns the number of transfers run and how many of them the
// connection reported an error for.
func (q *Queue) Stats() (transfers, failures uint64) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.transfers, q.failures
}

// Tasks runs the pending transfer, if any. Call once per scheduler tick.
func (q *Queue) Tasks() {
	q.mutex.Lock()
	if !q.pending {
		q.mutex.Unlock()
		return
	}
	xfer, done := q.xfer, q.done
	q.mutex.Unlock()

	if done != nil {
		done(flash.PhaseBegin)
	}
	err := q.run(xfer)

	q.mutex.Lock()
	q.transfers++
	if err != nil {
		q.failures++
	}
	q.pending = false
	q.xfer = flash.Transfer{}
	q.done = nil
	q.mutex.Unlock()

	if err != nil {
		pkg.LogError(pkg.ComponentBus, "transfer failed",
			"op", xfer.Out[0],
			"error", err)
	}
	if done != nil {
		done(flash.PhaseEnd)
	}
}

func (q *Queue) run(t flash.Transfer) error {
	if q.conn.Duplex() == conn.Half {
		return q.conn.Tx(t.Out, t.In)
	}
	n := len(t.Out) + len(t.In)
	w, r := q.tx[:n], q.rx[:n]
	copy(w, t.Out)
	clear(w[len(t.Out):])
	if err := q.conn.Tx(w, r); err != nil {
		return err
	}
	copy(t.In, r[len(t.Out):])
	return nil
}
