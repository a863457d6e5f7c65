package transport

// DFU class request codes (DFU 1.1 Table 3.2).
const (
	DFURequestDetach    = 0x00
	DFURequestGetStatus = 0x03
)

// DFU status and state values reported by the runtime interface.
const (
	DFUStatusOK     = 0x00
	DFUStateAppIdle = 0x00
)

// DFUStatusSize is the length of a GETSTATUS response.
const DFUStatusSize = 6

// DFUStatus is the GETSTATUS response record.
type DFUStatus struct {
	Status      uint8
	PollTimeout uint32 // milliseconds, 24 bits on the wire
	State       uint8
	StringIndex uint8
}

// MarshalTo writes the record to buf.
// Returns the number of bytes written (6), or 0 if buf is too small.
func (d *DFUStatus) MarshalTo(buf []byte) int {
	if len(buf) < DFUStatusSize {
		return 0
	}
	buf[0] = d.Status
	buf[1] = byte(d.PollTimeout)
	buf[2] = byte(d.PollTimeout >> 8)
	buf[3] = byte(d.PollTimeout >> 16)
	buf[4] = d.State
	buf[5] = d.StringIndex
	return DFUStatusSize
}

// runtimeStatus is the only status the runtime interface reports.
var runtimeStatus = DFUStatus{Status: DFUStatusOK, State: DFUStateAppIdle}
