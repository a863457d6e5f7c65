package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/flashboot/pkg"
)

// Frame markers.
const (
	StartOfMessage = 0x5A
	EndOfMessage   = 0xA5
)

// Frame sizing.
const (
	// BufferSize is the size of the receive and transmit buffers.
	BufferSize = 1024

	// MaxPayloadSize is the largest response payload; longer payloads are
	// truncated.
	MaxPayloadSize = 513

	// ResponseHeaderSize is the offset of a response payload.
	ResponseHeaderSize = 8

	// ResponseOverhead is the header plus the end marker.
	ResponseOverhead = ResponseHeaderSize + 1

	// RequestHeaderSize is the offset of a request payload.
	RequestHeaderSize = 6

	// RequestOverhead is the header plus the end marker.
	RequestOverhead = RequestHeaderSize + 1

	// MaxRequestPayloadSize is the largest request payload that fits the
	// receive buffer.
	MaxRequestPayloadSize = BufferSize - RequestOverhead
)

// Response flag bits.
const (
	FlagsChanged  = 0x01 // Device flags changed since the last response
	FlagTruncated = 0x02 // Payload was cut at MaxPayloadSize
)

// Command identifies a request and the response that answers it.
type Command uint16

// Response is a decoded host-bound frame.
type Response struct {
	Token      uint8
	Command    Command
	ReturnCode uint8
	Flags      uint8
	Payload    []byte
}

// Truncated reports whether the device cut the payload.
func (r *Response) Truncated() bool {
	return r.Flags&FlagTruncated != 0
}

// PutResponse assembles a response frame into buf and returns its length.
// flags may carry FlagsChanged; FlagTruncated is set when the parts exceed
// MaxPayloadSize, in which case the first part that overflows is copied up to
// the remaining capacity and the rest are dropped.
func PutResponse(buf []byte, token uint8, command Command, rc uint8, flags uint8, parts ...[]byte) (int, error) {
	if len(buf) < ResponseOverhead+MaxPayloadSize {
		return 0, pkg.ErrBufferTooSmall
	}
	buf[0] = StartOfMessage
	buf[1] = token
	binary.LittleEndian.PutUint16(buf[2:4], uint16(command))
	buf[6] = rc
	flags &^= FlagTruncated

	offset := 0
	for _, p := range parts {
		if offset+len(p) > MaxPayloadSize {
			offset += copy(buf[ResponseHeaderSize+offset:], p[:MaxPayloadSize-offset])
			flags |= FlagTruncated
			break
		}
		offset += copy(buf[ResponseHeaderSize+offset:], p)
	}

	binary.LittleEndian.PutUint16(buf[4:6], uint16(offset))
	buf[7] = flags
	buf[ResponseHeaderSize+offset] = EndOfMessage
	return ResponseOverhead + offset, nil
}

// ParseResponse decodes a response frame into out. out.Payload aliases b.
func ParseResponse(b []byte, out *Response) error {
	if len(b) < ResponseOverhead {
		return pkg.ErrFrameTooShort
	}
	if b[0] != StartOfMessage {
		return fmt.Errorf("%w: start 0x%02X", pkg.ErrBadMarker, b[0])
	}
	n := int(binary.LittleEndian.Uint16(b[4:6]))
	if len(b) < ResponseOverhead+n {
		return fmt.Errorf("%w: payload %d, have %d", pkg.ErrFrameTooShort, n, len(b)-ResponseOverhead)
	}
	if b[ResponseHeaderSize+n] != EndOfMessage {
		return fmt.Errorf("%w: end 0x%02X", pkg.ErrBadMarker, b[ResponseHeaderSize+n])
	}
	out.Token = b[1]
	out.Command = Command(binary.LittleEndian.Uint16(b[2:4]))
	out.ReturnCode = b[6]
	out.Flags = b[7]
	out.Payload = b[ResponseHeaderSize : ResponseHeaderSize+n]
	return nil
}

// Request is a decoded device-bound frame.
type Request struct {
	Token   uint8
	Command Command
	Payload []byte
}

// AppendTo appends the encoded frame to dst.
func (r *Request) AppendTo(dst []byte) []byte {
	dst = append(dst, StartOfMessage, r.Token)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(r.Command))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(r.Payload)))
	dst = append(dst, r.Payload...)
	return append(dst, EndOfMessage)
}

// ParseRequest decodes a request frame into out. out.Payload aliases b.
func ParseRequest(b []byte, out *Request) error {
	if len(b) < RequestOverhead {
		return pkg.ErrFrameTooShort
	}
	if b[0] != StartOfMessage {
		return fmt.Errorf("%w: start 0x%02X", pkg.ErrBadMarker, b[0])
	}
	n := int(binary.LittleEndian.Uint16(b[4:6]))
	if len(b) < RequestOverhead+n {
		return fmt.Errorf("%w: payload %d, have %d", pkg.ErrFrameTooShort, n, len(b)-RequestOverhead)
	}
	if b[RequestHeaderSize+n] != EndOfMessage {
		return fmt.Errorf("%w: end 0x%02X", pkg.ErrBadMarker, b[RequestHeaderSize+n])
	}
	out.Token = b[1]
	out.Command = Command(binary.LittleEndian.Uint16(b[2:4]))
	out.Payload = b[RequestHeaderSize : RequestHeaderSize+n]
	return nil
}
