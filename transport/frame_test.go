package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/flashboot/pkg"
)

func TestPutResponse(t *testing.T) {
	buf := make([]byte, BufferSize)

	n, err := PutResponse(buf, 5, 0x1234, 0, 0, []byte("AB"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, []byte{StartOfMessage, 5, 0x34, 0x12, 2, 0, 0, 0, 'A', 'B', EndOfMessage}, buf[:n])
}

func TestPutResponseParts(t *testing.T) {
	buf := make([]byte, BufferSize)

	n, err := PutResponse(buf, 1, 0x0010, 3, FlagsChanged, []byte{1, 2}, nil, []byte{3})
	require.NoError(t, err)
	assert.Equal(t, ResponseOverhead+3, n)

	var r Response
	require.NoError(t, ParseResponse(buf[:n], &r))
	assert.Equal(t, uint8(1), r.Token)
	assert.Equal(t, Command(0x0010), r.Command)
	assert.Equal(t, uint8(3), r.ReturnCode)
	assert.Equal(t, uint8(FlagsChanged), r.Flags)
	assert.False(t, r.Truncated())
	assert.Equal(t, []byte{1, 2, 3}, r.Payload)
}

func TestPutResponseTruncation(t *testing.T) {
	tests := []struct {
		name  string
		parts [][]byte
		want  []byte
		trunc bool
	}{
		{
			name:  "exactly full",
			parts: [][]byte{bytes.Repeat([]byte{1}, MaxPayloadSize)},
			want:  bytes.Repeat([]byte{1}, MaxPayloadSize),
		},
		{
			name:  "single oversize part",
			parts: [][]byte{bytes.Repeat([]byte{2}, MaxPayloadSize+10)},
			want:  bytes.Repeat([]byte{2}, MaxPayloadSize),
			trunc: true,
		},
		{
			name: "second part overflows, third dropped",
			parts: [][]byte{
				bytes.Repeat([]byte{3}, 500),
				bytes.Repeat([]byte{4}, 20),
				{5},
			},
			want:  append(bytes.Repeat([]byte{3}, 500), bytes.Repeat([]byte{4}, MaxPayloadSize-500)...),
			trunc: true,
		},
		{
			name:  "truncation flag from caller ignored",
			parts: [][]byte{{9}},
			want:  []byte{9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.Repeat([]byte{0xEE}, BufferSize)
			n, err := PutResponse(buf, 0, 0, 0, FlagTruncated, tt.parts...)
			require.NoError(t, err)
			assert.Equal(t, ResponseOverhead+len(tt.want), n)

			var r Response
			require.NoError(t, ParseResponse(buf[:n], &r))
			assert.Equal(t, tt.want, r.Payload)
			assert.Equal(t, tt.trunc, r.Truncated())
			// Nothing written past the end marker.
			assert.Equal(t, byte(0xEE), buf[n])
		})
	}
}

func TestPutResponseBufferTooSmall(t *testing.T) {
	_, err := PutResponse(make([]byte, 100), 0, 0, 0, 0)
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}

func TestParseResponseErrors(t *testing.T) {
	good := []byte{StartOfMessage, 1, 0, 0, 1, 0, 0, 0, 'x', EndOfMessage}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:5], pkg.ErrFrameTooShort},
		{"payload past end", good[:9], pkg.ErrFrameTooShort},
		{"bad start", append([]byte{0x00}, good[1:]...), pkg.ErrBadMarker},
		{"bad end", append(append([]byte(nil), good[:9]...), 0x00), pkg.ErrBadMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Response
			assert.ErrorIs(t, ParseResponse(tt.data, &r), tt.want)
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{Token: 9, Command: 0xBEEF, Payload: []byte{1, 2, 3}}
	b := req.AppendTo(nil)
	assert.Equal(t, []byte{StartOfMessage, 9, 0xEF, 0xBE, 3, 0, 1, 2, 3, EndOfMessage}, b)

	var got Request
	require.NoError(t, ParseRequest(b, &got))
	assert.Equal(t, req, got)

	empty := Request{Token: 1, Command: 1}
	b = empty.AppendTo(b[:0])
	require.NoError(t, ParseRequest(b, &got))
	assert.Empty(t, got.Payload)
}

func TestParseRequestErrors(t *testing.T) {
	good := (&Request{Command: 1, Payload: []byte{7, 7}}).AppendTo(nil)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:3], pkg.ErrFrameTooShort},
		{"payload past end", good[:8], pkg.ErrFrameTooShort},
		{"bad start", append([]byte{0xAA}, good[1:]...), pkg.ErrBadMarker},
		{"bad end", append(append([]byte(nil), good[:len(good)-1]...), 0xAA), pkg.ErrBadMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Request
			assert.ErrorIs(t, ParseRequest(tt.data, &r), tt.want)
		})
	}
}
