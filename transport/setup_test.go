package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/flashboot/pkg"
)

func TestParseSetupPacket(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    SetupPacket
		wantErr bool
	}{
		{
			name: "DFU_DETACH",
			data: []byte{0x21, 0x00, 0xE8, 0x03, 0x01, 0x00, 0x00, 0x00},
			want: SetupPacket{
				RequestType: 0x21,
				Request:     DFURequestDetach,
				Value:       1000,
				Index:       1,
				Length:      0,
			},
		},
		{
			name: "DFU_GETSTATUS",
			data: []byte{0xA1, 0x03, 0x00, 0x00, 0x01, 0x00, 0x06, 0x00},
			want: SetupPacket{
				RequestType: 0xA1,
				Request:     DFURequestGetStatus,
				Index:       1,
				Length:      6,
			},
		},
		{
			name: "vendor deliver",
			data: []byte{0x40, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02},
			want: SetupPacket{
				RequestType: 0x40,
				Request:     RequestDeliver,
				Length:      512,
			},
		},
		{
			name:    "too short",
			data:    []byte{0x80, 0x06, 0x00},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got SetupPacket
			err := ParseSetupPacket(tt.data, &got)
			if tt.wantErr {
				assert.ErrorIs(t, err, pkg.ErrSetupPacketTooShort)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupPacketMarshalTo(t *testing.T) {
	var s SetupPacket
	DeliverSetup(&s, 0x0123)

	buf := make([]byte, 8)
	n := s.MarshalTo(buf)
	assert.Equal(t, SetupPacketSize, n)
	assert.Equal(t, []byte{0x40, 0x20, 0x00, 0x00, 0x00, 0x00, 0x23, 0x01}, buf)

	assert.Zero(t, s.MarshalTo(make([]byte, 4)))

	b := s.Bytes()
	var back SetupPacket
	require.NoError(t, ParseSetupPacket(b[:], &back))
	assert.Equal(t, s, back)
}

func TestSetupPacketHelpers(t *testing.T) {
	var s SetupPacket
	GetStatusSetup(&s, 2)

	assert.True(t, s.IsDeviceToHost())
	assert.False(t, s.IsHostToDevice())
	assert.True(t, s.IsClass())
	assert.True(t, s.IsInterfaceRecipient())
	assert.True(t, s.isClassInterface(RequestDirectionDeviceToHost, DFURequestGetStatus, 2))
	assert.False(t, s.isClassInterface(RequestDirectionDeviceToHost, DFURequestGetStatus, 1))
	assert.False(t, s.isClassInterface(RequestDirectionHostToDevice, DFURequestGetStatus, 2))

	DetachSetup(&s, 2, 0)
	assert.True(t, s.isClassInterface(RequestDirectionHostToDevice, DFURequestDetach, 2))

	CollectSetup(&s, 64)
	assert.False(t, s.IsClass())
	assert.Equal(t, uint8(RequestTypeVendor), s.Type())
}

func TestSetupPacketString(t *testing.T) {
	var s SetupPacket
	GetInterfaceSetup(&s, 3)
	assert.Equal(t,
		"SETUP[IN Standard Interface] Request=0x0A Value=0x0000 Index=0x0003 Length=1",
		s.String())

	SetInterfaceSetup(&s, 0, 1)
	assert.Equal(t,
		"SETUP[OUT Standard Interface] Request=0x0B Value=0x0001 Index=0x0000 Length=0",
		s.String())

	CollectSetup(&s, 16)
	assert.Equal(t,
		"SETUP[IN Vendor Device] Request=0x21 Value=0x0000 Index=0x0000 Length=16",
		s.String())
}

func TestDFUStatusMarshalTo(t *testing.T) {
	d := DFUStatus{Status: 0x0A, PollTimeout: 0x030201, State: 0x02, StringIndex: 4}
	buf := make([]byte, DFUStatusSize)
	assert.Equal(t, DFUStatusSize, d.MarshalTo(buf))
	assert.Equal(t, []byte{0x0A, 0x01, 0x02, 0x03, 0x02, 0x04}, buf)
	assert.Zero(t, d.MarshalTo(buf[:5]))
}
