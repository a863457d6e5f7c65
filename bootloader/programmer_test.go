package bootloader_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/flashboot/bootloader"
	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/pkg"
	"github.com/ardnew/flashboot/transport"
)

// mockExchanger answers from a script of return codes; reads return zeros.
type mockExchanger struct {
	codes    []bootloader.ReturnCode
	command  transport.Command // overrides the response command when set
	requests []transport.Request
}

func (m *mockExchanger) Exchange(req transport.Request) (transport.Response, error) {
	req.Payload = append([]byte(nil), req.Payload...)
	m.requests = append(m.requests, req)
	rc := bootloader.ReturnOK
	if len(m.codes) > 0 {
		rc, m.codes = m.codes[0], m.codes[1:]
	}
	r := transport.Response{Token: req.Token, Command: req.Command, ReturnCode: uint8(rc)}
	if m.command != 0 {
		r.Command = m.command
	}
	if req.Command == bootloader.CommandSectorRead && rc == bootloader.ReturnOK {
		n := int(req.Payload[6]) | int(req.Payload[7])<<8
		r.Payload = make([]byte, n)
	}
	return r, nil
}

func TestProgrammerRetriesBusy(t *testing.T) {
	m := &mockExchanger{codes: []bootloader.ReturnCode{bootloader.ReturnBusy, bootloader.ReturnBusy}}
	p := bootloader.NewProgrammer(m, bootloader.WithRetries(2))

	_, err := p.Ping(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, m.requests, 3)
	assert.Equal(t, uint8(1), m.requests[0].Token)
	assert.Equal(t, uint8(3), m.requests[2].Token)
}

func TestProgrammerBusyExhausted(t *testing.T) {
	m := &mockExchanger{codes: []bootloader.ReturnCode{bootloader.ReturnBusy, bootloader.ReturnBusy}}
	p := bootloader.NewProgrammer(m, bootloader.WithRetries(1))

	_, err := p.Ping(context.Background(), nil)
	var cerr *bootloader.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, bootloader.ReturnBusy, cerr.Code)
	assert.Equal(t, "command 0x0001 failed: busy (0x03)", cerr.Error())
}

func TestProgrammerCommandMismatch(t *testing.T) {
	m := &mockExchanger{command: 0x0099}
	_, err := bootloader.NewProgrammer(m).Ping(context.Background(), nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)
}

func TestProgrammerChunking(t *testing.T) {
	m := &mockExchanger{}
	p := bootloader.NewProgrammer(m, bootloader.WithChunkSize(1000))

	require.NoError(t, p.WriteSector(context.Background(), 4, make([]byte, 2500)))
	require.Len(t, m.requests, 4)
	for i, off := range []int{0, 1000, 2000} {
		req := m.requests[i]
		assert.Equal(t, bootloader.CommandSectorLoad, req.Command)
		assert.Equal(t, off, int(req.Payload[0])|int(req.Payload[1])<<8)
	}
	assert.Len(t, m.requests[2].Payload, 2+500)
	assert.Equal(t, bootloader.CommandSectorCommit, m.requests[3].Command)
	assert.Equal(t, []byte{4, 0, 0, 0, 0xC4, 0x09}, m.requests[3].Payload)
}

func TestProgrammerChunkClamp(t *testing.T) {
	m := &mockExchanger{}
	p := bootloader.NewProgrammer(m, bootloader.WithChunkSize(flash.SectorSize))

	require.NoError(t, p.WriteSector(context.Background(), 0, make([]byte, flash.SectorSize)))
	for _, req := range m.requests {
		assert.LessOrEqual(t, len(req.Payload), transport.MaxRequestPayloadSize)
	}
}

func TestProgrammerVerifyMismatch(t *testing.T) {
	m := &mockExchanger{}
	p := bootloader.NewProgrammer(m)

	err := p.Program(context.Background(), []byte{0, 0, 7}, 0)
	var verr *bootloader.VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 2, verr.Offset)
	assert.Equal(t, byte(7), verr.Want)
	assert.Equal(t, byte(0), verr.Got)
}

func TestProgrammerNoVerify(t *testing.T) {
	m := &mockExchanger{}
	var phases []string
	p := bootloader.NewProgrammer(m,
		bootloader.WithVerify(false),
		bootloader.WithProgress(func(pr bootloader.Progress) { phases = append(phases, pr.Phase) }))

	require.NoError(t, p.Program(context.Background(), make([]byte, flash.SectorSize+1), 0))
	assert.Equal(t, []string{
		bootloader.PhaseProgramming,
		bootloader.PhaseProgramming,
		bootloader.PhaseComplete,
	}, phases)
	for _, req := range m.requests {
		assert.NotEqual(t, bootloader.CommandSectorRead, req.Command)
	}
}

func TestProgrammerBounds(t *testing.T) {
	m := &mockExchanger{}
	p := bootloader.NewProgrammer(m)
	ctx := context.Background()

	assert.ErrorIs(t, p.WriteSector(ctx, 0, make([]byte, flash.SectorSize+1)), pkg.ErrOutOfRange)
	_, err := p.ReadSector(ctx, 0, flash.SectorSize-1, 2)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)
	assert.Error(t, p.Program(ctx, nil, 0))
	assert.Empty(t, m.requests)
}

func TestProgrammerCancelled(t *testing.T) {
	m := &mockExchanger{}
	p := bootloader.NewProgrammer(m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Program(ctx, []byte{1}, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.requests)
}

func TestReturnCodeString(t *testing.T) {
	tests := []struct {
		rc   bootloader.ReturnCode
		want string
	}{
		{bootloader.ReturnOK, "ok"},
		{bootloader.ReturnUnknown, "unknown command"},
		{bootloader.ReturnBadParam, "bad parameter"},
		{bootloader.ReturnBusy, "busy"},
		{bootloader.ReturnFailed, "failed"},
		{bootloader.ReturnCode(0x99), "rc(0x99)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.rc.String())
	}
}
