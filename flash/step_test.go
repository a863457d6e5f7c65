package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ardnew/flashboot/pkg"
)

func TestAdvance(t *testing.T) {
	data := []byte{0x11, 0x22, 0x33}

	tests := []struct {
		name     string
		m        machine
		status   byte
		maxPolls int
		wantStep step
		wantCmd  []byte
		wantDone bool
		wantOut  pkg.Outcome
		wantWP   wpChange
	}{
		{
			name:     "read completes",
			m:        machine{step: stepRead},
			wantStep: stepIdle,
			wantDone: true,
			wantOut:  pkg.OutcomeOK,
		},
		{
			name:     "ewsr then wrsr",
			m:        machine{step: stepUnlockEnable},
			wantStep: stepUnlockWrite,
			wantCmd:  []byte{OpWriteStatusRegister, 0x00},
		},
		{
			name:     "wrsr then verify",
			m:        machine{step: stepUnlockWrite},
			wantStep: stepUnlockVerify,
			wantCmd:  []byte{OpReadStatus},
		},
		{
			name:     "verify clear",
			m:        machine{step: stepUnlockVerify, sector: 1, data: data},
			wantStep: stepEraseEnable,
			wantCmd:  []byte{OpWriteEnable},
			wantWP:   wpAssert,
		},
		{
			name:     "verify still protected",
			m:        machine{step: stepUnlockVerify, sector: 1, data: data},
			status:   StatusBlockProtect0,
			wantStep: stepIdle,
			wantDone: true,
			wantOut:  pkg.OutcomeFault,
			wantWP:   wpAssert,
		},
		{
			name:     "erase addresses sector",
			m:        machine{step: stepEraseEnable, sector: 3},
			wantStep: stepEraseSector,
			wantCmd:  []byte{OpSectorErase, 0x00, 0x30, 0x00},
		},
		{
			name:     "erase busy repolls",
			m:        machine{step: stepErasePoll, data: data},
			status:   StatusBusy,
			wantStep: stepErasePoll,
			wantCmd:  []byte{OpReadStatus},
		},
		{
			name:     "erase busy bounded",
			m:        machine{step: stepErasePoll, data: data, polls: 1},
			status:   StatusBusy,
			maxPolls: 2,
			wantStep: stepIdle,
			wantDone: true,
			wantOut:  pkg.OutcomeFault,
		},
		{
			name:     "erase done with nothing to program",
			m:        machine{step: stepErasePoll},
			wantStep: stepIdle,
			wantDone: true,
			wantOut:  pkg.OutcomeOK,
		},
		{
			name:     "erase done",
			m:        machine{step: stepErasePoll, data: data},
			wantStep: stepProgramEnable,
			wantCmd:  []byte{OpWriteEnable},
		},
		{
			name:     "first aai carries address",
			m:        machine{step: stepProgramEnable, sector: 2, data: data},
			wantStep: stepProgramWord,
			wantCmd:  []byte{OpAutoIncrementProgram, 0x00, 0x20, 0x00, 0x11, 0x22},
		},
		{
			name:     "next aai pads odd tail",
			m:        machine{step: stepProgramPoll, data: data},
			wantStep: stepProgramWord,
			wantCmd:  []byte{OpAutoIncrementProgram, 0x33, ErasedByte},
		},
		{
			name:     "last aai then wrdi",
			m:        machine{step: stepProgramPoll, data: data, written: 2},
			wantStep: stepProgramDisable,
			wantCmd:  []byte{OpWriteDisable},
		},
		{
			name:     "wrdi completes",
			m:        machine{step: stepProgramDisable, unlocked: true},
			wantStep: stepIdle,
			wantDone: true,
			wantOut:  pkg.OutcomeOK,
		},
		{
			name:     "idle ignores completion",
			m:        machine{},
			wantStep: stepIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, e := advance(tt.m, tt.status, tt.maxPolls)
			assert.Equal(t, tt.wantStep, got.step, "step = %s", got.step)
			assert.Equal(t, tt.wantCmd != nil, e.issue)
			if tt.wantCmd != nil {
				assert.Equal(t, tt.wantCmd, e.cmd.Bytes())
			}
			assert.Equal(t, tt.wantDone, e.done)
			if tt.wantDone {
				assert.Equal(t, tt.wantOut, e.outcome)
			}
			assert.Equal(t, tt.wantWP, e.wp)
		})
	}
}

func TestFinishKeepsUnlock(t *testing.T) {
	m := machine{step: stepRead, unlocked: true, sector: 5, data: []byte{1}}
	got, _ := advance(m, 0, 0)
	assert.Equal(t, machine{unlocked: true}, got)
}

func TestFinishRejected(t *testing.T) {
	m := machine{step: stepEraseSector, unlocked: true, sector: 2, data: []byte{1, 2}, polls: 3}
	got, e := m.finish(pkg.OutcomeRejected)
	assert.Equal(t, machine{unlocked: true}, got)
	assert.True(t, e.done)
	assert.False(t, e.issue)
	assert.ErrorIs(t, e.outcome.Error(), pkg.ErrQueueRejected)
}

func TestBeginWrite(t *testing.T) {
	m, e := machine{}.beginWrite(1, []byte{1, 2})
	assert.Equal(t, stepUnlockEnable, m.step)
	assert.Equal(t, []byte{OpEnableWriteStatusRegister}, e.cmd.Bytes())
	assert.Equal(t, wpDeassert, e.wp)

	m, e = machine{unlocked: true}.beginWrite(1, []byte{1, 2})
	assert.Equal(t, stepEraseEnable, m.step)
	assert.Equal(t, []byte{OpWriteEnable}, e.cmd.Bytes())
	assert.Equal(t, wpNone, e.wp)
}

func TestStepAction(t *testing.T) {
	tests := []struct {
		s    step
		want Action
	}{
		{stepIdle, ActionIdle},
		{stepRead, ActionRead},
		{stepUnlockVerify, ActionUnlock},
		{stepErasePoll, ActionErase},
		{stepProgramPoll, ActionWrite},
		{stepProgramDisable, ActionWrite},
		{stepStatus, ActionStatusRead},
		{stepStatus1, ActionStatusRead1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.action(), tt.s.String())
	}
	assert.Equal(t, "Erase", ActionErase.String())
	assert.Equal(t, "Unknown Action (99)", Action(99).String())
}
