package pkg

import (
	"errors"
	"testing"
)

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeOK, "ok"},
		{OutcomeRejected, "rejected"},
		{OutcomeFault, "fault"},
		{Outcome(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.outcome.String(); got != tt.want {
				t.Errorf("Outcome.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutcome_Error(t *testing.T) {
	tests := []struct {
		outcome Outcome
		wantErr error
	}{
		{OutcomeOK, nil},
		{OutcomeRejected, ErrQueueRejected},
		{OutcomeFault, ErrProtocolFault},
	}

	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			err := tt.outcome.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Outcome.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Outcome.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{
		ErrBusy,
		ErrOutOfRange,
		ErrQueueRejected,
		ErrProtocolFault,
		ErrNotConfigured,
		ErrInvalidRequest,
		ErrSetupPacketTooShort,
		ErrFrameTooShort,
		ErrBadMarker,
		ErrBufferTooSmall,
		ErrNotReady,
		ErrStall,
		ErrTimeout,
		ErrUnknownBootOption,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrBusy, "operation in progress"},
		{ErrOutOfRange, "sector or size out of range"},
		{ErrQueueRejected, "transaction queue rejected transfer"},
		{ErrBadMarker, "bad frame marker"},
		{ErrStall, "control request stalled"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("error.Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}
