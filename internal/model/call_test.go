package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    CallStatus
		event   CallEvent
		want    CallStatus
		wantErr bool
	}{
		{"initiate", CallStatusIdle, CallEventInitiate, CallStatusRinging, false},
		{"accept", CallStatusRinging, CallEventAccept, CallStatusAccepted, false},
		{"activate", CallStatusAccepted, CallEventActivate, CallStatusActive, false},
		{"reject", CallStatusRinging, CallEventReject, CallStatusRejected, false},
		{"caller cancels while ringing", CallStatusRinging, CallEventEnd, CallStatusEnded, false},
		{"hangup", CallStatusActive, CallEventEnd, CallStatusEnded, false},
		{"ice failure", CallStatusActive, CallEventFail, CallStatusEnded, false},
		{"missed", CallStatusRinging, CallEventExpire, CallStatusEnded, false},
		{"accept after end", CallStatusEnded, CallEventAccept, CallStatusEnded, true},
		{"end after reject", CallStatusRejected, CallEventEnd, CallStatusRejected, true},
		{"reject active", CallStatusActive, CallEventReject, CallStatusActive, true},
		{"re-ring active", CallStatusActive, CallEventInitiate, CallStatusActive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Transition(tt.event)
			if tt.wantErr {
				var invalid *ErrInvalidTransition
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, tt.from, invalid.From)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallStatusNeverMovesBackward(t *testing.T) {
	events := []CallEvent{
		CallEventInitiate, CallEventAccept, CallEventActivate, CallEventReject,
		CallEventEnd, CallEventFail, CallEventExpire,
	}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 500; run++ {
		status := CallStatusIdle
		for step := 0; step < 12; step++ {
			next, err := status.Transition(events[rng.Intn(len(events))])
			if status.Terminal() {
				assert.Error(t, err)
			}
			assert.GreaterOrEqual(t, next.rank(), status.rank())
			status = next
		}
	}
}

func TestSourcesFor(t *testing.T) {
	assert.ElementsMatch(t, []CallStatus{CallStatusRinging, CallStatusAccepted, CallStatusActive}, SourcesFor(CallEventEnd))
	assert.Equal(t, []CallStatus{CallStatusRinging}, SourcesFor(CallEventAccept))
}

func TestRoleOf(t *testing.T) {
	call := &Call{CallerID: "u1", CalleeID: "u2"}

	assert.Equal(t, RoleCaller, call.RoleOf("u1"))
	assert.Equal(t, RoleCallee, call.RoleOf("u2"))
	assert.Equal(t, PeerRole(""), call.RoleOf("u3"))
	assert.Equal(t, "u2", call.PeerOf("u1"))
}

// rank orders statuses along the lifecycle; transitions never decrease it.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusIdle:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusAccepted:
		return 2
	case CallStatusActive:
		return 3
	case CallStatusRejected, CallStatusEnded:
		return 4
	}
	return -1
}
