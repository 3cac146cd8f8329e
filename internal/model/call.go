package model

import (
	"fmt"
	"time"
)

// CallStatus is the lifecycle state of a call record.
type CallStatus string

const (
	CallStatusIdle     CallStatus = "idle"
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusRejected CallStatus = "rejected"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
)

// CallEvent drives a call status transition.
type CallEvent string

const (
	CallEventInitiate CallEvent = "initiate"
	CallEventAccept   CallEvent = "accept"
	CallEventActivate CallEvent = "activate"
	CallEventReject   CallEvent = "reject"
	CallEventEnd      CallEvent = "end"
	CallEventFail     CallEvent = "fail"
	CallEventExpire   CallEvent = "expire"
)

// ErrInvalidTransition is returned for events the current status does not accept.
type ErrInvalidTransition struct {
	From  CallStatus
	Event CallEvent
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("call in status %s cannot handle %s", e.From, e.Event)
}

var callTransitions = map[CallStatus]map[CallEvent]CallStatus{
	CallStatusIdle: {
		CallEventInitiate: CallStatusRinging,
	},
	CallStatusRinging: {
		CallEventAccept: CallStatusAccepted,
		CallEventReject: CallStatusRejected,
		CallEventEnd:    CallStatusEnded,
		CallEventExpire: CallStatusEnded,
	},
	CallStatusAccepted: {
		CallEventActivate: CallStatusActive,
		CallEventEnd:      CallStatusEnded,
		CallEventFail:     CallStatusEnded,
	},
	CallStatusActive: {
		CallEventEnd:  CallStatusEnded,
		CallEventFail: CallStatusEnded,
	},
}

// Transition returns the status reached by applying event to s.
// Terminal statuses reject every event.
func (s CallStatus) Transition(event CallEvent) (CallStatus, error) {
	if next, ok := callTransitions[s][event]; ok {
		return next, nil
	}
	return s, &ErrInvalidTransition{From: s, Event: event}
}

// Terminal reports whether no further transition is possible.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected
}

// SourcesFor lists the statuses from which event is accepted. Used to build
// conditional updates.
func SourcesFor(event CallEvent) []CallStatus {
	var out []CallStatus
	for _, from := range []CallStatus{CallStatusIdle, CallStatusRinging, CallStatusAccepted, CallStatusActive} {
		if _, ok := callTransitions[from][event]; ok {
			out = append(out, from)
		}
	}
	return out
}

// MediaKind distinguishes voice-only from audio/video calls.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// EndReason records why a call reached a terminal status.
type EndReason string

const (
	EndReasonHangup   EndReason = "hangup"
	EndReasonRejected EndReason = "rejected"
	EndReasonFailed   EndReason = "failed"
	EndReasonMissed   EndReason = "missed"
)

// Call is the persisted state of one call attempt.
type Call struct {
	ID             string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	ConversationID string     `gorm:"column:conversation_id;size:36;index" json:"conversation_id"`
	CallerID       string     `gorm:"column:caller_id;size:64;index" json:"caller_id"`
	CalleeID       string     `gorm:"column:callee_id;size:64;index" json:"callee_id"`
	Media          MediaKind  `gorm:"column:media;size:8" json:"media"`
	Status         CallStatus `gorm:"column:status;size:16;index" json:"status"`
	EndReason      EndReason  `gorm:"column:end_reason;size:16" json:"end_reason,omitempty"`
	Offer          string     `gorm:"column:offer;type:text" json:"-"`
	Answer         string     `gorm:"column:answer;type:text" json:"-"`
	CreatedAt      time.Time  `gorm:"column:created_at;index" json:"created_at"`
	AcceptedAt     *time.Time `gorm:"column:accepted_at" json:"accepted_at,omitempty"`
	EndedAt        *time.Time `gorm:"column:ended_at" json:"ended_at,omitempty"`
}

func (Call) TableName() string {
	return "calls"
}

// RoleOf returns the role userID plays in the call, or "" for third parties.
func (c *Call) RoleOf(userID string) PeerRole {
	switch userID {
	case c.CallerID:
		return RoleCaller
	case c.CalleeID:
		return RoleCallee
	}
	return ""
}

// PeerOf returns the other party's user id.
func (c *Call) PeerOf(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// PeerRole tags signaling payloads with their author's side of the call.
type PeerRole string

const (
	RoleCaller PeerRole = "caller"
	RoleCallee PeerRole = "callee"
)

// SignalKind is the type of an opaque signaling payload.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice_candidate"
)

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalICECandidate
}

// Signal is a relayed session-description or ICE payload. Payload is passed
// through unmodified.
type Signal struct {
	CallID  string     `json:"call_id"`
	From    PeerRole   `json:"from"`
	Kind    SignalKind `json:"kind"`
	Payload string     `json:"payload"`
	SentAt  time.Time  `json:"sent_at"`
}

// StartCallRequest is the request to initiate a call.
type StartCallRequest struct {
	ConversationID string    `json:"conversation_id" validate:"required,uuid"`
	CalleeID       string    `json:"callee_id" validate:"required,max=64"`
	Media          MediaKind `json:"media" validate:"omitempty,oneof=audio video"`
	Offer          string    `json:"offer,omitempty"`
}

// EndCallRequest is the request to end a call.
type EndCallRequest struct {
	Reason EndReason `json:"reason,omitempty" validate:"omitempty,oneof=hangup failed"`
}

// SendSignalRequest is the request to relay a signaling payload.
type SendSignalRequest struct {
	Kind    SignalKind `json:"kind" validate:"required,oneof=offer answer ice_candidate"`
	Payload string     `json:"payload" validate:"required"`
}
