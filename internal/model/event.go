package model

import (
	"time"
)

// EventType names a realtime event pushed to subscribers.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
	EventMessagesRead   EventType = "message.read"

	EventCallIncoming EventType = "call.incoming"
	EventCallAccepted EventType = "call.accepted"
	EventCallRejected EventType = "call.rejected"
	EventCallEnded    EventType = "call.ended"
	EventCallSignal   EventType = "call.signal"
)

// ConversationEvent is delivered, in commit order, to subscribers of one conversation.
type ConversationEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Type           EventType `json:"type"`
	Message        *Message  `json:"message,omitempty"`
	ReaderID       string    `json:"reader_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Sequence       uint64    `json:"sequence,omitempty"`
}

// UserEvent is delivered to every relay endpoint a user has registered.
type UserEvent struct {
	Type   EventType `json:"type"`
	Call   *Call     `json:"call,omitempty"`
	Signal *Signal   `json:"signal,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// ErrorEvent represents an error pushed over a stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps idle streams alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// CommandType names a command sent by a relay endpoint over its WebSocket.
type CommandType string

const (
	CommandSignal CommandType = "signal"
	CommandAccept CommandType = "accept"
	CommandReject CommandType = "reject"
	CommandEnd    CommandType = "end"
)

// EventCommandError is the frame type used to report a rejected command.
const EventCommandError EventType = "error"

// RelayCommand is a call command sent by a relay endpoint.
type RelayCommand struct {
	Type    CommandType `json:"type"`
	CallID  string      `json:"call_id"`
	Kind    SignalKind  `json:"kind,omitempty"`
	Payload string      `json:"payload,omitempty"`
	Reason  EndReason   `json:"reason,omitempty"`
}

// CommandError reports a rejected command back to the endpoint that sent it.
type CommandError struct {
	Type    EventType `json:"type"`
	CallID  string    `json:"call_id,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}
