// Package notify hands new-message and incoming-call notifications to the
// push delivery pipeline. Delivery is best effort and never blocks callers.
package notify

import (
	"context"
	"time"
)

// Kind names what a notification is about.
type Kind string

const (
	KindNewMessage   Kind = "new_message"
	KindIncomingCall Kind = "incoming_call"
	KindMissedCall   Kind = "missed_call"
)

// Notification is the payload published for the push pipeline.
type Notification struct {
	Kind           Kind      `json:"kind"`
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	CallID         string    `json:"call_id,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notifier accepts notifications without waiting for delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}
