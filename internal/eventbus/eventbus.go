// Package eventbus defines the realtime fan-out contracts used by the services
// and an in-process implementation of them.
package eventbus

import (
	"context"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// Subscription is a live registration. Close is idempotent and discards
// anything not yet delivered.
type Subscription interface {
	Close() error
}

// ConversationHandler receives conversation events in commit order.
type ConversationHandler func(model.ConversationEvent)

// UserHandler receives events addressed to one user.
type UserHandler func(model.UserEvent)

// Feed is the per-conversation change feed backing message subscriptions.
type Feed interface {
	Publish(ctx context.Context, event *model.ConversationEvent) error
	Subscribe(ctx context.Context, conversationID string, fn ConversationHandler) (Subscription, error)
}

// Relay carries call lifecycle events and signaling payloads to a user's
// registered endpoints.
type Relay interface {
	PublishUser(ctx context.Context, userID string, event *model.UserEvent) error
	SubscribeUser(ctx context.Context, userID string, fn UserHandler) (Subscription, error)
}
