package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

// UserSubject returns the inbox subject for events addressed to a user.
func UserSubject(userID string) string {
	return fmt.Sprintf("user.%s.events", userID)
}

// Relay is an eventbus.Relay over core NATS. Signaling is ephemeral, so
// nothing is persisted: an endpoint that is not subscribed misses the event.
type Relay struct {
	client *Client
	logger *logger.Logger
}

// NewRelay creates a Relay.
func NewRelay(client *Client, log *logger.Logger) *Relay {
	return &Relay{client: client, logger: log.Named("relay")}
}

// PublishUser sends event to every endpoint subscribed for userID.
func (r *Relay) PublishUser(ctx context.Context, userID string, event *model.UserEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal user event: %w", err)
	}
	if err := r.client.Conn().Publish(UserSubject(userID), data); err != nil {
		return fmt.Errorf("failed to publish user event: %w", err)
	}
	return nil
}

// SubscribeUser registers fn for userID's inbox.
func (r *Relay) SubscribeUser(ctx context.Context, userID string, fn eventbus.UserHandler) (eventbus.Subscription, error) {
	sub, err := r.client.Conn().Subscribe(UserSubject(userID), func(msg *nats.Msg) {
		var event model.UserEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			r.logger.Warn("dropping undecodable user event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return newStopper(ctx, func() {
		_ = sub.Unsubscribe()
	}), nil
}

// stopper adapts a stop function into an eventbus.Subscription that is also
// released when ctx ends.
type stopper struct {
	once sync.Once
	fn   func()

	mu     sync.Mutex
	detach func() bool
}

func newStopper(ctx context.Context, fn func()) *stopper {
	s := &stopper{fn: fn}
	detach := context.AfterFunc(ctx, func() { s.Close() })
	s.mu.Lock()
	s.detach = detach
	s.mu.Unlock()
	return s
}

func (s *stopper) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		if s.detach != nil {
			s.detach()
		}
		s.mu.Unlock()
		s.fn()
	})
	return nil
}
