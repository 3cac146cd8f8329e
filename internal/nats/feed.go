package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

const (
	// StreamName is the JetStream stream holding conversation change events.
	StreamName = "CHAT"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "chat"
)

// ConversationSubject returns the subject carrying one conversation's events.
func ConversationSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, conversationID)
}

// Feed is a JetStream-backed eventbus.Feed. Each subscription is an ordered
// consumer filtered to one conversation, so delivery follows stream order.
type Feed struct {
	client *Client
	logger *logger.Logger
}

// NewFeed creates a Feed.
func NewFeed(client *Client, log *logger.Logger) *Feed {
	return &Feed{client: client, logger: log.Named("feed")}
}

// EnsureStream ensures the change-feed stream exists with proper configuration.
func (f *Feed) EnsureStream(ctx context.Context) error {
	js := f.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Conversation change feed for realtime subscribers",
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish appends event to the conversation subject. The event id doubles as
// the JetStream dedup id, so a retried publish is stored once.
func (f *Feed) Publish(ctx context.Context, event *model.ConversationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := f.client.JetStream().Publish(ctx, ConversationSubject(event.ConversationID), data,
		jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence
	return nil
}

// Subscribe delivers events published after the call, in stream order.
func (f *Feed) Subscribe(ctx context.Context, conversationID string, fn eventbus.ConversationHandler) (eventbus.Subscription, error) {
	consumer, err := f.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ConversationSubject(conversationID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			f.logger.Warn("dropping undecodable event",
				zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
		}
		fn(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return newStopper(ctx, cc.Stop), nil
}
