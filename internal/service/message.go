package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/notify"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/metrics"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/tracing"
)

// MessageOptions configures the messaging service.
type MessageOptions struct {
	EditWindow time.Duration
	Retry      RetryPolicy
	Now        func() time.Time
}

// MessageService sends, mutates and fans out conversation messages.
type MessageService struct {
	conversations *store.ConversationRepository
	participants  *store.ParticipantStore
	messages      *store.MessageRepository
	resolver      *ConversationService
	feed          eventbus.Feed
	notifier      notify.Notifier
	auth          Authenticator
	opts          MessageOptions
	logger        *logger.Logger
	tracer        trace.Tracer

	// locks orders insert+publish per conversation so every subscriber
	// observes commit order.
	locks keyedMutex
}

// NewMessageService creates a new message service.
func NewMessageService(
	conversations *store.ConversationRepository,
	participants *store.ParticipantStore,
	messages *store.MessageRepository,
	resolver *ConversationService,
	feed eventbus.Feed,
	notifier notify.Notifier,
	auth Authenticator,
	opts MessageOptions,
	log *logger.Logger,
) *MessageService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EditWindow <= 0 {
		opts.EditWindow = 60 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &MessageService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		resolver:      resolver,
		feed:          feed,
		notifier:      notifier,
		auth:          auth,
		opts:          opts,
		logger:        log.Named("messages"),
		tracer:        tracing.Tracer("service.messages"),
	}
}

// Send appends a message from senderID to the unique other participant.
// Supplying req.ID makes the call idempotent: a retry returns the stored
// message without writing or publishing it again.
func (s *MessageService) Send(ctx context.Context, conversationID, senderID string, req *model.SendMessageRequest) (*model.Message, error) {
	ctx, span := s.tracer.Start(ctx, "MessageService.Send",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if err := s.requireActor(ctx, senderID); err != nil {
		return nil, err
	}

	msgType := req.MessageType
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	if !msgType.Valid() {
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown message type")
	}
	if req.Content == "" && req.Attachment == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "message needs content or an attachment")
	}

	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	receiverID, err := s.resolveReceiver(ctx, conv, senderID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             req.ID,
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        req.Content,
		MessageType:    msgType,
		CreatedAt:      s.opts.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if a := req.Attachment; a != nil {
		msg.AttachmentURL = &a.URL
		if a.Name != "" {
			msg.AttachmentName = &a.Name
		}
		if a.Size > 0 {
			msg.AttachmentSize = &a.Size
		}
	}

	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	attempts := 0
	var inserted bool
	err = s.opts.Retry.retry(ctx, func() error {
		attempts++
		var err error
		inserted, err = s.messages.Insert(ctx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !inserted && attempts == 1 {
		// The id was already committed by an earlier call.
		if msg.ConversationID != conv.ID || msg.SenderID != senderID {
			return nil, apperr.New(apperr.KindConflict, "message id already used")
		}
		return msg, nil
	}

	s.updateCache(ctx, conv.ID, msg)
	s.publish(ctx, model.EventMessageCreated, msg, "")

	metrics.MessagesTotal.WithLabelValues(string(msg.MessageType)).Inc()
	s.notifier.Notify(ctx, notify.Notification{
		Kind:           notify.KindNewMessage,
		RecipientID:    receiverID,
		SenderID:       senderID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Preview:        snippetFor(msg),
		CreatedAt:      msg.CreatedAt,
	})

	return msg, nil
}

// resolveReceiver returns the unique participant other than senderID. A
// conversation missing its counterparty is repaired once; it never loops.
func (s *MessageService) resolveReceiver(ctx context.Context, conv *model.Conversation, senderID string) (string, error) {
	members, err := s.participants.List(ctx, conv.ID)
	if err != nil {
		return "", err
	}
	if !contains(members, senderID) {
		return "", apperr.New(apperr.KindUnauthorized, "sender is not a participant")
	}

	others := without(members, senderID)
	switch len(others) {
	case 1:
		return others[0], nil
	case 0:
		return s.resolver.repair(ctx, conv, senderID)
	default:
		return "", apperr.ErrUnrepairable.
			WithDetail("conversation_id", conv.ID).
			WithDetail("candidates", others)
	}
}

// updateCache refreshes the conversation's last-message cache. A failure
// leaves the message in place and flags the conversation for the reconciler.
func (s *MessageService) updateCache(ctx context.Context, conversationID string, msg *model.Message) {
	err := s.opts.Retry.retry(ctx, func() error {
		return s.conversations.UpdateLastMessage(ctx, conversationID, snippetFor(msg), msg.CreatedAt)
	})
	if err == nil {
		return
	}
	metrics.CacheUpdateFailures.Inc()
	s.logger.ForConversation(conversationID, msg.SenderID).Warn("conversation cache update failed",
		zap.String("message_id", msg.ID),
		zap.Error(err),
	)
	if err := s.conversations.MarkCacheStale(context.WithoutCancel(ctx), conversationID); err != nil {
		s.logger.Error("failed to flag stale conversation cache",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// refreshCache recomputes the cache from the log after an edit or delete.
func (s *MessageService) refreshCache(ctx context.Context, conversationID string) {
	if err := recomputeCache(ctx, s.conversations, s.messages, conversationID); err != nil {
		metrics.CacheUpdateFailures.Inc()
		_ = s.conversations.MarkCacheStale(context.WithoutCancel(ctx), conversationID)
	}
}

func recomputeCache(ctx context.Context, conversations *store.ConversationRepository, messages *store.MessageRepository, conversationID string) error {
	latest, err := messages.Latest(ctx, conversationID)
	if err != nil {
		return err
	}
	if latest == nil {
		return conversations.SetCache(ctx, conversationID, "", nil)
	}
	at := latest.CreatedAt
	return conversations.SetCache(ctx, conversationID, snippetFor(latest), &at)
}

func (s *MessageService) publish(ctx context.Context, typ model.EventType, msg *model.Message, readerID string) {
	event := &model.ConversationEvent{
		ConversationID: msg.ConversationID,
		Type:           typ,
		ReaderID:       readerID,
		CreatedAt:      s.opts.Now().UTC(),
	}
	if typ == model.EventMessageCreated {
		event.ID = fmt.Sprintf("%s:%s", typ, msg.ID)
	} else {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.ID != "" {
		redacted := msg.Redacted()
		event.Message = &redacted
	}

	if err := s.feed.Publish(ctx, event); err != nil {
		s.logger.ForConversation(msg.ConversationID, msg.SenderID).Error("failed to publish conversation event",
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}

// Subscribe registers onEvent for live events of a conversation the user
// participates in. The caller must Close the subscription; it is also
// released when ctx ends.
func (s *MessageService) Subscribe(ctx context.Context, conversationID, userID string, onEvent eventbus.ConversationHandler) (eventbus.Subscription, error) {
	if err := s.requireActor(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := s.conversations.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	sub, err := s.feed.Subscribe(ctx, conversationID, onEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return newTrackedSubscription(ctx, sub), nil
}

// MarkAsRead flips every unread message addressed to readerID. Repeated calls
// are no-ops.
func (s *MessageService) MarkAsRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if err := s.requireActor(ctx, readerID); err != nil {
		return 0, err
	}
	if _, err := s.conversations.Get(ctx, conversationID); err != nil {
		return 0, err
	}
	if err := s.requireMember(ctx, conversationID, readerID); err != nil {
		return 0, err
	}

	var n int64
	err := s.opts.Retry.retry(ctx, func() error {
		var err error
		n, err = s.messages.MarkRead(ctx, conversationID, readerID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, model.EventMessagesRead, &model.Message{ConversationID: conversationID}, readerID)
	}
	return n, nil
}

// Edit replaces the content of a message. Only the sender may edit, and only
// within the edit window measured from the stored creation time.
func (s *MessageService) Edit(ctx context.Context, conversationID, messageID, editorID, content string) (*model.Message, error) {
	if err := s.requireActor(ctx, editorID); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "content cannot be empty")
	}

	msg, err := s.ownedMessage(ctx, conversationID, messageID, editorID)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now().UTC()
	if now.Sub(msg.CreatedAt) > s.opts.EditWindow {
		return nil, apperr.ErrEditWindowExpired.WithDetail("created_at", msg.CreatedAt)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	ok, err := s.messages.UpdateContent(ctx, messageID, editorID, content, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindConflict, "message was deleted")
	}
	msg.Content = content
	msg.EditedAt = &now

	s.refreshCache(ctx, conversationID)
	s.publish(ctx, model.EventMessageUpdated, msg, "")
	return msg, nil
}

// Delete tombstones a message. Only the sender may delete.
func (s *MessageService) Delete(ctx context.Context, conversationID, messageID, actorID string) error {
	if err := s.requireActor(ctx, actorID); err != nil {
		return err
	}
	msg, err := s.ownedMessage(ctx, conversationID, messageID, actorID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	now := s.opts.Now().UTC()
	ok, err := s.messages.Tombstone(ctx, messageID, actorID, now)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindConflict, "message already deleted")
	}
	msg.DeletedAt = &now

	s.refreshCache(ctx, conversationID)
	s.publish(ctx, model.EventMessageDeleted, msg, "")
	return nil
}

// List pages through a conversation's history. Page.After doubles as the
// degraded polling path for clients that cannot hold a push subscription.
func (s *MessageService) List(ctx context.Context, conversationID, userID string, page store.Page) (*model.ListMessagesResponse, error) {
	if err := s.requireActor(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := s.conversations.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if page.Limit <= 0 {
		page.Limit = 50
	}
	if page.Limit > 100 {
		page.Limit = 100
	}

	msgs, hasMore, err := s.messages.List(ctx, conversationID, page)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i] = msgs[i].Redacted()
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ListMessagesResponse{Messages: msgs, HasMore: hasMore}, nil
}

func (s *MessageService) ownedMessage(ctx context.Context, conversationID, messageID, userID string) (*model.Message, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, apperr.New(apperr.KindNotFound, "message not found")
	}
	if msg.SenderID != userID {
		return nil, apperr.New(apperr.KindUnauthorized, "only the sender may change a message")
	}
	if msg.Tombstoned() {
		return nil, apperr.New(apperr.KindConflict, "message was deleted")
	}
	return msg, nil
}

// requireActor checks that the acting user is the authenticated one.
func (s *MessageService) requireActor(ctx context.Context, userID string) error {
	current, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	if current != userID {
		return apperr.New(apperr.KindUnauthorized, "cannot act on behalf of another user")
	}
	return nil
}

func (s *MessageService) requireMember(ctx context.Context, conversationID, userID string) error {
	member, err := s.participants.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return apperr.New(apperr.KindUnauthorized, "not a participant of this conversation")
	}
	return nil
}

// trackedSubscription keeps the active subscription gauge accurate however
// the subscription ends.
type trackedSubscription struct {
	inner  eventbus.Subscription
	once   sync.Once
	mu     sync.Mutex
	detach func() bool
}

func newTrackedSubscription(ctx context.Context, inner eventbus.Subscription) *trackedSubscription {
	metrics.SubscriptionsActive.Inc()
	t := &trackedSubscription{inner: inner}
	detach := context.AfterFunc(ctx, func() { t.Close() })
	t.mu.Lock()
	t.detach = detach
	t.mu.Unlock()
	return t
}

func (t *trackedSubscription) Close() error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		if t.detach != nil {
			t.detach()
		}
		t.mu.Unlock()
		err = t.inner.Close()
		metrics.SubscriptionsActive.Dec()
	})
	return err
}
