package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/notify"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/presence"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store/storetest"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

var noRetry = service.RetryPolicy{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note notify.Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, note)
	n.mu.Unlock()
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Kind
	}
	return out
}

type harness struct {
	db            *gorm.DB
	conversations *store.ConversationRepository
	participants  *store.ParticipantStore
	messages      *store.MessageRepository
	calls         *store.CallRepository
	bus           *eventbus.Local
	presence      *presence.Memory
	notifier      *recordingNotifier
	clock         *clock

	resolver *service.ConversationService
	msgs     *service.MessageService
	callSvc  *service.CallService
}

func newHarness(t *testing.T, atomic bool) *harness {
	t.Helper()
	db := storetest.Open(t)
	h := &harness{
		db:            db,
		conversations: store.NewConversationRepository(db),
		participants:  store.NewParticipantStore(db),
		messages:      store.NewMessageRepository(db),
		calls:         store.NewCallRepository(db),
		bus:           eventbus.NewLocal(),
		presence:      presence.NewMemory(time.Hour),
		notifier:      &recordingNotifier{},
		clock:         newClock(),
	}
	log := logger.NewNop()
	auth := middleware.Authenticator{}

	h.resolver = service.NewConversationService(h.conversations, h.participants, h.messages,
		store.NewListingRepository(db), auth,
		service.ConversationOptions{Atomic: atomic, Retry: noRetry}, log)
	h.msgs = service.NewMessageService(h.conversations, h.participants, h.messages, h.resolver,
		h.bus, h.notifier, auth,
		service.MessageOptions{EditWindow: time.Hour, Retry: noRetry, Now: h.clock.Now}, log)
	h.callSvc = service.NewCallService(h.calls, h.participants, h.presence, h.bus, h.notifier, auth,
		service.CallOptions{RingTimeout: 30 * time.Second, Retry: noRetry, Now: h.clock.Now}, log)
	return h
}

func as(userID string) context.Context {
	return middleware.WithUserID(context.Background(), userID)
}

func strPtr(s string) *string { return &s }

// conversation creates a conversation between a and b through the resolver.
func (h *harness) conversation(t *testing.T, listingID *string, a, b string) *model.Conversation {
	t.Helper()
	conv, err := h.resolver.FindOrCreate(as(a), listingID, b)
	require.NoError(t, err)
	return conv
}

type eventLog[T any] struct {
	mu     sync.Mutex
	events []T
}

func (l *eventLog[T]) add(e T) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]T(nil), l.events...)
}

func (l *eventLog[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func timeStep(i int) time.Duration {
	return time.Duration(i) * time.Second
}
