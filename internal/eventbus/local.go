package eventbus

import (
	"context"
	"sync"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// Local is an in-process Feed and Relay. Each subscriber owns a queue drained
// by its own goroutine, so a slow subscriber never blocks publishers or its
// peers while still observing publish order.
type Local struct {
	mu     sync.Mutex
	topics map[string]map[uint64]*subscriber
	seq    map[string]uint64
	nextID uint64
}

// NewLocal creates an empty in-process bus.
func NewLocal() *Local {
	return &Local{
		topics: make(map[string]map[uint64]*subscriber),
		seq:    make(map[string]uint64),
	}
}

func convTopic(id string) string { return "conv." + id }
func userTopic(id string) string { return "user." + id }

// Publish assigns the next per-conversation sequence and enqueues the event
// for every current subscriber.
func (b *Local) Publish(ctx context.Context, event *model.ConversationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := convTopic(event.ConversationID)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[topic]++
	event.Sequence = b.seq[topic]
	b.enqueueLocked(topic, *event)
	return nil
}

// Subscribe registers fn for one conversation.
func (b *Local) Subscribe(ctx context.Context, conversationID string, fn ConversationHandler) (Subscription, error) {
	return b.subscribe(ctx, convTopic(conversationID), func(v any) { fn(v.(model.ConversationEvent)) })
}

// PublishUser enqueues an event for every endpoint of userID.
func (b *Local) PublishUser(ctx context.Context, userID string, event *model.UserEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(userTopic(userID), *event)
	return nil
}

// SubscribeUser registers fn for events addressed to userID.
func (b *Local) SubscribeUser(ctx context.Context, userID string, fn UserHandler) (Subscription, error) {
	return b.subscribe(ctx, userTopic(userID), func(v any) { fn(v.(model.UserEvent)) })
}

// Subscribers returns the number of live subscribers on a conversation.
func (b *Local) Subscribers(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[convTopic(conversationID)])
}

func (b *Local) enqueueLocked(topic string, v any) {
	for _, s := range b.topics[topic] {
		s.push(v)
	}
}

func (b *Local) subscribe(ctx context.Context, topic string, deliver func(any)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSubscriber(deliver)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*subscriber)
	}
	b.topics[topic][id] = s
	b.mu.Unlock()

	sub := &localSubscription{bus: b, topic: topic, id: id, sub: s}
	stop := context.AfterFunc(ctx, func() { sub.Close() })
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	go s.run()
	return sub, nil
}

func (b *Local) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[topic], id)
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

type localSubscription struct {
	bus   *Local
	topic string
	id    uint64
	sub   *subscriber
	once  sync.Once

	mu   sync.Mutex
	stop func() bool
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		if s.stop != nil {
			s.stop()
		}
		s.mu.Unlock()
		s.bus.remove(s.topic, s.id)
		s.sub.close()
	})
	return nil
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	closed  bool
	deliver func(any)
}

func newSubscriber(deliver func(any)) *subscriber {
	s := &subscriber{deliver: deliver}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(v any) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(v)
	}
}
