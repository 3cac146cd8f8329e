package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

type collector struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (c *collector) add(e model.ConversationEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []model.ConversationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ConversationEvent(nil), c.events...)
}

func TestLocal_DeliversInPublishOrder(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()

	var c collector
	sub, err := bus.Subscribe(ctx, "c1", c.add)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(ctx, &model.ConversationEvent{ID: fmt.Sprint(i), ConversationID: "c1"}))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 50 }, time.Second, 5*time.Millisecond)
	for i, e := range c.snapshot() {
		assert.Equal(t, fmt.Sprint(i), e.ID)
		assert.EqualValues(t, i+1, e.Sequence)
	}
}

func TestLocal_IsolatesConversations(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()

	var a, b collector
	subA, err := bus.Subscribe(ctx, "a", a.add)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bus.Subscribe(ctx, "b", b.add)
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, bus.Publish(ctx, &model.ConversationEvent{ID: "1", ConversationID: "a"}))

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.snapshot())
}

func TestLocal_SlowSubscriberDoesNotBlockPeers(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()

	release := make(chan struct{})
	slow, err := bus.Subscribe(ctx, "c1", func(model.ConversationEvent) { <-release })
	require.NoError(t, err)
	defer slow.Close()

	var fast collector
	sub, err := bus.Subscribe(ctx, "c1", fast.add)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, &model.ConversationEvent{ID: fmt.Sprint(i), ConversationID: "c1"}))
	}
	require.Eventually(t, func() bool { return len(fast.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestLocal_CloseStopsDelivery(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()

	var c collector
	sub, err := bus.Subscribe(ctx, "c1", c.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, bus.Subscribers("c1"))

	require.NoError(t, bus.Publish(ctx, &model.ConversationEvent{ID: "x", ConversationID: "c1"}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestLocal_ContextCancelReleasesSubscription(t *testing.T) {
	bus := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := bus.Subscribe(ctx, "c1", func(model.ConversationEvent) {})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("c1"))

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers("c1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocal_UserEvents(t *testing.T) {
	bus := NewLocal()
	ctx := context.Background()

	got := make(chan model.UserEvent, 1)
	sub, err := bus.SubscribeUser(ctx, "bob", func(e model.UserEvent) { got <- e })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.PublishUser(ctx, "alice", &model.UserEvent{Type: model.EventCallIncoming}))
	require.NoError(t, bus.PublishUser(ctx, "bob", &model.UserEvent{Type: model.EventCallAccepted}))

	select {
	case e := <-got:
		assert.Equal(t, model.EventCallAccepted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no user event delivered")
	}
}
