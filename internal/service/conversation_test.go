package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store/storetest"
)

func participantIDs(conv *model.Conversation) []string {
	out := make([]string, len(conv.Participants))
	for i, p := range conv.Participants {
		out[i] = p.UserID
	}
	return out
}

func TestFindOrCreate_ConcurrentCallersShareOneConversation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		atomic bool
	}{
		{"atomic", true},
		{"fallback", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.atomic)
			storetest.SeedListing(t, h.db, "L1", "owner-1", "Bike")

			const callers = 12
			ids := make([]string, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					// Half the callers come from each side of the pair.
					user, other := "buyer-1", "owner-1"
					if i%2 == 1 {
						user, other = other, user
					}
					conv, err := h.resolver.FindOrCreate(as(user), strPtr("L1"), other)
					if assert.NoError(t, err) {
						ids[i] = conv.ID
					}
				}(i)
			}
			wg.Wait()

			for _, id := range ids {
				assert.Equal(t, ids[0], id)
			}
			n := countConversations(t, h)
			assert.EqualValues(t, 1, n)

			members, err := h.participants.List(context.Background(), ids[0])
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"buyer-1", "owner-1"}, members)
		})
	}
}

func TestFindOrCreate_ReturnsHydratedConversation(t *testing.T) {
	h := newHarness(t, true)
	storetest.SeedListing(t, h.db, "L1", "owner-1", "Bike")

	conv := h.conversation(t, strPtr("L1"), "buyer-1", "owner-1")
	assert.ElementsMatch(t, []string{"buyer-1", "owner-1"}, participantIDs(conv))
	require.NotNil(t, conv.Listing)
	assert.Equal(t, "Bike", conv.Listing.Title)

	again := h.conversation(t, strPtr("L1"), "owner-1", "buyer-1")
	assert.Equal(t, conv.ID, again.ID)

	direct := h.conversation(t, nil, "buyer-1", "owner-1")
	assert.NotEqual(t, conv.ID, direct.ID)
	assert.Nil(t, direct.ListingID)
}

func TestFindOrCreate_RejectsBadInput(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.resolver.FindOrCreate(context.Background(), nil, "u2")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = h.resolver.FindOrCreate(as("u1"), nil, "u1")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = h.resolver.FindOrCreate(as("u1"), strPtr("missing"), "u2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFindOrCreate_FallbackReusesConversationWithOtherListing(t *testing.T) {
	h := newHarness(t, false)
	storetest.SeedListing(t, h.db, "L1", "owner-1", "Bike")
	storetest.SeedListing(t, h.db, "L2", "owner-1", "Lamp")

	first := h.conversation(t, strPtr("L1"), "buyer-1", "owner-1")
	second := h.conversation(t, strPtr("L2"), "buyer-1", "owner-1")
	assert.Equal(t, first.ID, second.ID)
}

func TestFindOrCreate_FallbackRollsBackWhenParticipantsFail(t *testing.T) {
	h := newHarness(t, false)

	err := h.db.Callback().Create().Before("gorm:create").Register("test:fail_participants", func(tx *gorm.DB) {
		if tx.Statement.Table == "conversation_participants" {
			_ = tx.AddError(errors.New("disk full"))
		}
	})
	require.NoError(t, err)

	_, err = h.resolver.FindOrCreate(as("u1"), nil, "u2")
	assert.ErrorIs(t, err, apperr.ErrTransient)

	n := countConversations(t, h)
	assert.Zero(t, n)
}

func TestFindOrCreate_AtomicFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, true)

	err := h.db.Callback().Create().Before("gorm:create").Register("test:fail_participants", func(tx *gorm.DB) {
		if tx.Statement.Table == "conversation_participants" {
			_ = tx.AddError(errors.New("disk full"))
		}
	})
	require.NoError(t, err)

	_, err = h.resolver.FindOrCreate(as("u1"), nil, "u2")
	assert.ErrorIs(t, err, apperr.ErrTransient)

	n := countConversations(t, h)
	assert.Zero(t, n)
}

func TestRepair_AddsListingOwner(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	storetest.SeedListing(t, h.db, "L1", "owner-1", "Bike")

	conv, err := h.conversations.Create(ctx, strPtr("L1"))
	require.NoError(t, err)
	require.NoError(t, h.participants.Add(ctx, conv.ID, "buyer-1"))

	added, err := h.resolver.Repair(as("buyer-1"), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", added)

	members, err := h.participants.List(ctx, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"buyer-1", "owner-1"}, members)
}

func TestRepair_UsesSoleOtherSender(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	conv, err := h.conversations.Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, h.participants.Add(ctx, conv.ID, "u1"))
	_, err = h.messages.Insert(ctx, &model.Message{
		ID: "m1", ConversationID: conv.ID, SenderID: "u2", ReceiverID: "u1",
		Content: "hi", MessageType: model.MessageTypeText, CreatedAt: h.clock.Now(),
	})
	require.NoError(t, err)

	added, err := h.resolver.Repair(as("u1"), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "u2", added)
}

func TestRepair_Unrepairable(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	t.Run("no candidates", func(t *testing.T) {
		conv, err := h.conversations.Create(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, h.participants.Add(ctx, conv.ID, "u1"))

		_, err = h.resolver.Repair(as("u1"), conv.ID)
		require.ErrorIs(t, err, apperr.ErrUnrepairable)
		assert.Equal(t, conv.ID, apperr.DetailOf(err)["conversation_id"])

		members, err := h.participants.List(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, members)
	})

	t.Run("ambiguous senders", func(t *testing.T) {
		conv, err := h.conversations.Create(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, h.participants.Add(ctx, conv.ID, "u1"))
		for i, sender := range []string{"u2", "u3"} {
			_, err := h.messages.Insert(ctx, &model.Message{
				ID: conv.ID + "-" + sender, ConversationID: conv.ID, SenderID: sender, ReceiverID: "u1",
				Content: "hi", MessageType: model.MessageTypeText, CreatedAt: h.clock.Now().Add(timeStep(i)),
			})
			require.NoError(t, err)
		}

		_, err = h.resolver.Repair(as("u1"), conv.ID)
		require.ErrorIs(t, err, apperr.ErrUnrepairable)
		assert.ElementsMatch(t, []string{"u2", "u3"}, apperr.DetailOf(err)["candidates"])
	})

	t.Run("outsider", func(t *testing.T) {
		conv, err := h.conversations.Create(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, h.participants.Add(ctx, conv.ID, "u1"))

		_, err = h.resolver.Repair(as("intruder"), conv.ID)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	})
}

func TestConversationGetAndList(t *testing.T) {
	h := newHarness(t, true)
	storetest.SeedListing(t, h.db, "L1", "owner-1", "Bike")

	withOwner := h.conversation(t, strPtr("L1"), "buyer-1", "owner-1")
	withFriend := h.conversation(t, nil, "buyer-1", "friend-1")

	_, err := h.msgs.Send(as("buyer-1"), withFriend.ID, "buyer-1", &model.SendMessageRequest{Content: "newest"})
	require.NoError(t, err)

	got, err := h.resolver.Get(as("owner-1"), withOwner.ID)
	require.NoError(t, err)
	assert.Equal(t, withOwner.ID, got.ID)

	_, err = h.resolver.Get(as("friend-1"), withOwner.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	resp, err := h.resolver.List(as("buyer-1"), 10, 0)
	require.NoError(t, err)
	require.Len(t, resp.Conversations, 2)
	assert.Equal(t, 2, resp.Total)
	assert.False(t, resp.HasMore)
	assert.Equal(t, withFriend.ID, resp.Conversations[0].ID)
	assert.Equal(t, "newest", resp.Conversations[0].LastMessage)
	require.NotNil(t, resp.Conversations[1].Listing)
	assert.Equal(t, "Bike", resp.Conversations[1].Listing.Title)

	page, err := h.resolver.List(as("buyer-1"), 1, 0)
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 1)
	assert.True(t, page.HasMore)
}

func countConversations(t *testing.T, h *harness) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&model.Conversation{}).Count(&n).Error)
	return n
}
