package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store/storetest"
)

func strPtr(s string) *string { return &s }

func TestPairKeyIgnoresUserOrder(t *testing.T) {
	assert.Equal(t, store.PairKey(strPtr("L1"), "alice", "bob"), store.PairKey(strPtr("L1"), "bob", "alice"))
	assert.Equal(t, "-:alice:bob", store.PairKey(nil, "bob", "alice"))
	assert.NotEqual(t, store.PairKey(strPtr("L1"), "alice", "bob"), store.PairKey(strPtr("L2"), "alice", "bob"))
}

func TestFindOrCreateAtomic_CreatesOnceThenFinds(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	parts := store.NewParticipantStore(db)
	ctx := context.Background()

	first, created, err := repo.FindOrCreateAtomic(ctx, strPtr("L1"), "buyer", "seller")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.FindOrCreateAtomic(ctx, strPtr("L1"), "seller", "buyer")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	members, err := parts.List(ctx, first.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"buyer", "seller"}, members)
}

func TestFindOrCreateAtomic_ConcurrentCallersConverge(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "buyer", "seller"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := repo.FindOrCreateAtomic(ctx, strPtr("L1"), a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestFindOrCreateAtomic_ListingScopesIdentity(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	ctx := context.Background()

	a, _, err := repo.FindOrCreateAtomic(ctx, strPtr("L1"), "buyer", "seller")
	require.NoError(t, err)
	b, _, err := repo.FindOrCreateAtomic(ctx, strPtr("L2"), "buyer", "seller")
	require.NoError(t, err)
	direct, _, err := repo.FindOrCreateAtomic(ctx, nil, "buyer", "seller")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, direct.ID)
	assert.Nil(t, direct.ListingID)
}

func TestClaimPairKey_FirstClaimWins(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	ctx := context.Background()

	c1, err := repo.Create(ctx, nil)
	require.NoError(t, err)
	c2, err := repo.Create(ctx, nil)
	require.NoError(t, err)

	key := store.PairKey(nil, "a", "b")
	owner, err := repo.ClaimPairKey(ctx, key, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, owner)

	owner, err = repo.ClaimPairKey(ctx, key, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, owner)
}

func TestFindShared(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	parts := store.NewParticipantStore(db)
	ctx := context.Background()

	conv, err := repo.Create(ctx, strPtr("L1"))
	require.NoError(t, err)
	require.NoError(t, parts.Add(ctx, conv.ID, "a", "b"))

	found, err := repo.FindShared(ctx, "a", "b", strPtr("L1"), true)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, conv.ID, found.ID)

	none, err := repo.FindShared(ctx, "a", "b", strPtr("L9"), true)
	require.NoError(t, err)
	assert.Nil(t, none)

	loose, err := repo.FindShared(ctx, "b", "a", nil, false)
	require.NoError(t, err)
	require.NotNil(t, loose)

	stranger, err := repo.FindShared(ctx, "a", "c", nil, false)
	require.NoError(t, err)
	assert.Nil(t, stranger)
}

func TestGet_NotFound(t *testing.T) {
	repo := store.NewConversationRepository(storetest.Open(t))
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateLastMessage_NeverMovesBackwards(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	ctx := context.Background()

	conv, err := repo.Create(ctx, nil)
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateLastMessage(ctx, conv.ID, "newer", t0.Add(time.Minute)))
	require.NoError(t, repo.UpdateLastMessage(ctx, conv.ID, "older", t0))

	got, err := repo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.LastMessage)
	require.NotNil(t, got.LastMessageTime)
	assert.True(t, got.LastMessageTime.Equal(t0.Add(time.Minute)))
}

func TestListForUser_OrdersByActivity(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	parts := store.NewParticipantStore(db)
	ctx := context.Background()

	quiet, err := repo.Create(ctx, nil)
	require.NoError(t, err)
	older, err := repo.Create(ctx, strPtr("L1"))
	require.NoError(t, err)
	newer, err := repo.Create(ctx, strPtr("L2"))
	require.NoError(t, err)
	other, err := repo.Create(ctx, strPtr("L3"))
	require.NoError(t, err)

	for _, c := range []string{quiet.ID, older.ID, newer.ID} {
		require.NoError(t, parts.Add(ctx, c, "me", "you"))
	}
	require.NoError(t, parts.Add(ctx, other.ID, "x", "y"))

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateLastMessage(ctx, older.ID, "hi", t0))
	require.NoError(t, repo.UpdateLastMessage(ctx, newer.ID, "hey", t0.Add(time.Hour)))

	convs, total, err := repo.ListForUser(ctx, "me", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, convs, 3)
	assert.Equal(t, newer.ID, convs[0].ID)
	assert.Equal(t, older.ID, convs[1].ID)
	assert.Equal(t, quiet.ID, convs[2].ID)

	page, total, err := repo.ListForUser(ctx, "me", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)
}

func TestStaleCacheRoundTrip(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	ctx := context.Background()

	conv, err := repo.Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.MarkCacheStale(ctx, conv.ID))

	stale, err := repo.ListStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{conv.ID}, stale)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetCache(ctx, conv.ID, "fixed", &at))

	stale, err = repo.ListStale(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestDelete_RemovesMembershipAndKey(t *testing.T) {
	db := storetest.Open(t)
	repo := store.NewConversationRepository(db)
	parts := store.NewParticipantStore(db)
	ctx := context.Background()

	conv, _, err := repo.FindOrCreateAtomic(ctx, nil, "a", "b")
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, conv.ID))

	members, err := parts.List(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	again, created, err := repo.FindOrCreateAtomic(ctx, nil, "a", "b")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, conv.ID, again.ID)
}
