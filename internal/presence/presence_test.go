package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RegisterAndUnregister(t *testing.T) {
	ctx := context.Background()
	reg := NewMemory(time.Minute)

	online, err := reg.Online(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, reg.Register(ctx, "bob", "ws-1"))
	require.NoError(t, reg.Register(ctx, "bob", "ws-2"))
	online, _ = reg.Online(ctx, "bob")
	assert.True(t, online)

	require.NoError(t, reg.Unregister(ctx, "bob", "ws-1"))
	online, _ = reg.Online(ctx, "bob")
	assert.True(t, online)

	require.NoError(t, reg.Unregister(ctx, "bob", "ws-2"))
	online, _ = reg.Online(ctx, "bob")
	assert.False(t, online)
}

func TestMemory_EntriesExpireWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewMemory(30 * time.Second).WithClock(func() time.Time { return now })

	require.NoError(t, reg.Register(ctx, "bob", "ws-1"))

	now = now.Add(20 * time.Second)
	require.NoError(t, reg.Refresh(ctx, "bob", "ws-1"))

	now = now.Add(20 * time.Second)
	online, _ := reg.Online(ctx, "bob")
	assert.True(t, online)

	now = now.Add(time.Minute)
	online, _ = reg.Online(ctx, "bob")
	assert.False(t, online)
}

func TestRedis_KeyLayout(t *testing.T) {
	assert.Equal(t, "saha:presence:bob", NewRedis(nil, "saha", time.Minute).key("bob"))
	assert.Equal(t, "saha:presence:bob", NewRedis(nil, "saha:", time.Minute).key("bob"))
}
