package agentsession

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore saves, reloads, lists and deletes sessions under rooms unique
// to this run, so it is safe against a shared backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	roomA, roomB := "store-a-"+suffix, "store-b-"+suffix
	t.Cleanup(func() {
		_ = store.Delete(context.Background(), roomA)
		_ = store.Delete(context.Background(), roomB)
	})

	_, err := store.Load(ctx, roomA)
	require.ErrorIs(t, err, ErrStoreNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := AgentSession{
		RoomName:       roomA,
		AgentIdentity:  "agent-" + suffix,
		Token:          "secret",
		TokenExpiresAt: now.Add(10 * time.Minute),
		Status:         StatusPending,
		Metadata:       Metadata{Instructions: "be brief", VoiceProfile: "alloy"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.Save(ctx, sess))
	require.NoError(t, store.Save(ctx, AgentSession{RoomName: roomB, AgentIdentity: "agent-b", Status: StatusActive, CreatedAt: now, UpdatedAt: now, TokenExpiresAt: now}))

	got, err := store.Load(ctx, roomA)
	require.NoError(t, err)
	assert.Equal(t, sess.AgentIdentity, got.AgentIdentity)
	assert.Equal(t, sess.Token, got.Token)
	assert.Equal(t, sess.Status, got.Status)
	assert.Equal(t, sess.Metadata, got.Metadata)
	assert.True(t, sess.TokenExpiresAt.Equal(got.TokenExpiresAt), "token expiry %v, want %v", got.TokenExpiresAt, sess.TokenExpiresAt)
	assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))

	// Save overwrites the room's record.
	sess.Status = StatusDisconnected
	sess.Token = ""
	require.NoError(t, store.Save(ctx, sess))
	got, err = store.Load(ctx, roomA)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.Empty(t, got.Token)

	all, err := store.List(ctx)
	require.NoError(t, err)
	rooms := make(map[string]Status)
	for _, s := range all {
		rooms[s.RoomName] = s.Status
	}
	assert.Equal(t, StatusDisconnected, rooms[roomA])
	assert.Equal(t, StatusActive, rooms[roomB])

	require.NoError(t, store.Delete(ctx, roomA))
	require.NoError(t, store.Delete(ctx, roomA))
	_, err = store.Load(ctx, roomA)
	require.ErrorIs(t, err, ErrStoreNotFound)
	all, err = store.List(ctx)
	require.NoError(t, err)
	for _, s := range all {
		require.NotEqual(t, roomA, s.RoomName, "deleted room still listed")
	}
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	url := os.Getenv("VOXROOM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VOXROOM_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := NewRedisStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)

	// An index entry without its document is dropped by List.
	orphan := fmt.Sprintf("store-orphan-%d", time.Now().UnixNano())
	require.NoError(t, store.client.SAdd(ctx, redisIndexKey, orphan).Err())
	all, err := store.List(ctx)
	require.NoError(t, err)
	for _, s := range all {
		require.NotEqual(t, orphan, s.RoomName)
	}
	member, err := store.client.SIsMember(ctx, redisIndexKey, orphan).Result()
	require.NoError(t, err)
	assert.False(t, member, "orphaned index entry kept")
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	url := os.Getenv("VOXROOM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("VOXROOM_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestNewStoreKinds(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, "", "", "")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, store)

	_, err = NewStore(ctx, "postgres", "", "")
	assert.Error(t, err)
	_, err = NewStore(ctx, "redis", "", "")
	assert.Error(t, err)
	_, err = NewStore(ctx, "etcd", "", "")
	assert.Error(t, err)
}
