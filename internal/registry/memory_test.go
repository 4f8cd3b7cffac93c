package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authhub/backend/internal/model"
)

func newSession(userID, deviceID, refreshToken string) model.DeviceSession {
	now := time.Now()
	return model.DeviceSession{
		UserID:         userID,
		DeviceID:       deviceID,
		DeviceType:     model.ChannelUsernamePassword,
		LoginTime:      now,
		LastActiveTime: now,
		RefreshToken:   refreshToken,
		Status:         model.SessionActive,
	}
}

func TestUpsertOverwritesSameDevice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Upsert(ctx, newSession("u1", "d1", "rt-1")))
	require.NoError(t, store.MarkLoggedOut(ctx, "u1", "d1"))
	require.NoError(t, store.Upsert(ctx, newSession("u1", "d1", "rt-2")))

	session, found, err := store.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.SessionActive, session.Status)
	require.Equal(t, "rt-2", session.RefreshToken)

	count, err := store.CountActive(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCountActiveIgnoresTerminalStates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Upsert(ctx, newSession("u1", "d1", "rt-1")))
	require.NoError(t, store.Upsert(ctx, newSession("u1", "d2", "rt-2")))
	require.NoError(t, store.Upsert(ctx, newSession("u1", "d3", "rt-3")))
	require.NoError(t, store.MarkKickedOut(ctx, "u1", "d2"))
	require.NoError(t, store.MarkLoggedOut(ctx, "u1", "d3"))

	count, err := store.CountActive(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestValidateRefreshBinding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, newSession("u1", "d1", "rt-1")))

	ok, err := store.ValidateRefreshBinding(ctx, "rt-1", "u1", "d1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ValidateRefreshBinding(ctx, "rt-other", "u1", "d1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.ValidateRefreshBinding(ctx, "rt-1", "u1", "d-missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.MarkKickedOut(ctx, "u1", "d1"))
	ok, err = store.ValidateRefreshBinding(ctx, "rt-1", "u1", "d1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRotateRefresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, newSession("u1", "d1", "rt-1")))

	at := time.Now().Add(time.Minute)
	rotated, err := store.RotateRefresh(ctx, "u1", "d1", "rt-1", "rt-2", at)
	require.NoError(t, err)
	require.True(t, rotated)

	session, _, err := store.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	require.Equal(t, "rt-2", session.RefreshToken)
	require.True(t, session.LastActiveTime.Equal(at))

	// The old token lost the race once rotated out.
	rotated, err = store.RotateRefresh(ctx, "u1", "d1", "rt-1", "rt-3", time.Now())
	require.NoError(t, err)
	require.False(t, rotated)

	require.NoError(t, store.MarkKickedOut(ctx, "u1", "d1"))
	rotated, err = store.RotateRefresh(ctx, "u1", "d1", "rt-2", "rt-3", time.Now())
	require.NoError(t, err)
	require.False(t, rotated)
}

func TestTouchAdvancesLastActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	session := newSession("u1", "d1", "rt-1")
	session.LastActiveTime = time.Now().Add(-time.Hour)
	require.NoError(t, store.Upsert(ctx, session))

	require.NoError(t, store.Touch(ctx, "u1", "d1"))

	got, _, err := store.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	require.True(t, got.LastActiveTime.After(session.LastActiveTime))
}

func TestRemoveAndRemoveAll(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, newSession("u1", "d1", "rt-1")))
	require.NoError(t, store.Upsert(ctx, newSession("u1", "d2", "rt-2")))

	require.NoError(t, store.Remove(ctx, "u1", "d1"))
	_, found, err := store.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.RemoveAll(ctx, "u1"))
	sessions, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, sessions)

	// Idempotent on already-removed records.
	require.NoError(t, store.Remove(ctx, "u1", "d1"))
	require.NoError(t, store.RemoveAll(ctx, "u1"))
}

func TestMarkOnMissingSessionIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.MarkKickedOut(ctx, "u1", "d1"))
	require.NoError(t, store.MarkLoggedOut(ctx, "u1", "d1"))
	require.NoError(t, store.Touch(ctx, "u1", "d1"))
}

func TestWithUserLockSerializes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inside := 0
	maxInside := 0
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = store.WithUserLock(ctx, "u1", func(ctx context.Context) error {
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				time.Sleep(time.Millisecond)
				inside--
				return nil
			})
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Equal(t, 1, maxInside)
}
