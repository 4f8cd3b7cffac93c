package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/model"
)

const (
	sessionKeyPrefix = "authhub:session:"
	deviceIndexKey   = "authhub:devices:"
	userLockKey      = "authhub:lock:"

	lockTTL       = 3 * time.Second
	lockRetryWait = 25 * time.Millisecond
	casRetries    = 3
)

// unlockScript deletes the lock only if still held by this owner.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore keeps one JSON session record per (userID, deviceID) key with
// a TTL aligned to the refresh-token lifetime, plus a per-user index set
// of device IDs. Per-key mutations run inside WATCH transactions.
type RedisStore struct {
	client     *redis.Client
	sessionTTL time.Duration
}

func NewRedisStore(client *redis.Client, sessionTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, sessionTTL: sessionTTL}
}

func sessionKey(userID, deviceID string) string {
	return sessionKeyPrefix + userID + ":" + deviceID
}

func wrapStoreErr(op string, err error) error {
	return autherr.Wrap(autherr.KindRegistryUnavailable, "session registry "+op+" failed", err)
}

func (s *RedisStore) Upsert(ctx context.Context, session model.DeviceSession) error {
	session.Status = model.SessionActive
	payload, err := json.Marshal(session)
	if err != nil {
		return wrapStoreErr("encode", err)
	}
	key := sessionKey(session.UserID, session.DeviceID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, s.sessionTTL)
	pipe.SAdd(ctx, deviceIndexKey+session.UserID, session.DeviceID)
	pipe.Expire(ctx, deviceIndexKey+session.UserID, s.sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStoreErr("upsert", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID, deviceID string) (*model.DeviceSession, bool, error) {
	raw, err := s.client.Get(ctx, sessionKey(userID, deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStoreErr("get", err)
	}
	var session model.DeviceSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, false, wrapStoreErr("decode", err)
	}
	return &session, true, nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]model.DeviceSession, error) {
	deviceIDs, err := s.client.SMembers(ctx, deviceIndexKey+userID).Result()
	if err != nil {
		return nil, wrapStoreErr("list", err)
	}
	sessions := make([]model.DeviceSession, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		session, found, err := s.Get(ctx, userID, deviceID)
		if err != nil {
			return nil, err
		}
		if !found {
			// Record expired under the index entry; drop the stale member.
			_ = s.client.SRem(ctx, deviceIndexKey+userID, deviceID).Err()
			continue
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

// mutate applies fn to the stored session under a WATCH transaction,
// keeping the record's remaining TTL. A missing record is a silent no-op.
func (s *RedisStore) mutate(ctx context.Context, userID, deviceID string, fn func(*model.DeviceSession) bool) (bool, error) {
	key := sessionKey(userID, deviceID)
	applied := false

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var session model.DeviceSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		if !fn(&session) {
			return nil
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, wrapStoreErr("update", err)
		}
		return applied, nil
	}
	return false, wrapStoreErr("update", redis.TxFailedErr)
}

func (s *RedisStore) MarkKickedOut(ctx context.Context, userID, deviceID string) error {
	_, err := s.mutate(ctx, userID, deviceID, func(session *model.DeviceSession) bool {
		session.Status = model.SessionKickedOut
		return true
	})
	return err
}

func (s *RedisStore) MarkLoggedOut(ctx context.Context, userID, deviceID string) error {
	_, err := s.mutate(ctx, userID, deviceID, func(session *model.DeviceSession) bool {
		session.Status = model.SessionLoggedOut
		return true
	})
	return err
}

func (s *RedisStore) Remove(ctx context.Context, userID, deviceID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(userID, deviceID))
	pipe.SRem(ctx, deviceIndexKey+userID, deviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStoreErr("remove", err)
	}
	return nil
}

func (s *RedisStore) RemoveAll(ctx context.Context, userID string) error {
	deviceIDs, err := s.client.SMembers(ctx, deviceIndexKey+userID).Result()
	if err != nil {
		return wrapStoreErr("remove-all", err)
	}
	pipe := s.client.TxPipeline()
	for _, deviceID := range deviceIDs {
		pipe.Del(ctx, sessionKey(userID, deviceID))
	}
	pipe.Del(ctx, deviceIndexKey+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStoreErr("remove-all", err)
	}
	return nil
}

func (s *RedisStore) CountActive(ctx context.Context, userID string) (int, error) {
	sessions, err := s.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, session := range sessions {
		if session.Status == model.SessionActive {
			count++
		}
	}
	return count, nil
}

func (s *RedisStore) ValidateRefreshBinding(ctx context.Context, refreshToken, userID, deviceID string) (bool, error) {
	session, found, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	if !found || session.Status != model.SessionActive {
		return false, nil
	}
	return session.RefreshToken == refreshToken, nil
}

func (s *RedisStore) RotateRefresh(ctx context.Context, userID, deviceID, oldToken, newToken string, at time.Time) (bool, error) {
	return s.mutate(ctx, userID, deviceID, func(session *model.DeviceSession) bool {
		if session.Status != model.SessionActive || session.RefreshToken != oldToken {
			return false
		}
		session.RefreshToken = newToken
		session.LastActiveTime = at
		return true
	})
}

func (s *RedisStore) Touch(ctx context.Context, userID, deviceID string) error {
	_, err := s.mutate(ctx, userID, deviceID, func(session *model.DeviceSession) bool {
		if session.Status != model.SessionActive {
			return false
		}
		session.LastActiveTime = time.Now()
		return true
	})
	return err
}

func (s *RedisStore) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	key := userLockKey + userID
	owner := uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, key, owner, lockTTL).Result()
		if err != nil {
			return wrapStoreErr("lock", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return wrapStoreErr("lock", fmt.Errorf("user %s: %w", userID, ctx.Err()))
		case <-time.After(lockRetryWait):
		}
	}
	defer func() {
		_ = unlockScript.Run(context.WithoutCancel(ctx), s.client, []string{key}, owner).Err()
	}()

	return fn(ctx)
}
