package registry

import (
	"context"
	"sync"
	"time"

	"github.com/authhub/backend/internal/model"
)

// MemoryStore is a mutex-guarded in-process Store, used in tests and as a
// single-node dev fallback. No TTL reclamation; records live until removed.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]map[string]*model.DeviceSession
	userLocks map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]map[string]*model.DeviceSession),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, session model.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.Status = model.SessionActive
	byDevice := s.sessions[session.UserID]
	if byDevice == nil {
		byDevice = make(map[string]*model.DeviceSession)
		s.sessions[session.UserID] = byDevice
	}
	copied := session
	byDevice[session.DeviceID] = &copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, deviceID string) (*model.DeviceSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[userID][deviceID]
	if !ok {
		return nil, false, nil
	}
	copied := *session
	return &copied, true, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]model.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDevice := s.sessions[userID]
	sessions := make([]model.DeviceSession, 0, len(byDevice))
	for _, session := range byDevice {
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

func (s *MemoryStore) MarkKickedOut(ctx context.Context, userID, deviceID string) error {
	return s.setStatus(userID, deviceID, model.SessionKickedOut)
}

func (s *MemoryStore) MarkLoggedOut(ctx context.Context, userID, deviceID string) error {
	return s.setStatus(userID, deviceID, model.SessionLoggedOut)
}

func (s *MemoryStore) setStatus(userID, deviceID string, status model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[userID][deviceID]; ok {
		session.Status = status
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions[userID], deviceID)
	return nil
}

func (s *MemoryStore) RemoveAll(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *MemoryStore) CountActive(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, session := range s.sessions[userID] {
		if session.Status == model.SessionActive {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ValidateRefreshBinding(ctx context.Context, refreshToken, userID, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[userID][deviceID]
	if !ok || session.Status != model.SessionActive {
		return false, nil
	}
	return session.RefreshToken == refreshToken, nil
}

func (s *MemoryStore) RotateRefresh(ctx context.Context, userID, deviceID, oldToken, newToken string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[userID][deviceID]
	if !ok || session.Status != model.SessionActive || session.RefreshToken != oldToken {
		return false, nil
	}
	session.RefreshToken = newToken
	session.LastActiveTime = at
	return true, nil
}

func (s *MemoryStore) Touch(ctx context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[userID][deviceID]; ok && session.Status == model.SessionActive {
		session.LastActiveTime = time.Now()
	}
	return nil
}

// WithUserLock serializes fn per user. Lock entries are never reclaimed;
// acceptable for the store's test and single-node dev role, where the set
// of user IDs stays small.
func (s *MemoryStore) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}
