package registry

import (
	"context"
	"time"

	"github.com/authhub/backend/internal/model"
)

// Store is the device session registry: the authoritative record of which
// devices are signed in for a user. Per-key mutations are atomic with
// respect to (userID, deviceID) so a concurrent refresh and kick-out on
// the same device cannot interleave; WithUserLock serializes operations
// that must be atomic across the whole set of a user's sessions (device
// count enforcement during login).
//
// All operations are idempotent under retry. Backing-store failures are
// returned as autherr.KindRegistryUnavailable, the only retryable kind.
type Store interface {
	// Upsert creates or replaces the record for (UserID, DeviceID) and
	// resets its status to ACTIVE.
	Upsert(ctx context.Context, session model.DeviceSession) error
	Get(ctx context.Context, userID, deviceID string) (*model.DeviceSession, bool, error)
	ListByUser(ctx context.Context, userID string) ([]model.DeviceSession, error)

	// MarkKickedOut and MarkLoggedOut transition the session status. The
	// bound refresh/device tokens immediately stop validating; a missing
	// record is a no-op.
	MarkKickedOut(ctx context.Context, userID, deviceID string) error
	MarkLoggedOut(ctx context.Context, userID, deviceID string) error

	Remove(ctx context.Context, userID, deviceID string) error
	RemoveAll(ctx context.Context, userID string) error
	CountActive(ctx context.Context, userID string) (int, error)

	// ValidateRefreshBinding is true only when the stored session is
	// ACTIVE and its bound refresh token equals the supplied value.
	ValidateRefreshBinding(ctx context.Context, refreshToken, userID, deviceID string) (bool, error)

	// RotateRefresh atomically swaps the bound refresh token and advances
	// LastActiveTime, but only while the session is still ACTIVE and
	// bound to oldToken. Returns false when the binding was lost to a
	// concurrent kick-out, logout, or rotation.
	RotateRefresh(ctx context.Context, userID, deviceID, oldToken, newToken string, at time.Time) (bool, error)

	// Touch advances LastActiveTime on an ACTIVE session.
	Touch(ctx context.Context, userID, deviceID string) error

	// WithUserLock runs fn while holding a short-lived exclusive lock on
	// the user's session set.
	WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}
