package channel

import (
	"context"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/model"
)

// Verifier authenticates login requests arriving from one channel.
type Verifier interface {
	SupportedChannel() model.Channel

	// ValidateCredentials is a cheap structural check (required fields
	// present and non-blank). It must not touch external systems.
	ValidateCredentials(req *model.LoginRequest) bool

	// Authenticate performs the actual verification and returns the
	// resolved user, or a typed channel failure.
	Authenticate(ctx context.Context, req *model.LoginRequest) (*model.User, error)
}

// UserDirectory is the external user store consumed by verifiers.
type UserDirectory interface {
	ByUsername(ctx context.Context, username string) (*model.User, bool, error)
	ByPhone(ctx context.Context, phone string) (*model.User, bool, error)
	ByExternalID(ctx context.Context, externalID string) (*model.User, bool, error)
}

// Registry resolves verifiers by channel identifier. Built once at
// startup; read-only afterwards, so safe for concurrent use.
type Registry struct {
	verifiers map[model.Channel]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	byChannel := make(map[model.Channel]Verifier, len(verifiers))
	for _, v := range verifiers {
		byChannel[v.SupportedChannel()] = v
	}
	return &Registry{verifiers: byChannel}
}

func (r *Registry) Resolve(ch model.Channel) (Verifier, error) {
	v, ok := r.verifiers[ch]
	if !ok {
		return nil, autherr.New(autherr.KindInvalidChannel, "unsupported login channel: "+string(ch))
	}
	return v, nil
}

// checkUsable rejects disabled directory accounts.
func checkUsable(user *model.User) error {
	if user.Status == model.UserDisabled {
		return autherr.New(autherr.KindUserDisabled, "account is disabled")
	}
	return nil
}
