package db

import (
	"context"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/model"
)

// UserDirectory adapts the Postgres store to the lookup shape verifiers
// consume: missing rows become found=false, infrastructure failures become
// the retryable RegistryUnavailable kind.
type UserDirectory struct {
	pg *Postgres
}

func NewUserDirectory(pg *Postgres) *UserDirectory {
	return &UserDirectory{pg: pg}
}

func (d *UserDirectory) ByUsername(ctx context.Context, username string) (*model.User, bool, error) {
	return wrapLookup(d.pg.GetUserByUsername(ctx, username))
}

func (d *UserDirectory) ByPhone(ctx context.Context, phone string) (*model.User, bool, error) {
	return wrapLookup(d.pg.GetUserByPhone(ctx, phone))
}

func (d *UserDirectory) ByExternalID(ctx context.Context, externalID string) (*model.User, bool, error) {
	return wrapLookup(d.pg.GetUserByExternalID(ctx, externalID))
}

func (d *UserDirectory) ByID(ctx context.Context, userID string) (*model.User, bool, error) {
	return wrapLookup(d.pg.GetUserByID(ctx, userID))
}

// MarkLogin stamps last_login_at and reports whether it was the first login.
func (d *UserDirectory) MarkLogin(ctx context.Context, userID string) (bool, error) {
	first, err := d.pg.MarkLogin(ctx, userID)
	if err != nil {
		return false, autherr.Wrap(autherr.KindRegistryUnavailable, "user directory update failed", err)
	}
	return first, nil
}

func wrapLookup(user *model.User, err error) (*model.User, bool, error) {
	if err != nil {
		if IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, autherr.Wrap(autherr.KindRegistryUnavailable, "user directory lookup failed", err)
	}
	return user, true, nil
}
