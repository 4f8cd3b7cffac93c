package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/authhub/backend/internal/model"
)

func (db *Postgres) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			phone TEXT UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			nickname TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			external_id TEXT UNIQUE,
			roles TEXT[] NOT NULL DEFAULT '{}',
			last_login_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
		`CREATE INDEX IF NOT EXISTS users_phone_idx ON users(phone)`,
		`CREATE INDEX IF NOT EXISTS users_external_id_idx ON users(external_id)`,
	}

	for _, query := range queries {
		if _, err := db.Pool.Exec(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

const userColumns = `
	id, username, COALESCE(phone, ''), password_hash, nickname, avatar,
	status, COALESCE(external_id, ''), roles, last_login_at, created_at, updated_at
`

func (db *Postgres) scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Phone,
		&user.PasswordHash,
		&user.Nickname,
		&user.Avatar,
		&user.Status,
		&user.ExternalID,
		&user.Roles,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (db *Postgres) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return db.scanUser(db.Pool.QueryRow(ctx, query, username))
}

func (db *Postgres) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE phone = $1`
	return db.scanUser(db.Pool.QueryRow(ctx, query, phone))
}

func (db *Postgres) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_id = $1`
	return db.scanUser(db.Pool.QueryRow(ctx, query, externalID))
}

func (db *Postgres) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return db.scanUser(db.Pool.QueryRow(ctx, query, userID))
}

func (db *Postgres) CreateUser(ctx context.Context, user model.User) (*model.User, error) {
	query := `
		INSERT INTO users (id, username, phone, password_hash, nickname, avatar, status, external_id, roles, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), $9, NOW(), NOW())
		RETURNING ` + userColumns
	return db.scanUser(db.Pool.QueryRow(ctx, query,
		user.ID, user.Username, user.Phone, user.PasswordHash,
		user.Nickname, user.Avatar, user.Status, user.ExternalID, user.Roles,
	))
}

// EnsureAdmin creates the bootstrap account when it does not exist yet.
func (db *Postgres) EnsureAdmin(ctx context.Context, username, passwordHash string) error {
	_, err := db.GetUserByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !IsNoRows(err) {
		return err
	}
	_, err = db.CreateUser(ctx, model.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		Nickname:     username,
		Status:       model.UserActive,
		Roles:        []string{"admin"},
	})
	return err
}

// MarkLogin stamps last_login_at and reports whether this was the user's
// first successful login.
func (db *Postgres) MarkLogin(ctx context.Context, userID string) (bool, error) {
	query := `
		UPDATE users
		SET last_login_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING (SELECT last_login_at IS NULL FROM users WHERE id = $1)
	`
	var first bool
	if err := db.Pool.QueryRow(ctx, query, userID).Scan(&first); err != nil {
		return false, err
	}
	return first, nil
}

func IsNoRows(err error) bool {
	return err == pgx.ErrNoRows
}
