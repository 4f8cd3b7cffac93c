package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/config"
)

// Kind is the class of a signed token. Access tokens are pure bearer
// credentials; refresh and device tokens additionally have a server-side
// counterpart inside the device session registry.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindDevice  Kind = "device"
)

// Claims is the signed payload of every token kind. Roles is only set on
// access tokens, where the authorization layer consumes it downstream.
type Claims struct {
	jwt.RegisteredClaims
	TokenKind Kind     `json:"tkn"`
	DeviceID  string   `json:"did,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// Issuer signs and verifies the three token kinds with one process-wide
// HMAC key. Verification additionally tries an ordered list of recently
// retired keys so a key rotation does not hard-fail in-flight tokens.
type Issuer struct {
	secret     []byte
	retired    [][]byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	deviceTTL  time.Duration
}

func NewIssuer(cfg config.AuthConfig) (*Issuer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("token: JWT_SECRET is required")
	}
	retired := make([][]byte, 0, len(cfg.JWTRetiredSecrets))
	for _, s := range cfg.JWTRetiredSecrets {
		retired = append(retired, []byte(s))
	}
	return &Issuer{
		secret:     []byte(cfg.JWTSecret),
		retired:    retired,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		deviceTTL:  cfg.DeviceTTL,
	}, nil
}

// DefaultTTL returns the configured lifetime for the given kind.
func (i *Issuer) DefaultTTL(kind Kind) time.Duration {
	switch kind {
	case KindRefresh:
		return i.refreshTTL
	case KindDevice:
		return i.deviceTTL
	default:
		return i.accessTTL
	}
}

// Issue signs a token of the given kind. A zero ttl selects the configured
// default for the kind; a negative ttl yields an already-expired token.
// Roles are ignored unless kind is access.
func (i *Issuer) Issue(kind Kind, subject, deviceID string, roles []string, ttl time.Duration) (string, time.Time, error) {
	if ttl == 0 {
		ttl = i.DefaultTTL(kind)
	}
	if kind != KindAccess {
		roles = nil
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenKind: kind,
		DeviceID:  deviceID,
		Roles:     roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies signature and expiry. Failures are typed: expired tokens
// surface KindTokenExpired so callers can attempt a refresh; anything
// malformed or wrongly signed surfaces KindTokenInvalid.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	keys := make([][]byte, 0, 1+len(i.retired))
	keys = append(keys, i.secret)
	keys = append(keys, i.retired...)

	var lastErr error
	for _, key := range keys {
		claims := &Claims{}
		tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return key, nil
		})
		if err == nil && tok.Valid {
			return claims, nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, autherr.Wrap(autherr.KindTokenExpired, "token expired", err)
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			// Could be signed with a retired key; keep trying.
			lastErr = err
			continue
		}
		return nil, autherr.Wrap(autherr.KindTokenInvalid, "malformed token", err)
	}
	return nil, autherr.Wrap(autherr.KindTokenInvalid, "token signature invalid", lastErr)
}

// IsExpiringSoon reports whether the token's remaining validity is below
// window. Unparseable tokens count as expiring so callers refresh them.
func (i *Issuer) IsExpiringSoon(tokenStr string, window time.Duration) bool {
	claims, err := i.Parse(tokenStr)
	if err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < window
}
