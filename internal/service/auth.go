package service

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/channel"
	"github.com/authhub/backend/internal/config"
	"github.com/authhub/backend/internal/model"
	"github.com/authhub/backend/internal/registry"
	"github.com/authhub/backend/internal/token"
)

// Directory is the slice of the user directory the orchestrator itself
// needs; verifiers hold their own lookup views.
type Directory interface {
	ByID(ctx context.Context, userID string) (*model.User, bool, error)
	MarkLogin(ctx context.Context, userID string) (bool, error)
}

// AuthService orchestrates login, refresh, logout, and kick-out across
// the verifier registry, the token issuer, and the session registry.
type AuthService struct {
	channels  *channel.Registry
	issuer    *token.Issuer
	sessions  registry.Store
	directory Directory

	maxDevices      int
	limitPolicy     string
	refreshRotation bool
}

func NewAuthService(channels *channel.Registry, issuer *token.Issuer, sessions registry.Store, directory Directory, cfg config.AuthConfig) *AuthService {
	return &AuthService{
		channels:        channels,
		issuer:          issuer,
		sessions:        sessions,
		directory:       directory,
		maxDevices:      cfg.MaxDevices,
		limitPolicy:     cfg.DeviceLimitPolicy,
		refreshRotation: cfg.RefreshRotation,
	}
}

// Login authenticates the request through its channel's verifier, enforces
// the device-count policy under a per-user lock, issues the token bundle,
// and records the device session.
func (s *AuthService) Login(ctx context.Context, req *model.LoginRequest) (*model.TokenBundle, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, autherr.New(autherr.KindInvalidCredentials, "deviceId is required")
	}

	verifier, err := s.channels.Resolve(req.Channel)
	if err != nil {
		return nil, err
	}
	if !verifier.ValidateCredentials(req) {
		return nil, autherr.New(autherr.KindInvalidCredentials, "missing or blank credential fields")
	}
	user, err := verifier.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	var bundle *model.TokenBundle
	err = s.sessions.WithUserLock(ctx, user.ID, func(ctx context.Context) error {
		if err := s.enforceDeviceLimit(ctx, user.ID, req.DeviceID); err != nil {
			return err
		}
		bundle, err = s.establishSession(ctx, user, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	first, err := s.directory.MarkLogin(ctx, user.ID)
	if err != nil {
		// The session is already established; losing the first-login flag
		// is not worth failing the login over.
		log.Printf("[Auth] MarkLogin failed for user %s: %v", user.ID, err)
	}
	bundle.FirstLogin = first
	return bundle, nil
}

// enforceDeviceLimit runs inside the per-user lock. An existing ACTIVE
// session for the same device never counts against the limit: that login
// is an overwrite, not a new device. A kicked-out or logged-out record
// gets no such exemption, so reclaiming the device still goes through the
// active-count check.
func (s *AuthService) enforceDeviceLimit(ctx context.Context, userID, deviceID string) error {
	if s.maxDevices <= 0 {
		return nil
	}
	if existing, found, err := s.sessions.Get(ctx, userID, deviceID); err != nil {
		return err
	} else if found && existing.Status == model.SessionActive {
		return nil
	}

	active, err := s.sessions.CountActive(ctx, userID)
	if err != nil {
		return err
	}
	if active < s.maxDevices {
		return nil
	}

	if s.limitPolicy != config.DeviceLimitEvictOldest {
		return autherr.New(autherr.KindDeviceLimitExceeded, "maximum number of signed-in devices reached")
	}
	return s.evictOldest(ctx, userID)
}

func (s *AuthService) evictOldest(ctx context.Context, userID string) error {
	sessions, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	active := sessions[:0]
	for _, session := range sessions {
		if session.Status == model.SessionActive {
			active = append(active, session)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].LastActiveTime.Equal(active[j].LastActiveTime) {
			return active[i].LastActiveTime.Before(active[j].LastActiveTime)
		}
		return active[i].DeviceID < active[j].DeviceID
	})
	oldest := active[0]
	log.Printf("[Auth] Evicting oldest device %s for user %s", oldest.DeviceID, userID)
	return s.sessions.MarkKickedOut(ctx, userID, oldest.DeviceID)
}

func (s *AuthService) establishSession(ctx context.Context, user *model.User, req *model.LoginRequest) (*model.TokenBundle, error) {
	accessToken, accessExp, err := s.issuer.Issue(token.KindAccess, user.ID, req.DeviceID, user.Roles, 0)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshExp, err := s.issuer.Issue(token.KindRefresh, user.ID, req.DeviceID, nil, 0)
	if err != nil {
		return nil, err
	}

	bundle := &model.TokenBundle{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: refreshExp,
		User: model.UserSummary{
			ID:       user.ID,
			Nickname: user.Nickname,
			Avatar:   user.Avatar,
		},
	}

	var deviceToken string
	if req.RememberMe {
		var deviceExp time.Time
		deviceToken, deviceExp, err = s.issuer.Issue(token.KindDevice, user.ID, req.DeviceID, nil, 0)
		if err != nil {
			return nil, err
		}
		bundle.DeviceToken = deviceToken
		bundle.DeviceTokenExpiresAt = &deviceExp
	}

	now := time.Now()
	session := model.DeviceSession{
		UserID:         user.ID,
		DeviceID:       req.DeviceID,
		DeviceType:     req.Channel,
		DeviceName:     req.DeviceName,
		LoginTime:      now,
		LastActiveTime: now,
		RefreshToken:   refreshToken,
		DeviceToken:    deviceToken,
		ClientIP:       req.Extra("clientIp"),
		UserAgent:      req.Extra("userAgent"),
		Status:         model.SessionActive,
	}
	if err := s.sessions.Upsert(ctx, session); err != nil {
		return nil, err
	}
	return bundle, nil
}

// Refresh validates the refresh token against its session binding and
// issues a fresh access token. With rotation enabled (the default) the
// bound refresh token is replaced atomically, closing the replay window.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, deviceID string) (*model.TokenBundle, error) {
	claims, err := s.issuer.Parse(refreshToken)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindRefreshTokenInvalid, "refresh token rejected", err)
	}
	if claims.TokenKind != token.KindRefresh {
		return nil, autherr.New(autherr.KindRefreshTokenInvalid, "not a refresh token")
	}
	userID := claims.Subject

	session, found, err := s.sessions.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if !found || session.Status != model.SessionActive {
		return nil, autherr.New(autherr.KindDeviceNotAuthorized, "device is not authorized to refresh")
	}
	if session.RefreshToken != refreshToken {
		// Valid signature but not the bound value: a replayed or rotated-out token.
		return nil, autherr.New(autherr.KindRefreshTokenInvalid, "refresh token is no longer bound to this device")
	}

	user, found, err := s.directory.ByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found || user.Status == model.UserDisabled {
		return nil, autherr.New(autherr.KindDeviceNotAuthorized, "account is no longer usable")
	}

	accessToken, accessExp, err := s.issuer.Issue(token.KindAccess, userID, deviceID, user.Roles, 0)
	if err != nil {
		return nil, err
	}

	bundle := &model.TokenBundle{
		AccessToken:          accessToken,
		AccessTokenExpiresAt: accessExp,
		RefreshToken:         refreshToken,
		User: model.UserSummary{
			ID:       user.ID,
			Nickname: user.Nickname,
			Avatar:   user.Avatar,
		},
	}
	if claims.ExpiresAt != nil {
		bundle.RefreshTokenExpiresAt = claims.ExpiresAt.Time
	}

	if s.refreshRotation {
		newRefresh, newExp, err := s.issuer.Issue(token.KindRefresh, userID, deviceID, nil, 0)
		if err != nil {
			return nil, err
		}
		rotated, err := s.sessions.RotateRefresh(ctx, userID, deviceID, refreshToken, newRefresh, time.Now())
		if err != nil {
			return nil, err
		}
		if !rotated {
			// Lost a race with a kick-out or another refresh.
			return nil, autherr.New(autherr.KindDeviceNotAuthorized, "device is not authorized to refresh")
		}
		bundle.RefreshToken = newRefresh
		bundle.RefreshTokenExpiresAt = newExp
		return bundle, nil
	}

	if err := s.sessions.Touch(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	return bundle, nil
}

// Logout marks the device session logged out. Idempotent: a missing
// session is a silent no-op.
func (s *AuthService) Logout(ctx context.Context, userID, deviceID string) error {
	return s.sessions.MarkLoggedOut(ctx, userID, deviceID)
}

// KickOutDevice forces a specific device offline.
func (s *AuthService) KickOutDevice(ctx context.Context, userID, deviceID string) error {
	return s.sessions.MarkKickedOut(ctx, userID, deviceID)
}

// KickOutAllDevices forces every device of the user offline, e.g. after a
// credential change.
func (s *AuthService) KickOutAllDevices(ctx context.Context, userID string) error {
	sessions, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := s.sessions.MarkKickedOut(ctx, userID, session.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

// ListDevices returns the user's sessions with bound token values blanked.
func (s *AuthService) ListDevices(ctx context.Context, userID string) ([]model.DeviceSession, error) {
	sessions, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].RefreshToken = ""
		sessions[i].DeviceToken = ""
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].DeviceID < sessions[j].DeviceID
	})
	return sessions, nil
}

// ValidateToken reports whether the access token verifies. Validation is
// stateless: an already-issued access token stays valid until its own
// short expiry even after logout or kick-out.
func (s *AuthService) ValidateToken(accessToken string) bool {
	_, err := s.AuthUserOf(accessToken)
	return err == nil
}

// SubjectOf extracts the user ID from a verified access token.
func (s *AuthService) SubjectOf(accessToken string) (string, error) {
	user, err := s.AuthUserOf(accessToken)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// AuthUserOf parses and verifies an access token into the identity the
// authorization layer consumes.
func (s *AuthService) AuthUserOf(accessToken string) (*model.AuthUser, error) {
	claims, err := s.issuer.Parse(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenKind != token.KindAccess {
		return nil, autherr.New(autherr.KindTokenInvalid, "not an access token")
	}
	return &model.AuthUser{ID: claims.Subject, Roles: claims.Roles}, nil
}
