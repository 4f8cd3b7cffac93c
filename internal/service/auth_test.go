package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/channel"
	"github.com/authhub/backend/internal/config"
	"github.com/authhub/backend/internal/model"
	"github.com/authhub/backend/internal/registry"
	"github.com/authhub/backend/internal/token"
)

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func (f *fakeDirectory) find(match func(*model.User) bool) (*model.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			copied := *u
			return &copied, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeDirectory) ByUsername(ctx context.Context, username string) (*model.User, bool, error) {
	return f.find(func(u *model.User) bool { return u.Username == username })
}

func (f *fakeDirectory) ByPhone(ctx context.Context, phone string) (*model.User, bool, error) {
	return f.find(func(u *model.User) bool { return u.Phone == phone })
}

func (f *fakeDirectory) ByExternalID(ctx context.Context, externalID string) (*model.User, bool, error) {
	return f.find(func(u *model.User) bool { return u.ExternalID == externalID })
}

func (f *fakeDirectory) ByID(ctx context.Context, userID string) (*model.User, bool, error) {
	return f.find(func(u *model.User) bool { return u.ID == userID })
}

func (f *fakeDirectory) MarkLogin(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return false, nil
	}
	first := user.LastLoginAt == nil
	now := time.Now()
	user.LastLoginAt = &now
	return first, nil
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:         "test-secret",
		Issuer:            "authhub-test",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        7 * 24 * time.Hour,
		DeviceTTL:         30 * 24 * time.Hour,
		MaxDevices:        2,
		DeviceLimitPolicy: config.DeviceLimitReject,
		RefreshRotation:   true,
	}
}

func newTestService(t *testing.T, cfg config.AuthConfig) (*AuthService, *registry.MemoryStore, *fakeDirectory) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	dir := &fakeDirectory{users: map[string]*model.User{
		"u-bob": {
			ID:           "u-bob",
			Username:     "bob",
			PasswordHash: string(hash),
			Nickname:     "Bob",
			Status:       model.UserActive,
			Roles:        []string{"user"},
		},
	}}
	issuer, err := token.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	store := registry.NewMemoryStore()
	channels := channel.NewRegistry(channel.NewPasswordVerifier(dir))
	return NewAuthService(channels, issuer, store, dir, cfg), store, dir
}

func loginRequest(deviceID string) *model.LoginRequest {
	return &model.LoginRequest{
		Channel:     model.ChannelUsernamePassword,
		DeviceID:    deviceID,
		DeviceName:  "test device",
		Credentials: map[string]string{"username": "bob", "password": "secret"},
		Extras:      map[string]string{"clientIp": "10.0.0.1", "userAgent": "tester"},
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	bundle, err := svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if bundle.AccessToken == "" || bundle.RefreshToken == "" {
		t.Fatalf("expected non-empty tokens")
	}
	if bundle.DeviceToken != "" {
		t.Fatalf("device token must only be issued with rememberMe")
	}
	if !bundle.FirstLogin {
		t.Fatalf("expected first login flag")
	}
	if bundle.User.ID != "u-bob" || bundle.User.Nickname != "Bob" {
		t.Fatalf("unexpected user summary: %+v", bundle.User)
	}

	count, err := store.CountActive(ctx, "u-bob")
	if err != nil || count != 1 {
		t.Fatalf("expected one active session, got %d (%v)", count, err)
	}
	session, found, _ := store.Get(ctx, "u-bob", "D1")
	if !found || session.Status != model.SessionActive {
		t.Fatalf("expected active session record")
	}
	if session.RefreshToken != bundle.RefreshToken {
		t.Fatalf("session must bind the issued refresh token")
	}
	if session.ClientIP != "10.0.0.1" || session.UserAgent != "tester" {
		t.Fatalf("session must record client context")
	}

	// Second login is no longer the first.
	bundle, err = svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("re-login failed: %v", err)
	}
	if bundle.FirstLogin {
		t.Fatalf("second login must not report first login")
	}
}

func TestLoginRememberMeIssuesDeviceToken(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	req := loginRequest("D1")
	req.RememberMe = true

	bundle, err := svc.Login(context.Background(), req)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if bundle.DeviceToken == "" || bundle.DeviceTokenExpiresAt == nil {
		t.Fatalf("expected device token with expiry")
	}
	session, _, _ := store.Get(context.Background(), "u-bob", "D1")
	if session.DeviceToken != bundle.DeviceToken {
		t.Fatalf("session must bind the device token")
	}
}

func TestLoginWrongPasswordLeavesNoSession(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	req := loginRequest("D1")
	req.Credentials["password"] = "wrong"

	_, err := svc.Login(context.Background(), req)
	if autherr.KindOf(err) != autherr.KindCredentialMismatch {
		t.Fatalf("expected CredentialMismatch, got %v", err)
	}
	count, _ := store.CountActive(context.Background(), "u-bob")
	if count != 0 {
		t.Fatalf("no session must exist after a failed login, got %d", count)
	}
}

func TestLoginInputFailures(t *testing.T) {
	svc, _, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	req := loginRequest("D1")
	req.Channel = "carrier_pigeon"
	if _, err := svc.Login(ctx, req); autherr.KindOf(err) != autherr.KindInvalidChannel {
		t.Fatalf("expected InvalidChannel, got %v", err)
	}

	req = loginRequest("D1")
	delete(req.Credentials, "password")
	if _, err := svc.Login(ctx, req); autherr.KindOf(err) != autherr.KindInvalidCredentials {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}

	req = loginRequest("  ")
	if _, err := svc.Login(ctx, req); autherr.KindOf(err) != autherr.KindInvalidCredentials {
		t.Fatalf("expected InvalidCredentials for blank deviceId, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	bundle, err := svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	before, _, _ := store.Get(ctx, "u-bob", "D1")

	time.Sleep(10 * time.Millisecond)
	refreshed, err := svc.Refresh(ctx, bundle.RefreshToken, "D1")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.AccessToken == bundle.AccessToken {
		t.Fatalf("expected a fresh access token")
	}
	if refreshed.RefreshToken == bundle.RefreshToken {
		t.Fatalf("rotation must replace the refresh token")
	}

	after, _, _ := store.Get(ctx, "u-bob", "D1")
	if !after.LastActiveTime.After(before.LastActiveTime) {
		t.Fatalf("lastActiveTime must advance on refresh")
	}
	if after.RefreshToken != refreshed.RefreshToken {
		t.Fatalf("registry must bind the rotated token")
	}

	// The rotated-out token is a replay now.
	_, err = svc.Refresh(ctx, bundle.RefreshToken, "D1")
	if autherr.KindOf(err) != autherr.KindRefreshTokenInvalid {
		t.Fatalf("expected RefreshTokenInvalid on replay, got %v", err)
	}
}

func TestRefreshWithoutRotation(t *testing.T) {
	cfg := testAuthConfig()
	cfg.RefreshRotation = false
	svc, store, _ := newTestService(t, cfg)
	ctx := context.Background()

	bundle, err := svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	before, _, _ := store.Get(ctx, "u-bob", "D1")

	time.Sleep(10 * time.Millisecond)
	refreshed, err := svc.Refresh(ctx, bundle.RefreshToken, "D1")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.RefreshToken != bundle.RefreshToken {
		t.Fatalf("refresh token must be stable with rotation disabled")
	}
	after, _, _ := store.Get(ctx, "u-bob", "D1")
	if !after.LastActiveTime.After(before.LastActiveTime) {
		t.Fatalf("lastActiveTime must still advance")
	}

	// And the same token keeps working.
	if _, err := svc.Refresh(ctx, bundle.RefreshToken, "D1"); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
}

func TestRefreshFailures(t *testing.T) {
	svc, _, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	if _, err := svc.Refresh(ctx, "garbage", "D1"); autherr.KindOf(err) != autherr.KindRefreshTokenInvalid {
		t.Fatalf("expected RefreshTokenInvalid for malformed token, got %v", err)
	}

	// An access token is not acceptable on the refresh path.
	bundle, err := svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, bundle.AccessToken, "D1"); autherr.KindOf(err) != autherr.KindRefreshTokenInvalid {
		t.Fatalf("expected RefreshTokenInvalid for wrong kind, got %v", err)
	}

	// Unknown device.
	if _, err := svc.Refresh(ctx, bundle.RefreshToken, "D-other"); autherr.KindOf(err) != autherr.KindDeviceNotAuthorized {
		t.Fatalf("expected DeviceNotAuthorized for unknown device, got %v", err)
	}
}

func TestKickOutBlocksRefresh(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	bundle, err := svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if err := svc.KickOutDevice(ctx, "u-bob", "D1"); err != nil {
		t.Fatalf("kick-out failed: %v", err)
	}
	session, _, _ := store.Get(ctx, "u-bob", "D1")
	if session.Status != model.SessionKickedOut {
		t.Fatalf("expected KICKED_OUT, got %s", session.Status)
	}

	_, err = svc.Refresh(ctx, bundle.RefreshToken, "D1")
	if autherr.KindOf(err) != autherr.KindDeviceNotAuthorized {
		t.Fatalf("expected DeviceNotAuthorized after kick-out, got %v", err)
	}

	// A new login re-enters ACTIVE for the same pair.
	if _, err := svc.Login(ctx, loginRequest("D1")); err != nil {
		t.Fatalf("re-login after kick-out failed: %v", err)
	}
	session, _, _ = store.Get(ctx, "u-bob", "D1")
	if session.Status != model.SessionActive {
		t.Fatalf("expected ACTIVE after re-login, got %s", session.Status)
	}
}

func TestLogoutBlocksRefresh(t *testing.T) {
	svc, _, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	bundle, err := svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := svc.Logout(ctx, "u-bob", "D1"); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	_, err = svc.Refresh(ctx, bundle.RefreshToken, "D1")
	if autherr.KindOf(err) != autherr.KindDeviceNotAuthorized {
		t.Fatalf("expected DeviceNotAuthorized after logout, got %v", err)
	}

	// Logout of a missing session stays a silent no-op.
	if err := svc.Logout(ctx, "u-bob", "D-gone"); err != nil {
		t.Fatalf("logout must be idempotent: %v", err)
	}
}

func TestDeviceLimitReject(t *testing.T) {
	svc, _, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	if _, err := svc.Login(ctx, loginRequest("D1")); err != nil {
		t.Fatalf("login D1 failed: %v", err)
	}
	if _, err := svc.Login(ctx, loginRequest("D2")); err != nil {
		t.Fatalf("login D2 failed: %v", err)
	}
	_, err := svc.Login(ctx, loginRequest("D3"))
	if autherr.KindOf(err) != autherr.KindDeviceLimitExceeded {
		t.Fatalf("expected DeviceLimitExceeded, got %v", err)
	}

	// Re-login on an existing device is an overwrite, not a new device.
	if _, err := svc.Login(ctx, loginRequest("D2")); err != nil {
		t.Fatalf("re-login on existing device failed: %v", err)
	}
}

func TestDeviceLimitCountsKickedOutDeviceAsNew(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	// A kicked-out record for D1 stays in the registry.
	if _, err := svc.Login(ctx, loginRequest("D1")); err != nil {
		t.Fatalf("login D1 failed: %v", err)
	}
	if err := svc.KickOutDevice(ctx, "u-bob", "D1"); err != nil {
		t.Fatalf("kick-out failed: %v", err)
	}

	// Two other devices fill the limit.
	if _, err := svc.Login(ctx, loginRequest("D2")); err != nil {
		t.Fatalf("login D2 failed: %v", err)
	}
	if _, err := svc.Login(ctx, loginRequest("D3")); err != nil {
		t.Fatalf("login D3 failed: %v", err)
	}

	// Reclaiming D1 is a new device now, not an overwrite of an active
	// session, so the limit applies.
	_, err := svc.Login(ctx, loginRequest("D1"))
	if autherr.KindOf(err) != autherr.KindDeviceLimitExceeded {
		t.Fatalf("expected DeviceLimitExceeded, got %v", err)
	}
	count, _ := store.CountActive(ctx, "u-bob")
	if count != 2 {
		t.Fatalf("expected 2 active sessions, got %d", count)
	}
}

func TestDeviceLimitEvictOldest(t *testing.T) {
	cfg := testAuthConfig()
	cfg.DeviceLimitPolicy = config.DeviceLimitEvictOldest
	svc, store, _ := newTestService(t, cfg)
	ctx := context.Background()

	if _, err := svc.Login(ctx, loginRequest("D1")); err != nil {
		t.Fatalf("login D1 failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Login(ctx, loginRequest("D2")); err != nil {
		t.Fatalf("login D2 failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Login(ctx, loginRequest("D3")); err != nil {
		t.Fatalf("login D3 must evict, not fail: %v", err)
	}

	d1, _, _ := store.Get(ctx, "u-bob", "D1")
	if d1.Status != model.SessionKickedOut {
		t.Fatalf("expected oldest device D1 kicked out, got %s", d1.Status)
	}
	count, _ := store.CountActive(ctx, "u-bob")
	if count != 2 {
		t.Fatalf("expected 2 active sessions after eviction, got %d", count)
	}
}

func TestKickOutAllDevices(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	if _, err := svc.Login(ctx, loginRequest("D1")); err != nil {
		t.Fatalf("login D1 failed: %v", err)
	}
	if _, err := svc.Login(ctx, loginRequest("D2")); err != nil {
		t.Fatalf("login D2 failed: %v", err)
	}
	if err := svc.KickOutAllDevices(ctx, "u-bob"); err != nil {
		t.Fatalf("kick-out-all failed: %v", err)
	}
	count, _ := store.CountActive(ctx, "u-bob")
	if count != 0 {
		t.Fatalf("expected no active sessions, got %d", count)
	}
}

func TestValidateTokenAndSubject(t *testing.T) {
	svc, _, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	bundle, err := svc.Login(ctx, loginRequest("D1"))
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if !svc.ValidateToken(bundle.AccessToken) {
		t.Fatalf("issued access token must validate")
	}
	if svc.ValidateToken("garbage") {
		t.Fatalf("garbage must not validate")
	}
	if svc.ValidateToken(bundle.RefreshToken) {
		t.Fatalf("a refresh token must not validate as an access token")
	}

	subject, err := svc.SubjectOf(bundle.AccessToken)
	if err != nil || subject != "u-bob" {
		t.Fatalf("expected subject u-bob, got %q (%v)", subject, err)
	}

	user, err := svc.AuthUserOf(bundle.AccessToken)
	if err != nil || len(user.Roles) != 1 || user.Roles[0] != "user" {
		t.Fatalf("expected roles on access token, got %+v (%v)", user, err)
	}

	// Validation is stateless: a kick-out does not revoke issued tokens.
	if err := svc.KickOutDevice(ctx, "u-bob", "D1"); err != nil {
		t.Fatalf("kick-out failed: %v", err)
	}
	if !svc.ValidateToken(bundle.AccessToken) {
		t.Fatalf("access token stays valid until its own expiry")
	}
}

func TestListDevicesBlanksTokens(t *testing.T) {
	svc, _, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	req := loginRequest("D1")
	req.RememberMe = true
	if _, err := svc.Login(ctx, req); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	devices, err := svc.ListDevices(ctx, "u-bob")
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected one device, got %d (%v)", len(devices), err)
	}
	if devices[0].RefreshToken != "" || devices[0].DeviceToken != "" {
		t.Fatalf("device listing must not expose bound token values")
	}
}

func TestConcurrentLoginsRespectLimit(t *testing.T) {
	svc, store, _ := newTestService(t, testAuthConfig())
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		deviceID := string(rune('A' + i))
		go func() {
			_, err := svc.Login(ctx, loginRequest(deviceID))
			done <- err
		}()
	}
	failures := 0
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			if autherr.KindOf(err) != autherr.KindDeviceLimitExceeded {
				t.Errorf("unexpected failure kind: %v", err)
			}
			failures++
		}
	}
	count, _ := store.CountActive(ctx, "u-bob")
	if count > 2 {
		t.Fatalf("device limit breached under concurrency: %d active", count)
	}
	if failures != 6 {
		t.Fatalf("expected 6 rejected logins, got %d", failures)
	}
}
