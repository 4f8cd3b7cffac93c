package model

import "time"

// Channel identifies the client surface a login request arrives from.
type Channel string

const (
	ChannelUsernamePassword Channel = "username_password"
	ChannelSmsCode          Channel = "sms_code"
	ChannelMiniProgram      Channel = "mini_program"
)

// LoginRequest is the wire-level login payload. Credentials carries
// channel-specific fields (username/password, phone/smsCode, code);
// Extras carries contextual data such as clientIp, userAgent, captcha.
type LoginRequest struct {
	Channel     Channel           `json:"channel"`
	DeviceID    string            `json:"deviceId"`
	DeviceName  string            `json:"deviceName"`
	Credentials map[string]string `json:"credentials"`
	Extras      map[string]string `json:"extras"`
	RememberMe  bool              `json:"rememberMe"`
}

// Credential returns the named credential field, "" when absent.
func (r *LoginRequest) Credential(key string) string {
	return r.Credentials[key]
}

// Extra returns the named contextual field, "" when absent.
func (r *LoginRequest) Extra(key string) string {
	return r.Extras[key]
}

// SessionStatus is the lifecycle state of a device session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionKickedOut SessionStatus = "KICKED_OUT"
	SessionLoggedOut SessionStatus = "LOGGED_OUT"
)

// DeviceSession is the registry record for one signed-in device of one
// user. At most one live record exists per (UserID, DeviceID); a new login
// for the same pair replaces the prior record.
type DeviceSession struct {
	UserID         string        `json:"userId"`
	DeviceID       string        `json:"deviceId"`
	DeviceType     Channel       `json:"deviceType"`
	DeviceName     string        `json:"deviceName"`
	LoginTime      time.Time     `json:"loginTime"`
	LastActiveTime time.Time     `json:"lastActiveTime"`
	RefreshToken   string        `json:"refreshToken"`
	DeviceToken    string        `json:"deviceToken,omitempty"`
	ClientIP       string        `json:"clientIp"`
	UserAgent      string        `json:"userAgent"`
	Status         SessionStatus `json:"status"`
}

// UserSummary is the denormalized user slice returned inside a TokenBundle.
type UserSummary struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// TokenBundle is the result of a successful login or refresh.
type TokenBundle struct {
	AccessToken           string      `json:"accessToken"`
	AccessTokenExpiresAt  time.Time   `json:"accessTokenExpiresAt"`
	RefreshToken          string      `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time   `json:"refreshTokenExpiresAt"`
	DeviceToken           string      `json:"deviceToken,omitempty"`
	DeviceTokenExpiresAt  *time.Time  `json:"deviceTokenExpiresAt,omitempty"`
	User                  UserSummary `json:"user"`
	FirstLogin            bool        `json:"firstLogin"`
}

// UserStatus mirrors the directory's active/disabled flag.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// User is a directory record.
type User struct {
	ID           string
	Username     string
	Phone        string
	PasswordHash string
	Nickname     string
	Avatar       string
	Status       UserStatus
	ExternalID   string
	Roles        []string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuthUser is the identity extracted from a verified access token.
type AuthUser struct {
	ID    string
	Roles []string
}
