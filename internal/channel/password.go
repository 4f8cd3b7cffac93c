package channel

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/model"
)

const (
	fieldUsername = "username"
	fieldPassword = "password"
)

// PasswordVerifier authenticates username/password logins against the
// user directory's bcrypt hashes.
type PasswordVerifier struct {
	directory UserDirectory
}

func NewPasswordVerifier(directory UserDirectory) *PasswordVerifier {
	return &PasswordVerifier{directory: directory}
}

func (v *PasswordVerifier) SupportedChannel() model.Channel {
	return model.ChannelUsernamePassword
}

func (v *PasswordVerifier) ValidateCredentials(req *model.LoginRequest) bool {
	return strings.TrimSpace(req.Credential(fieldUsername)) != "" &&
		strings.TrimSpace(req.Credential(fieldPassword)) != ""
}

func (v *PasswordVerifier) Authenticate(ctx context.Context, req *model.LoginRequest) (*model.User, error) {
	user, found, err := v.directory.ByUsername(ctx, req.Credential(fieldUsername))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, autherr.New(autherr.KindUserNotFound, "user not found")
	}
	if err := checkUsable(user); err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Credential(fieldPassword))); err != nil {
		return nil, autherr.New(autherr.KindCredentialMismatch, "wrong username or password")
	}
	return user, nil
}
