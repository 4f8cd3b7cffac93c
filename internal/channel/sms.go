package channel

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/model"
)

const (
	fieldPhone   = "phone"
	fieldSmsCode = "smsCode"
)

// CodeStore sentinels; the verifier folds both into an SmsCodeError with a
// distinguishing message.
var (
	ErrCodeMissing  = errors.New("code missing or expired")
	ErrCodeMismatch = errors.New("code mismatch")
)

// CodeStore holds previously issued one-time SMS codes. Consume compares
// the supplied code and invalidates it on match so it cannot be replayed.
type CodeStore interface {
	Consume(ctx context.Context, phone, code string) error
}

// SmsVerifier authenticates phone/one-time-code logins: directory lookup
// by phone, then compare-and-consume against the code store.
type SmsVerifier struct {
	directory UserDirectory
	codes     CodeStore
}

func NewSmsVerifier(directory UserDirectory, codes CodeStore) *SmsVerifier {
	return &SmsVerifier{directory: directory, codes: codes}
}

func (v *SmsVerifier) SupportedChannel() model.Channel {
	return model.ChannelSmsCode
}

func (v *SmsVerifier) ValidateCredentials(req *model.LoginRequest) bool {
	return strings.TrimSpace(req.Credential(fieldPhone)) != "" &&
		strings.TrimSpace(req.Credential(fieldSmsCode)) != ""
}

func (v *SmsVerifier) Authenticate(ctx context.Context, req *model.LoginRequest) (*model.User, error) {
	user, found, err := v.directory.ByPhone(ctx, req.Credential(fieldPhone))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, autherr.New(autherr.KindUserNotFound, "user not found")
	}
	if err := checkUsable(user); err != nil {
		return nil, err
	}

	err = v.codes.Consume(ctx, req.Credential(fieldPhone), req.Credential(fieldSmsCode))
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, ErrCodeMissing):
		return nil, autherr.New(autherr.KindSmsCodeError, "verification code missing or expired")
	case errors.Is(err, ErrCodeMismatch):
		return nil, autherr.New(autherr.KindSmsCodeError, "verification code mismatch")
	default:
		return nil, err
	}
}

const smsCodeKeyPrefix = "authhub:smscode:"

// consumeScript deletes the stored code only when it matches, so a
// concurrent duplicate submit cannot reuse it.
var consumeScript = redis.NewScript(`
local v = redis.call("get", KEYS[1])
if v == false then return -1 end
if v ~= ARGV[1] then return 0 end
redis.call("del", KEYS[1])
return 1
`)

// RedisCodeStore reads one-time codes written by the SMS sending service
// under a per-phone key with a TTL.
type RedisCodeStore struct {
	client *redis.Client
}

func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

func (s *RedisCodeStore) Consume(ctx context.Context, phone, code string) error {
	res, err := consumeScript.Run(ctx, s.client, []string{smsCodeKeyPrefix + phone}, code).Int()
	if err != nil {
		return autherr.Wrap(autherr.KindRegistryUnavailable, "code store lookup failed", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrCodeMismatch
	default:
		return ErrCodeMissing
	}
}
