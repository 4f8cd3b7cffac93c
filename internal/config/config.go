package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Admin    AdminConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Exchange ExchangeConfig
}

// AdminConfig seeds the bootstrap account; skipped when unset.
type AdminConfig struct {
	Username string
	Password string
}

type ServerConfig struct {
	ListenAddr string
}

// AuthConfig covers token signing, lifetimes, and device policy.
type AuthConfig struct {
	JWTSecret         string
	JWTRetiredSecrets []string
	Issuer            string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	DeviceTTL         time.Duration
	MaxDevices        int
	DeviceLimitPolicy string
	RefreshRotation   bool
}

type PostgresConfig struct {
	DatabaseURL string
	Host        string
	Port        string
	User        string
	Password    string
	Database    string
	SSLMode     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ExchangeConfig points at the external identity provider used by the
// third-party code-exchange channel.
type ExchangeConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	IssuerURL    string
}

const (
	DeviceLimitReject      = "reject"
	DeviceLimitEvictOldest = "evict_oldest"
)

func Load() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: getenv("LISTEN_ADDR", ":8080"),
		},
		Auth: AuthConfig{
			JWTSecret:         os.Getenv("JWT_SECRET"),
			JWTRetiredSecrets: splitList(os.Getenv("JWT_RETIRED_SECRETS")),
			Issuer:            getenv("JWT_ISSUER", "authhub"),
			AccessTTL:         getduration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL:        getduration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			DeviceTTL:         getduration("DEVICE_TOKEN_TTL", 30*24*time.Hour),
			MaxDevices:        getint("MAX_DEVICES_PER_USER", 5),
			DeviceLimitPolicy: getenv("DEVICE_LIMIT_POLICY", DeviceLimitReject),
			RefreshRotation:   getbool("REFRESH_ROTATION", true),
		},
		Admin: AdminConfig{
			Username: os.Getenv("ADMIN_USERNAME"),
			Password: os.Getenv("ADMIN_PASSWORD"),
		},
		Postgres: PostgresConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			Host:        getenv("PGHOST", "localhost"),
			Port:        getenv("PGPORT", "5432"),
			User:        os.Getenv("PGUSER"),
			Password:    os.Getenv("PGPASSWORD"),
			Database:    os.Getenv("PGDATABASE"),
			SSLMode:     getenv("PGSSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getint("REDIS_DB", 0),
		},
		Exchange: ExchangeConfig{
			ClientID:     os.Getenv("EXCHANGE_CLIENT_ID"),
			ClientSecret: os.Getenv("EXCHANGE_CLIENT_SECRET"),
			TokenURL:     os.Getenv("EXCHANGE_TOKEN_URL"),
			IssuerURL:    os.Getenv("EXCHANGE_ISSUER_URL"),
		},
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getint(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getbool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(val string) []string {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
