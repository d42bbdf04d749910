package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr           string
	DBPath         string
	WriteTimeout   time.Duration
	MaxMessageSize int64
	JWTSecret      string
	JWTSecretParam string // SSM parameter name; wins over JWTSecret
	TokenTTL       time.Duration
	TZOffsetHours  int
	UnreadLimit    int
	ControlSocket  string
	SeedDefaults   bool
}

func Load() *Config {
	cfg := &Config{
		Addr:           ":8000",
		DBPath:         "chatrelay.db",
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 << 10,
		TokenTTL:       24 * time.Hour,
		TZOffsetHours:  3,
		UnreadLimit:    100,
		ControlSocket:  "/tmp/chatrelay.sock",
	}

	if addr := os.Getenv("CHAT_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if dbPath := os.Getenv("CHAT_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("CHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil && timeout > 0 {
			cfg.WriteTimeout = timeout
		}
	}

	if sizeStr := os.Getenv("CHAT_MAX_MESSAGE_SIZE"); sizeStr != "" {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil && size > 0 {
			cfg.MaxMessageSize = size
		}
	}

	cfg.JWTSecret = os.Getenv("CHAT_JWT_SECRET")
	cfg.JWTSecretParam = os.Getenv("CHAT_JWT_SECRET_PARAM")

	if ttlStr := os.Getenv("CHAT_TOKEN_TTL"); ttlStr != "" {
		if ttl, err := time.ParseDuration(ttlStr); err == nil && ttl > 0 {
			cfg.TokenTTL = ttl
		}
	}

	if offsetStr := os.Getenv("CHAT_TZ_OFFSET_HOURS"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= -12 && offset <= 14 {
			cfg.TZOffsetHours = offset
		}
	}

	if limitStr := os.Getenv("CHAT_UNREAD_LIMIT"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			cfg.UnreadLimit = limit
		}
	}

	if sock := os.Getenv("CHAT_CONTROL_SOCKET"); sock != "" {
		cfg.ControlSocket = sock
	}

	if seedStr := os.Getenv("CHAT_SEED_DEFAULTS"); seedStr != "" {
		if seed, err := strconv.ParseBool(seedStr); err == nil {
			cfg.SeedDefaults = seed
		}
	}

	return cfg
}
