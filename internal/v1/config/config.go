// Package config validates environment configuration at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port      string
	JWTSecret string

	// Collaborators
	DatabaseURL   string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string
	JWTAccessCookie string

	// Game tuning knobs
	RoundSeconds           int
	MaxRounds              int
	MaxPlayers             int
	ChatWindowSeconds      int
	ChatMaxBurst           int
	MaxChatCooldown        int
	DisconnectGraceSeconds int
	RoundBreakSeconds      int
	KickVoteSeconds        int
	ChatHistoryLimit       int
	DrawHistoryLimit       int
	RoomHistoryTTLSeconds  int
	RoomStateTTLSeconds    int
	TimerOwnerGraceSeconds int
	RedisLockTimeoutSecs   int
	RedisLockWaitSecs      int
	EmptyRoomDeleteMinutes int

	// Rate limit for websocket handshakes, ulule/limiter format
	RateLimitWsIP string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: DATABASE_URL (room and membership rows live in Postgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.JWTAccessCookie = getEnvOrDefault("JWT_ACCESS_COOKIE", "access_token")

	cfg.RoundSeconds = getIntEnv(&errors, "ROUND_SECONDS", 120)
	cfg.MaxRounds = getIntEnv(&errors, "MAX_ROUNDS", 10)
	cfg.MaxPlayers = getIntEnv(&errors, "MAX_PLAYERS", 8)
	cfg.ChatWindowSeconds = getIntEnv(&errors, "CHAT_WINDOW_SECONDS", 4)
	cfg.ChatMaxBurst = getIntEnv(&errors, "CHAT_MAX_BURST", 3)
	cfg.MaxChatCooldown = getIntEnv(&errors, "MAX_CHAT_COOLDOWN", 12)
	cfg.DisconnectGraceSeconds = getIntEnv(&errors, "DISCONNECT_GRACE_SECONDS", 60)
	cfg.RoundBreakSeconds = getIntEnv(&errors, "ROUND_BREAK_SECONDS", 5)
	cfg.KickVoteSeconds = getIntEnv(&errors, "KICK_VOTE_SECONDS", 20)
	cfg.ChatHistoryLimit = getIntEnv(&errors, "CHAT_HISTORY_LIMIT", 500)
	cfg.DrawHistoryLimit = getIntEnv(&errors, "DRAW_HISTORY_LIMIT", 2000)
	cfg.RoomHistoryTTLSeconds = getIntEnv(&errors, "ROOM_HISTORY_TTL_SECONDS", 604800)
	cfg.RoomStateTTLSeconds = getIntEnv(&errors, "ROOM_STATE_TTL_SECONDS", 86400)
	cfg.TimerOwnerGraceSeconds = getIntEnv(&errors, "TIMER_OWNER_GRACE_SECONDS", 15)
	cfg.RedisLockTimeoutSecs = getIntEnv(&errors, "REDIS_LOCK_TIMEOUT_SECONDS", 10)
	cfg.RedisLockWaitSecs = getIntEnv(&errors, "REDIS_LOCK_WAIT_SECONDS", 5)
	cfg.EmptyRoomDeleteMinutes = getIntEnv(&errors, "EMPTY_ROOM_DELETE_MINUTES", 1)

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return cfg, nil
}

// Default returns a Config carrying only the built-in defaults. Used by tests
// and as the baseline the engine is constructed from.
func Default() *Config {
	return &Config{
		JWTAccessCookie:        "access_token",
		RoundSeconds:           120,
		MaxRounds:              10,
		MaxPlayers:             8,
		ChatWindowSeconds:      4,
		ChatMaxBurst:           3,
		MaxChatCooldown:        12,
		DisconnectGraceSeconds: 60,
		RoundBreakSeconds:      5,
		KickVoteSeconds:        20,
		ChatHistoryLimit:       500,
		DrawHistoryLimit:       2000,
		RoomHistoryTTLSeconds:  604800,
		RoomStateTTLSeconds:    86400,
		TimerOwnerGraceSeconds: 15,
		RedisLockTimeoutSecs:   10,
		RedisLockWaitSecs:      5,
		EmptyRoomDeleteMinutes: 1,
		RateLimitWsIP:          "100-M",
	}
}

// DisconnectGrace returns the disconnect grace window as a duration.
func (c *Config) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceSeconds) * time.Second
}

// RoundBreak returns the inter-round pause as a duration.
func (c *Config) RoundBreak() time.Duration {
	return time.Duration(c.RoundBreakSeconds) * time.Second
}

// KickVoteWindow returns the kick vote expiry as a duration.
func (c *Config) KickVoteWindow() time.Duration {
	return time.Duration(c.KickVoteSeconds) * time.Second
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getIntEnv parses an integer knob, accumulating a validation error on garbage.
func getIntEnv(errs *[]string, key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return defaultValue
	}
	return value
}

// RedactSecret redacts a secret by showing only the first 8 characters
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
