// Package config loads runtime settings for the realtime server from the
// environment (and an optional .env file).
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvProduction selects the production origin allow-list.
const EnvProduction = "production"

// Fixed origin allow-lists, selected by APP_ENV.
var (
	productionOrigins  = []string{"https://your-domain.com"}
	developmentOrigins = []string{"http://localhost:3000"}
)

// Config holds the server configuration.
type Config struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	AuthRequired    bool
	MaxMessageSize  int64
	SendBufferSize  int
	SessionDBPath   string
	ShutdownTimeout time.Duration
}

// IsProduction reports whether the server runs with production settings.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Addr returns the listen address for the configured port.
func (c Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// SessionsEnabled reports whether connection sessions are persisted.
func (c Config) SessionsEnabled() bool {
	return c.SessionDBPath != "" && c.SessionDBPath != "none"
}

// Load reads the configuration from the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Ignoring .env file: %v", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() Config {
	env := strings.ToLower(getEnv("APP_ENV", "development"))

	origins := developmentOrigins
	if env == EnvProduction {
		origins = productionOrigins
	}
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		origins = parseList(raw)
	}

	return Config{
		Port:            getEnv("SOCKET_PORT", "3001"),
		Environment:     env,
		AllowedOrigins:  append([]string(nil), origins...),
		AuthRequired:    parseBool(os.Getenv("AUTH_REQUIRED"), false),
		MaxMessageSize:  parseInt64(os.Getenv("MAX_MESSAGE_SIZE"), 64*1024),
		SendBufferSize:  int(parseInt64(os.Getenv("SEND_BUFFER_SIZE"), 256)),
		SessionDBPath:   getEnv("SESSION_DB_PATH", "realtime-sessions.db"),
		ShutdownTimeout: parseDuration(os.Getenv("SHUTDOWN_TIMEOUT"), 10*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(value string, fallback bool) bool {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return fallback
}

func parseInt64(value string, fallback int64) int64 {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
		return n
	}
	return fallback
}

// parseDuration accepts Go durations ("15s") or plain seconds ("15").
func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
