// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// NodeID tags intents this process relays to its peers.
	NodeID string

	// JWT settings
	JWTSecret string

	// CORS
	AllowedOrigins []string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Live channel
	PresenceGracePeriod time.Duration
	WSPingInterval      time.Duration
	WSSendBuffer        int
	WSEventRate         float64
	WSEventBurst        int

	// History
	HistoryLimit int

	// GroupsFile is a YAML group membership table. Empty means every user
	// belongs to every group.
	GroupsFile string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		NodeID: getEnv("NODE_ID", hostname()),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", nil),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// Live channel
		PresenceGracePeriod: getDurationEnv("PRESENCE_GRACE_PERIOD", 0),
		WSPingInterval:      getDurationEnv("WS_PING_INTERVAL", 30*time.Second),
		WSSendBuffer:        getIntEnv("WS_SEND_BUFFER", 64),
		WSEventRate:         getFloatEnv("WS_EVENT_RATE", 5),
		WSEventBurst:        getIntEnv("WS_EVENT_BURST", 20),

		HistoryLimit: getIntEnv("HISTORY_LIMIT", 100),
		GroupsFile:   getEnv("GROUPS_FILE", ""),
	}
}

// groupsFile is the on-disk shape of GROUPS_FILE.
type groupsFile struct {
	Groups map[string][]string `yaml:"groups"`
}

// LoadGroups reads a group membership table:
//
//	groups:
//	  evaluators: [eval-1, eval-2]
//	  schools: [school-1]
func LoadGroups(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file: %w", err)
	}

	var f groupsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse groups file: %w", err)
	}
	for tag, members := range f.Groups {
		if tag == "" || strings.Contains(tag, ":") {
			return nil, fmt.Errorf("invalid group tag %q", tag)
		}
		if len(members) == 0 {
			delete(f.Groups, tag)
		}
	}
	if f.Groups == nil {
		f.Groups = map[string][]string{}
	}
	return f.Groups, nil
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
