package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ukydev/fleet-odometer/internal/models"
)

// Config holds all configuration for the odometer service
type Config struct {
	// Server
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateLimit    int // requests per client per minute, 0 disables

	// Storage
	Store    string // "mongo" or "memory"
	MongoURI string
	MongoDB  string

	// Auth
	JWTSecret string
	JWTExpiry time.Duration
	SeedUsers []models.User // memory store only

	// Odometer engine
	LockTimeout      time.Duration
	SuspiciousJumpKM int64
	SystemActor      string

	// Maintenance thresholds
	DueSoonKM int64
	OverdueKM int64

	// Alert scheduler
	AlertInterval      time.Duration
	AlertHour          int // -1 starts one interval after boot
	AlertCooldown      time.Duration
	DocumentExpiryDays int
	AlertRecipients    []string
	AlertRoles         []models.Role
	AlertChannel       string

	// MQTT
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// Logging
	LogLevel  string
	LogFormat string
}

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Load loads configuration from environment variables, reading .env first if present.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:         getEnv("PORT", "8081"),
		ReadTimeout:  p.duration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout: p.duration("WRITE_TIMEOUT", 15*time.Second),
		RateLimit:    p.integer("RATE_LIMIT", 120),

		Store:    strings.ToLower(getEnv("STORE", StoreMongo)),
		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:  getEnv("MONGO_DB", "fleet"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTExpiry: p.duration("JWT_EXPIRY", 24*time.Hour),
		SeedUsers: p.users("SEED_USERS"),

		LockTimeout:      p.duration("LOCK_TIMEOUT", 5*time.Second),
		SuspiciousJumpKM: int64(p.integer("SUSPICIOUS_JUMP_KM", 2000)),
		SystemActor:      getEnv("SYSTEM_ACTOR", "system"),

		DueSoonKM: int64(p.integer("SERVICE_DUE_SOON_KM", 4200)),
		OverdueKM: int64(p.integer("SERVICE_OVERDUE_KM", 4500)),

		AlertInterval:      p.duration("ALERT_INTERVAL", 24*time.Hour),
		AlertHour:          p.integer("ALERT_HOUR", 7),
		AlertCooldown:      p.duration("ALERT_COOLDOWN", 7*24*time.Hour),
		DocumentExpiryDays: p.integer("DOCUMENT_EXPIRY_DAYS", 30),
		AlertRecipients:    splitList(getEnv("ALERT_RECIPIENTS", "")),
		AlertRoles:         p.roles("ALERT_RECIPIENT_ROLES", "admin,manager"),
		AlertChannel:       getEnv("ALERT_CHANNEL", "email"),

		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "fleet-odometer"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "fleet/alerts"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Store != StoreMongo && c.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StoreMongo, StoreMemory, c.Store))
	}
	if c.Store == StoreMongo && c.MongoURI == "" {
		errs = append(errs, errors.New("MONGO_URI is required for the mongo store"))
	}
	if c.DueSoonKM <= 0 || c.DueSoonKM >= c.OverdueKM {
		errs = append(errs, fmt.Errorf("SERVICE_DUE_SOON_KM (%d) must be positive and below SERVICE_OVERDUE_KM (%d)", c.DueSoonKM, c.OverdueKM))
	}
	if c.SuspiciousJumpKM < 0 {
		errs = append(errs, errors.New("SUSPICIOUS_JUMP_KM must not be negative"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.AlertInterval <= 0 {
		errs = append(errs, errors.New("ALERT_INTERVAL must be positive"))
	}
	if c.AlertHour < -1 || c.AlertHour > 23 {
		errs = append(errs, fmt.Errorf("ALERT_HOUR must be between -1 and 23, got %d", c.AlertHour))
	}
	if c.AlertCooldown <= 0 {
		errs = append(errs, errors.New("ALERT_COOLDOWN must be positive"))
	}
	if c.DocumentExpiryDays < 0 {
		errs = append(errs, errors.New("DOCUMENT_EXPIRY_DAYS must not be negative"))
	}
	switch c.AlertChannel {
	case "sms", "push", "email":
	default:
		errs = append(errs, fmt.Errorf("ALERT_CHANNEL must be sms, push or email, got %q", c.AlertChannel))
	}
	return errors.Join(errs...)
}

// Helper functions to get environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser collects malformed values instead of silently using defaults.
type parser struct {
	errs []error
}

func (p *parser) integer(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return defaultValue
	}
	return value
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}

func (p *parser) roles(key, defaultValue string) []models.Role {
	var out []models.Role
	for _, item := range splitList(getEnv(key, defaultValue)) {
		role := models.Role(item)
		if !models.IsValidRole(role) {
			p.errs = append(p.errs, fmt.Errorf("%s: unknown role %q", key, item))
			continue
		}
		out = append(out, role)
	}
	return out
}

// users parses "username:role[:contact]" items. Contacts containing "@" are emails, others phones.
func (p *parser) users(key string) []models.User {
	var out []models.User
	for _, item := range splitList(getEnv(key, "")) {
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 || parts[0] == "" || !models.IsValidRole(models.Role(parts[1])) {
			p.errs = append(p.errs, fmt.Errorf("%s: %q is not username:role[:contact]", key, item))
			continue
		}
		user := models.User{Username: parts[0], Role: models.Role(parts[1])}
		if len(parts) == 3 {
			if strings.Contains(parts[2], "@") {
				user.Email = parts[2]
			} else {
				user.Phone = parts[2]
			}
		}
		out = append(out, user)
	}
	return out
}
