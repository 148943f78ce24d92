package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv        string
	Port          string
	SentryDSN     string
	SentryRelease string

	LogLevel     string
	LogFile      string
	LogMaxSizeMB int

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	RunMigrations     bool

	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	TokenPrefix    string
	AccessTokenTTL time.Duration
	BcryptCost     int

	LoginMaxAttempts     int
	LoginAttemptWindow   time.Duration
	LoginAttemptCapacity int
	DefaultRole          string

	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration

	CloudinaryURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	CronSecret       string
	MetricsToken     string
	AuditRetention   time.Duration
	CleanupBatchSize int

	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

type Options struct {
	LoadDotEnv bool
}

func Load(options Options) (Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:        envOrDefault("APP_ENV", "development"),
		Port:          envOrDefault("PORT", "8080"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		SentryRelease: os.Getenv("SENTRY_RELEASE"),

		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
		LogFile:      os.Getenv("LOG_FILE"),
		LogMaxSizeMB: envIntOrDefault("LOG_MAX_SIZE_MB", 100),

		DatabaseURL:       databaseURL,
		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrations:     EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),

		JWTSecret:      jwtSecret,
		JWTIssuer:      envOrDefault("JWT_ISSUER", "fruits-store"),
		JWTAudience:    envOrDefault("JWT_AUDIENCE", "fruits-store-clients"),
		TokenPrefix:    envRawOrDefault("TOKEN_PREFIX", "Bearer "),
		AccessTokenTTL: envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 60),
		BcryptCost:     envIntOrDefault("BCRYPT_COST", 12),

		LoginMaxAttempts:     envIntOrDefault("LOGIN_MAX_ATTEMPTS", 3),
		LoginAttemptWindow:   envSecondsOrDefault("LOGIN_ATTEMPT_WINDOW_SECONDS", 120),
		LoginAttemptCapacity: envIntOrDefault("LOGIN_ATTEMPT_CACHE_SIZE", 100),
		DefaultRole:          strings.ToUpper(envOrDefault("DEFAULT_ROLE", "USER")),

		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),

		CloudinaryURL: os.Getenv("CLOUDINARY_URL"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     envIntOrDefault("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     envOrDefault("SMTP_FROM", "no-reply@fruits-store.local"),

		CronSecret:       os.Getenv("CRON_SECRET"),
		MetricsToken:     envOrDefault("METRICS_TOKEN", os.Getenv("CRON_SECRET")),
		AuditRetention:   envDaysOrDefault("AUDIT_RETENTION_DAYS", 30),
		CleanupBatchSize: envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),

		AdminUsername: os.Getenv("ADMIN_USERNAME"),
		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}

	return cfg, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// envRawOrDefault keeps surrounding whitespace, which matters for prefixes like "Bearer ".
func envRawOrDefault(name, fallback string) string {
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
