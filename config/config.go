package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Broadcast BroadcastConfig
	AWS       AWSConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// BroadcastConfig holds the live session engine settings.
type BroadcastConfig struct {
	FrameDuration    time.Duration // mixing frame length (unit of fan-out and seq numbering)
	SampleRate       int           // PCM sample rate, Hz
	MaxSources       int           // concurrent mixer sources per session
	JitterFrames     int           // per-source jitter buffer depth, in frames
	SendQueueFrames  int           // per-listener outbound queue depth, in frames
	HostGrace        time.Duration // reconnect window after a host drop before the session is ended
	DeadAirGrace     time.Duration // zero-producer window before a live session is ended
	PresenceInterval time.Duration // presence recompute/push interval
	ActivityWindow   time.Duration // trailing window for chat-activity aggregates
	ChatRatePerSec   float64       // per-connection chat message rate
	ChatBurst        int
}

// AWSConfig holds AWS credentials and the archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	PresignExpireMinutes int
}

// RateLimitConfig holds HTTP rate limit settings.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/onair?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "onair"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Broadcast: BroadcastConfig{
			FrameDuration:    getEnvDuration("BROADCAST_FRAME_MS", 100*time.Millisecond),
			SampleRate:       getEnvInt("BROADCAST_SAMPLE_RATE", 48000),
			MaxSources:       getEnvInt("BROADCAST_MAX_SOURCES", 8),
			JitterFrames:     getEnvInt("BROADCAST_JITTER_FRAMES", 3),
			SendQueueFrames:  getEnvInt("BROADCAST_SEND_QUEUE_FRAMES", 32),
			HostGrace:        getEnvDuration("BROADCAST_HOST_GRACE_SEC", 30*time.Second),
			DeadAirGrace:     getEnvDuration("BROADCAST_DEAD_AIR_GRACE_SEC", 60*time.Second),
			PresenceInterval: getEnvDuration("BROADCAST_PRESENCE_INTERVAL_SEC", 5*time.Second),
			ActivityWindow:   getEnvDuration("BROADCAST_ACTIVITY_WINDOW_SEC", 300*time.Second),
			ChatRatePerSec:   getEnvFloat("BROADCAST_CHAT_RATE", 1.0),
			ChatBurst:        getEnvInt("BROADCAST_CHAT_BURST", 5),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", "onair-broadcast-archives"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnv("HTTP_RATE_LIMIT_ENABLED", "true") == "true",
			RequestsPerSecond: getEnvFloat("HTTP_RATE_LIMIT_RPS", 20),
			Burst:             getEnvInt("HTTP_RATE_LIMIT_BURST", 40),
		},
	}
	return cfg, nil
}

// FrameSamples returns the number of PCM samples in one mixing frame.
func (c BroadcastConfig) FrameSamples() int {
	return int(float64(c.SampleRate) * c.FrameDuration.Seconds())
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration reads an integer env value scaled by the unit implied by the
// key suffix (_MS or _SEC).
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	if strings.HasSuffix(key, "_MS") {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(n) * time.Second
}
