package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Protocol limits. These are fixed properties of the wire protocol and the
// room model, not runtime-negotiable settings.
const (
	MaxParticipants  = 15
	MaxRooms         = 100
	MaxMessageLength = 1000
	MaxChatHistory   = 100

	HeartbeatInterval  = 30 * time.Second
	ParticipantTimeout = 60 * time.Second
	RoomEmptyTTL       = 4 * time.Minute

	MaxChunkSize       = 16 * 1024
	SenderBufferChunks = 100
	StreamBufferChunks = 300

	BandwidthCeilingKbps = 4000
	PacketLossCeiling    = 15
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig

	// CoordinatorBackend is "redis" or "memory". Memory has no
	// cross-process guarantees and is meant for single-process runs.
	CoordinatorBackend string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		CoordinatorBackend: getEnv("COORDINATOR_BACKEND", "redis"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
