package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Rooms          RoomConfig
	TwoFactor      TwoFactorConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RoomConfig holds room lifecycle tuning.
type RoomConfig struct {
	// EmptyTTL is how long an empty room survives before the sweep may
	// destroy it.
	EmptyTTL time.Duration

	// SweepInterval is how often the cleanup sweep runs.
	SweepInterval time.Duration

	// NegotiationTimeout bounds how long a peer link may sit in a pending
	// offer/answer state before it is failed.
	NegotiationTimeout time.Duration

	// DefaultMaxParticipants is used when a room is created without an
	// explicit limit.
	DefaultMaxParticipants int
}

type TwoFactorConfig struct {
	CodeTTL time.Duration
}

func Load() *Config {
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
			DB:       0,
		},
		Rooms: RoomConfig{
			EmptyTTL:               getDurationEnv("ROOM_EMPTY_TTL", 10*time.Minute),
			SweepInterval:          getDurationEnv("ROOM_SWEEP_INTERVAL", time.Hour),
			NegotiationTimeout:     getDurationEnv("NEGOTIATION_TIMEOUT", 30*time.Second),
			DefaultMaxParticipants: getIntEnv("ROOM_MAX_PARTICIPANTS", 8),
		},
		TwoFactor: TwoFactorConfig{
			CodeTTL: getDurationEnv("TWO_FACTOR_CODE_TTL", 5*time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
