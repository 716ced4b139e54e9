package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseDriver string
	DatabaseDSN    string
	JWTSecret      string

	HistoryLimit          int
	HistoryReplay         int
	TypingTTL             time.Duration
	ConsolidationWindow   time.Duration
	ConsolidationPreviews int
	PreviewLength         int
	ChatPage              string
	SweepSchedule         string

	WSEventRate      float64
	WSEventBurst     int
	BroadcastWorkers int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 读取正整数，非法或非正值回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 读取 .env（可选）与环境变量，缺省值适合本地开发。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		DatabaseDriver:        getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=livechat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		HistoryLimit:          getenvInt("HISTORY_LIMIT", 200),
		HistoryReplay:         getenvInt("HISTORY_REPLAY", 50),
		TypingTTL:             getenvDuration("TYPING_TTL", 2*time.Second),
		ConsolidationWindow:   getenvDuration("CONSOLIDATION_WINDOW", 5*time.Minute),
		ConsolidationPreviews: getenvInt("CONSOLIDATION_PREVIEWS", 10),
		PreviewLength:         getenvInt("PREVIEW_LENGTH", 50),
		ChatPage:              getenv("CHAT_PAGE", "/chat"),
		SweepSchedule:         getenv("SWEEP_SCHEDULE", "@every 1m"),
		WSEventRate:           getenvFloat("WS_EVENT_RATE", 20),
		WSEventBurst:          getenvInt("WS_EVENT_BURST", 40),
		BroadcastWorkers:      getenvInt("BROADCAST_WORKERS", 8),
	}
}

// Validate 在启动前检查关键配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
		if cfg.DatabaseDSN == "" {
			return errors.New("config: DATABASE_DSN is empty")
		}
	case "memory":
	default:
		return errors.New("config: unknown DATABASE_DRIVER " + cfg.DatabaseDriver)
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default JWT_SECRET is not allowed outside dev")
	}
	return nil
}
