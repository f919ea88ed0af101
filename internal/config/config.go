package config

import (
	"os"
	"strconv"
)

type Config struct {
	ServerPort string

	StoreBackend string // memory | redis | sqlite
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	SQLitePath   string

	WorkerCount     int
	PollIntervalMS  int
	SweepIntervalMS int
	ShutdownGraceS  int

	EngineURL string

	CleanupCron   string
	RetentionDays int

	// comma-separated key:name pairs granted the transcribe permission
	APIKeys string
}

func Load() *Config {
	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		StoreBackend:    getEnv("STORE_BACKEND", "memory"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		SQLitePath:      getEnv("SQLITE_PATH", "voxqueue.db"),
		WorkerCount:     getEnvInt("WORKER_COUNT", 3),
		PollIntervalMS:  getEnvInt("POLL_INTERVAL_MS", 500),
		SweepIntervalMS: getEnvInt("SWEEP_INTERVAL_MS", 5000),
		ShutdownGraceS:  getEnvInt("SHUTDOWN_GRACE_SEC", 30),
		EngineURL:       getEnv("ENGINE_URL", "http://localhost:9000"),
		CleanupCron:     getEnv("CLEANUP_CRON", "0 3 * * *"),
		RetentionDays:   getEnvInt("RETENTION_DAYS", 7),
		APIKeys:         getEnv("API_KEYS", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
