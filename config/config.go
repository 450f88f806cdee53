package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            string
	Env             string
	KafkaBrokers    string
	KafkaTopic      string
	SpoolDir        string
	WorkerCount     int
	QueueCapacity   int
	AnalysisTimeout time.Duration
	RetentionTTL    time.Duration
	ShutdownTimeout time.Duration
}

func Load() *Config {
	return &Config{
		Port:            getEnv("SERVICE_PORT", "50054"),
		Env:             getEnv("ENV", "development"),
		KafkaBrokers:    getEnv("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "pawfiler-events"),
		SpoolDir:        getEnv("SPOOL_DIR", "/tmp/videos"),
		WorkerCount:     getEnvAsInt("WORKER_COUNT", 5),
		QueueCapacity:   getEnvAsInt("QUEUE_CAPACITY", 0),
		AnalysisTimeout: getEnvAsDuration("ANALYSIS_TIMEOUT", 5*time.Minute),
		RetentionTTL:    getEnvAsDuration("RETENTION_TTL", time.Hour),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
