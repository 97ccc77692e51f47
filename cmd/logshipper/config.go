package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	Endpoint         string
	APIKey           string
	Sink             string
	NATSSubject      string
	Job              string
	BatchSize        int
	BatchInterval    time.Duration
	SyncMax          int
	IgnoreExceptions bool
	MaxRetries       int
	RetryDelay       time.Duration
	RequestTimeout   time.Duration
	RateLimit        float64
	RateBurst        int
	Pluck            []string

	LogRootPath        string
	NodeName           string
	MinWorkers         int
	MaxWorkers         int
	QueueSize          int
	ScanInterval       time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleCheckInterval time.Duration
	FileIdleTimeout    time.Duration
	FromStart          bool
}

func getConfig() AppConfig {
	return AppConfig{
		Endpoint:         getEnv("LOKI_URL", "http://loki:3100"),
		APIKey:           getEnv("API_KEY", ""),
		Sink:             getEnv("SINK", "loki"),
		NATSSubject:      getEnv("NATS_SUBJECT", "logs.batches"),
		Job:              getEnv("JOB", "logshipper"),
		BatchSize:        getEnvAsInt("BATCH_SIZE", 1000),
		BatchInterval:    getEnvAsDuration("BATCH_INTERVAL", time.Second),
		SyncMax:          getEnvAsInt("SYNC_MAX", 5),
		IgnoreExceptions: getEnvAsBool("IGNORE_EXCEPTIONS", false),
		MaxRetries:       getEnvAsInt("MAX_RETRIES", 2),
		RetryDelay:       getEnvAsDuration("RETRY_DELAY", time.Second),
		RequestTimeout:   getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RateLimit:        getEnvAsFloat("RATE_LIMIT", 0),
		RateBurst:        getEnvAsInt("RATE_BURST", 100),
		Pluck:            getEnvAsList("PLUCK"),

		LogRootPath:        getEnv("LOG_PATH", "/var/log/pods"),
		NodeName:           getEnv("NODE_NAME", "unknown"),
		MinWorkers:         getEnvAsInt("MIN_WORKERS", 2),
		MaxWorkers:         getEnvAsInt("MAX_WORKERS", 10),
		QueueSize:          getEnvAsInt("QUEUE_SIZE", 50),
		ScanInterval:       getEnvAsDuration("SCAN_INTERVAL", 30*time.Second),
		ScaleUpThreshold:   getEnvAsFloat("SCALE_UP_THRESHOLD", 0.9),
		ScaleDownThreshold: getEnvAsFloat("SCALE_DOWN_THRESHOLD", 0.3),
		ScaleCheckInterval: getEnvAsDuration("SCALE_CHECK_INTERVAL", 15*time.Second),
		FileIdleTimeout:    getEnvAsDuration("FILE_IDLE_TIMEOUT", 5*time.Minute),
		FromStart:          getEnvAsBool("FROM_START", false),
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
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
