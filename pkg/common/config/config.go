package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerHost     string
	ServerPort     string
	MetricsPort    string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	DatabaseDriver   string // postgres or sqlite
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	SQLitePath       string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers     []string
	KafkaGroupID     string
	KafkaEventsTopic string

	// Workflow executor
	ExecutorURL     string
	ExecutorProject string
	ExecutorDomain  string
	OrganizationID  string

	// OAuth2 client credentials for outbound calls
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	// Credits service
	CreditsURL string

	// Job type registry
	JobTypesFile string

	// Loops
	SchedulerInterval    time.Duration
	ReconcileInterval    time.Duration
	CancellationInterval time.Duration
	StaleLockTimeout     time.Duration
	CallTimeout          time.Duration
	MaxStartRetries      int
	MaxCancelRetries     int
	MaxRevertRetries     int
	MaxConcurrentJobs    int
	GPUCapacity          int
	UseRedisGPUPool      bool
}

func Load() *Config {
	return &Config{
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		DatabaseDriver:   getEnv("DATABASE_DRIVER", "postgres"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "jobs"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "jobs"),
		PostgresDB:       getEnv("POSTGRES_DB", "jobs"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		SQLitePath:       getEnv("SQLITE_PATH", "jobs.db"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "jobs-scheduler"),
		KafkaEventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "jobs.events"),

		ExecutorURL:     getEnv("EXECUTOR_URL", "http://localhost:8088"),
		ExecutorProject: getEnv("EXECUTOR_PROJECT", "jobs"),
		ExecutorDomain:  getEnv("EXECUTOR_DOMAIN", "production"),
		OrganizationID:  getEnv("ORGANIZATION_ID", ""),

		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),

		CreditsURL: getEnv("CREDITS_URL", ""),

		JobTypesFile: getEnv("JOB_TYPES_FILE", ""),

		SchedulerInterval:    getDuration("SCHEDULER_INTERVAL", 5*time.Second),
		ReconcileInterval:    getDuration("RECONCILE_INTERVAL", 5*time.Second),
		CancellationInterval: getDuration("CANCELLATION_INTERVAL", 5*time.Second),
		StaleLockTimeout:     getDuration("STALE_LOCK_TIMEOUT", 5*time.Minute),
		CallTimeout:          getDuration("CALL_TIMEOUT", 30*time.Second),
		MaxStartRetries:      getIntEnv("MAX_START_RETRIES", 5),
		MaxCancelRetries:     getIntEnv("MAX_CANCEL_RETRIES", 10),
		MaxRevertRetries:     getIntEnv("MAX_REVERT_RETRIES", 5),
		MaxConcurrentJobs:    getIntEnv("MAX_CONCURRENT_JOBS", 0),
		GPUCapacity:          getIntEnv("GPU_CAPACITY", 0),
		UseRedisGPUPool:      getBoolEnv("USE_REDIS_GPU_POOL", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
