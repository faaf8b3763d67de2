package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/models"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"300"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Time allowed for in-flight requests and job units on shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10m"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth Enabled - when false, the X-User-ID header identifies callers
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`
	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Realm role required on /system/nitro
	AuthRequiredRole string `env:"AUTH_REQUIRED_ROLE" env-default:""`

	// Redis host. Empty runs without Redis: locks are local and the upstream throttle is off.
	RedisHost string `env:"REDIS_HOST" env-default:""`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated). Empty logs audit events instead.
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Kafka topic for written entities
	KafkaSuccessTopic string `env:"KAFKA_SUCCESS_TOPIC" env-default:"nitro-ingest-success"`
	// Kafka topic for failed events
	KafkaFailureTopic string `env:"KAFKA_FAILURE_TOPIC" env-default:"nitro-ingest-failure"`
	// Kafka topic for written entities missing a title, genres or episode number. Empty disables it.
	KafkaStatusTopic string `env:"KAFKA_STATUS_TOPIC" env-default:"nitro-ingest-status"`

	// Nitro upstream
	NitroBaseURL          string        `env:"NITRO_BASE_URL" env-default:"https://programmes.api.bbc.com/nitro/api"`
	NitroAPIKey           string        `env:"NITRO_API_KEY" env-default:""`
	NitroPageSize         int           `env:"NITRO_PAGE_SIZE" env-default:"300"`
	NitroSchedulePageSize int           `env:"NITRO_SCHEDULE_PAGE_SIZE" env-default:"300"`
	NitroFetchConcurrency int           `env:"NITRO_FETCH_CONCURRENCY" env-default:"4"`
	NitroRatePerSecond    float64       `env:"NITRO_REQUESTS_PER_SECOND" env-default:"0"`
	NitroTimeout          time.Duration `env:"NITRO_TIMEOUT" env-default:"30s"`
	// Channels synced by the jobs, as id:media_type pairs, e.g. bbc_one_london:video,bbc_radio_four:audio
	NitroChannels string `env:"NITRO_CHANNELS" env-default:""`

	// Key lock backend: local or redis
	KeyLockBackend string        `env:"KEY_LOCK_BACKEND" env-default:"local"`
	KeyLockTTL     time.Duration `env:"KEY_LOCK_TTL" env-default:"2m"`

	// Scheduler settings
	SchedulerEnabled    bool          `env:"SCHEDULER_ENABLED" env-default:"true"`
	SchedulerRunOnStart bool          `env:"SCHEDULER_RUN_ON_START" env-default:"false"`
	SchedulerLockTTL    time.Duration `env:"SCHEDULER_LOCK_TTL" env-default:"5m"`

	// Job family sizing
	JobFailureThresholdPercent int     `env:"JOB_FAILURE_THRESHOLD_PERCENT" env-default:"20"`
	JobTodayThreads            int     `env:"JOB_TODAY_THREADS" env-default:"2"`
	JobTodayRate               float64 `env:"JOB_TODAY_REQUESTS_PER_SECOND" env-default:"5"`
	JobFortnightThreads        int     `env:"JOB_FORTNIGHT_THREADS" env-default:"4"`
	JobFortnightRate           float64 `env:"JOB_FORTNIGHT_REQUESTS_PER_SECOND" env-default:"5"`
	JobThreeWeekThreads        int     `env:"JOB_THREE_WEEK_THREADS" env-default:"2"`
	JobThreeWeekRate           float64 `env:"JOB_THREE_WEEK_REQUESTS_PER_SECOND" env-default:"2"`
	JobAroundTodayThreads      int     `env:"JOB_AROUND_TODAY_THREADS" env-default:"4"`
	JobAroundTodayRate         float64 `env:"JOB_AROUND_TODAY_REQUESTS_PER_SECOND" env-default:"5"`
	JobOffScheduleThreads      int     `env:"JOB_OFF_SCHEDULE_THREADS" env-default:"1"`
	JobOffScheduleRate         float64 `env:"JOB_OFF_SCHEDULE_REQUESTS_PER_SECOND" env-default:"2"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads a .env file when present, then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	switch c.KeyLockBackend {
	case "local":
	case "redis":
		if c.RedisHost == "" {
			return errors.New("KEY_LOCK_BACKEND=redis requires REDIS_HOST")
		}
	default:
		return fmt.Errorf("unknown KEY_LOCK_BACKEND %q", c.KeyLockBackend)
	}
	if c.AuthEnabled && (c.AuthIssuerURL == "" || c.AuthClientID == "") {
		return errors.New("AUTH_ENABLED requires AUTH_ISSUER_URL and AUTH_CLIENT_ID")
	}
	if c.JobFailureThresholdPercent < 0 || c.JobFailureThresholdPercent > 100 {
		return fmt.Errorf("JOB_FAILURE_THRESHOLD_PERCENT must be within 0-100, got %d", c.JobFailureThresholdPercent)
	}
	_, err := c.Channels()
	return err
}

// Channels parses NitroChannels. A channel without a media type is video.
func (c *Config) Channels() ([]models.Channel, error) {
	var out []models.Channel
	seen := make(map[string]bool)
	for _, part := range strings.Split(c.NitroChannels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, media, _ := strings.Cut(part, ":")
		ch := models.Channel{ID: strings.TrimSpace(id), MediaType: models.MediaTypeVideo}
		if media = strings.TrimSpace(media); media != "" {
			ch.MediaType = models.MediaType(media)
		}
		if ch.ID == "" {
			return nil, fmt.Errorf("channel %q has no id", part)
		}
		if ch.MediaType != models.MediaTypeAudio && ch.MediaType != models.MediaTypeVideo {
			return nil, fmt.Errorf("channel %s has unknown media type %q", ch.ID, media)
		}
		if seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true
		out = append(out, ch)
	}
	return out, nil
}
