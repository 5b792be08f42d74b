package killstory

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Environment           string
	Port                  int
	MetricsPort           int
	EsiContactInformation string

	DatabaseDriver string
	DatabaseURL    string

	RedisURL string

	ListEndpoint     string
	DetailEndpoint   string
	BatchSize        int
	RetryLimit       int
	RequestTimeout   time.Duration
	LogLevel         zerolog.Level
	CharacterIDs     []int32
	PopulateInterval time.Duration

	JWTSecret string
}

const (
	EnvironmentProduction = "production"

	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	DefaultListEndpoint   = "https://killstory.soeo.fr/{character_id}.json"
	DefaultDetailEndpoint = "https://esi.evetech.net/latest/killmails/{killmail_id}/{killmail_hash}/"
	DefaultBatchSize      = 100
	DefaultRetryLimit     = 5
	MaxRetryLimit         = 10
)

func NewConfig() (Config, error) {
	config := Config{
		Environment:           os.Getenv("ENVIRONMENT"),
		Port:                  8081,
		EsiContactInformation: os.Getenv("ESI_CONTACT_INFORMATION"),
		DatabaseDriver:        envOr("DATABASE_DRIVER", DriverSQLite),
		DatabaseURL:           envOr("DATABASE_URL", "killstory.db"),
		RedisURL:              os.Getenv("REDIS_URL"),
		ListEndpoint:          envOr("KILLSTORY_API_LIST_ENDPOINT", DefaultListEndpoint),
		DetailEndpoint:        envOr("KILLSTORY_API_DETAIL_ENDPOINT", DefaultDetailEndpoint),
		BatchSize:             DefaultBatchSize,
		RetryLimit:            DefaultRetryLimit,
		RequestTimeout:        10 * time.Second,
		LogLevel:              zerolog.InfoLevel,
		PopulateInterval:      24 * time.Hour,
		JWTSecret:             os.Getenv("KILLSTORY_JWT_SECRET"),
	}

	var err error

	if config.Port, err = envInt("PORT", config.Port); err != nil {
		return config, err
	}

	if config.MetricsPort, err = envInt("KILLSTORY_METRICS_PORT", config.MetricsPort); err != nil {
		return config, err
	}

	if config.BatchSize, err = envInt("KILLSTORY_BATCH_SIZE", config.BatchSize); err != nil {
		return config, err
	}

	if config.RetryLimit, err = envInt("KILLSTORY_RETRY_LIMIT", config.RetryLimit); err != nil {
		return config, err
	}

	if config.RequestTimeout, err = envDuration("KILLSTORY_REQUEST_TIMEOUT", config.RequestTimeout); err != nil {
		return config, err
	}

	if config.PopulateInterval, err = envDuration("KILLSTORY_POPULATE_INTERVAL", config.PopulateInterval); err != nil {
		return config, err
	}

	if level := os.Getenv("KILLSTORY_LOG_LEVEL"); level != "" {
		if config.LogLevel, err = zerolog.ParseLevel(strings.ToLower(level)); err != nil {
			return config, fmt.Errorf("invalid KILLSTORY_LOG_LEVEL: %w", err)
		}
	}

	if config.CharacterIDs, err = ParseCharacterIDs(os.Getenv("KILLSTORY_CHARACTER_IDS")); err != nil {
		return config, err
	}

	if config.EsiContactInformation == "" {
		return config, errors.New("missing ESI contact information")
	}

	if config.DatabaseDriver != DriverSQLite && config.DatabaseDriver != DriverPostgres {
		return config, fmt.Errorf("unsupported database driver %q", config.DatabaseDriver)
	}

	if config.BatchSize < 1 {
		return config, errors.New("batch size must be at least 1")
	}

	if config.PopulateInterval < time.Minute {
		return config, errors.New("populate interval must be at least one minute")
	}

	if config.RetryLimit < 1 || config.RetryLimit > MaxRetryLimit {
		return config, fmt.Errorf("retry limit must be between 1 and %d", MaxRetryLimit)
	}

	if !strings.Contains(config.ListEndpoint, "{character_id}") {
		return config, errors.New("list endpoint must contain {character_id}")
	}

	if !strings.Contains(config.DetailEndpoint, "{killmail_id}") || !strings.Contains(config.DetailEndpoint, "{killmail_hash}") {
		return config, errors.New("detail endpoint must contain {killmail_id} and {killmail_hash}")
	}

	return config, nil
}

// ParseCharacterIDs parses a comma separated list of character IDs.
func ParseCharacterIDs(value string) ([]int32, error) {
	var ids []int32
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		id, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid character ID %q: %w", field, err)
		}

		ids = append(ids, int32(id))
	}

	return ids, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}

	return parsed, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}

	return parsed, nil
}
