package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch engine
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	JWTSecret string

	// Offer dispatcher knobs.
	DispatchInterval    time.Duration
	DispatchMaxAttempts int
	DispatchStagger     time.Duration
	DispatchTopK        int
	SearchRadiusMeters  float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "agents_geo",
		KafkaTopic:      "request-events",

		DispatchInterval:    10 * time.Second,
		DispatchMaxAttempts: 20,
		DispatchStagger:     300 * time.Millisecond,
		DispatchTopK:        10,
		SearchRadiusMeters:  60_000,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setDurationFromEnv(&cfg.DispatchInterval, "DISPATCH_INTERVAL", &errs)
	setIntFromEnv(&cfg.DispatchMaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.DispatchStagger, "DISPATCH_STAGGER", &errs)
	setIntFromEnv(&cfg.DispatchTopK, "DISPATCH_TOP_K", &errs)
	setFloatFromEnv(&cfg.SearchRadiusMeters, "SEARCH_RADIUS_METERS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.DispatchTopK <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TOP_K must be > 0"))
	}
	if cfg.SearchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_METERS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
