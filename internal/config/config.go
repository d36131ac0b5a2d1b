// Package config reads service settings from the environment, optionally
// preloaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/engine"
)

// Config holds every runtime setting.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	LogLevel    slog.Level

	// RulesFile is an optional YAML rule pack seeded at startup.
	RulesFile string

	// Intervals maps flow name to tick interval; zero disables the flow.
	Intervals   map[string]time.Duration
	ItemTimeout time.Duration

	// ChangeThreshold is the minimum percentage move that gets persisted.
	ChangeThreshold decimal.Decimal
	// PassRateLimit caps items per second within one pass; 0 is unlimited.
	PassRateLimit float64
	PassBurst     int

	Location              *time.Location
	ApplyExperimentWinner bool
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads .env (when present) and then the process environment.
// Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("error loading .env file", "err", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, applying defaults.
func FromEnv(lookup LookupFunc) (*Config, error) {
	r := reader{lookup: lookup}

	cfg := &Config{
		Port:        r.str("PORT", "8080"),
		DatabaseURL: r.str("DATABASE_URL", ""),
		RedisURL:    r.str("REDIS_URL", ""),
		CacheTTL:    r.duration("CACHE_TTL", 30*time.Second),
		RulesFile:   r.str("RULES_FILE", ""),
		Intervals: map[string]time.Duration{
			engine.FlowRules:       r.duration("RULES_INTERVAL", 15*time.Minute),
			engine.FlowSurgeDetect: r.duration("SURGE_DETECT_INTERVAL", 5*time.Minute),
			engine.FlowSurgeExpire: r.duration("SURGE_EXPIRE_INTERVAL", time.Minute),
			engine.FlowExperiments: r.duration("EXPERIMENT_INTERVAL", time.Hour),
		},
		ItemTimeout:           r.duration("ITEM_TIMEOUT", engine.DefaultItemTimeout),
		ChangeThreshold:       r.decimal("CHANGE_THRESHOLD_PCT", decimal.NewFromInt(1)),
		PassRateLimit:         r.float("PASS_RATE_LIMIT", 0),
		PassBurst:             r.int("PASS_RATE_BURST", 1),
		ApplyExperimentWinner: r.bool("APPLY_EXPERIMENT_WINNER", false),
	}

	level := r.str("LOG_LEVEL", "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		r.errs = append(r.errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	tz := r.str("PRICING_TZ", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("PRICING_TZ: %w", err))
		loc = time.UTC
	}
	cfg.Location = loc

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if c.ChangeThreshold.IsNegative() {
		errs = append(errs, errors.New("CHANGE_THRESHOLD_PCT must not be negative"))
	}
	if c.ItemTimeout < 0 {
		errs = append(errs, errors.New("ITEM_TIMEOUT must not be negative"))
	}
	if c.PassRateLimit < 0 {
		errs = append(errs, errors.New("PASS_RATE_LIMIT must not be negative"))
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("REDIS_URL requires DATABASE_URL"))
	}
	for flow, iv := range c.Intervals {
		if iv < 0 {
			errs = append(errs, fmt.Errorf("interval for %s must not be negative", flow))
		}
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup LookupFunc
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
