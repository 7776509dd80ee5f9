// Package config loads process configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ledgerlink.org/internal/batch"
	"ledgerlink.org/internal/reconcile"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	HTTPAddr   string
	GRPCAddr   string
	PGDSN      string
	RedisAddr  string
	AuthSecret string
	LogLevel   string
	// DevTokens opens /v1/auth/token without authentication.
	DevTokens bool
	// SealKey is the 32-byte master key for credential sealing.
	SealKey []byte

	Sync         batch.Config
	Reconcile    reconcile.Options
	ConsentWarn  time.Duration
	SweepEvery   time.Duration
	Xero         OAuthProvider
	TrueLayer    OAuthProvider
	GoCardless   GoCardless
	HoldedAPIURL string
}

type OAuthProvider struct {
	ClientID     string
	ClientSecret string
	APIURL       string
	AuthURL      string
	TokenURL     string
}

type GoCardless struct {
	BaseURL   string
	SecretID  string
	SecretKey string
}

// Load reads .env files (missing files are ignored) and then the environment.
// Variables already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup func, collecting every invalid value.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{get: getenv}
	def := batch.DefaultConfig()
	c := Config{
		HTTPAddr:   p.str("LEDGERLINK_HTTP_ADDR", ":8080"),
		GRPCAddr:   p.str("LEDGERLINK_GRPC_ADDR", ":9090"),
		PGDSN:      p.str("LEDGERLINK_PG_DSN", ""),
		RedisAddr:  p.str("LEDGERLINK_REDIS_ADDR", ""),
		AuthSecret: p.str("LEDGERLINK_AUTH_SECRET", ""),
		LogLevel:   p.str("LOG_LEVEL", "info"),
		DevTokens:  p.bool("LEDGERLINK_DEV_TOKENS", false),
		SealKey:    p.key("LEDGERLINK_SEAL_KEY"),
		Sync: batch.Config{
			BatchSize:    p.int("SYNC_BATCH_SIZE", def.BatchSize),
			Concurrency:  p.int("SYNC_CONCURRENCY", def.Concurrency),
			CallTimeout:  p.dur("SYNC_CALL_TIMEOUT", def.CallTimeout),
			MaxAttempts:  p.int("SYNC_MAX_ATTEMPTS", def.MaxAttempts),
			BackoffBase:  p.dur("SYNC_BACKOFF_BASE", def.BackoffBase),
			BackoffMax:   p.dur("SYNC_BACKOFF_MAX", def.BackoffMax),
			PendingLease: p.dur("SYNC_PENDING_LEASE", def.PendingLease),
			RatePerSec:   p.float("PROVIDER_RATE_PER_SEC", def.RatePerSec),
			Burst:        p.int("PROVIDER_BURST", def.Burst),
		},
		Reconcile:   reconcile.Options{WindowDays: p.int("RECONCILE_WINDOW_DAYS", reconcile.DefaultOptions().WindowDays)},
		ConsentWarn: p.dur("CONSENT_WARN_WITHIN", 7*24*time.Hour),
		SweepEvery:  p.dur("CONSENT_SWEEP_EVERY", time.Hour),
		Xero: OAuthProvider{
			ClientID:     p.str("XERO_CLIENT_ID", ""),
			ClientSecret: p.str("XERO_CLIENT_SECRET", ""),
			APIURL:       p.str("XERO_API_URL", ""),
			AuthURL:      p.str("XERO_AUTH_URL", ""),
			TokenURL:     p.str("XERO_TOKEN_URL", ""),
		},
		TrueLayer: OAuthProvider{
			ClientID:     p.str("TRUELAYER_CLIENT_ID", ""),
			ClientSecret: p.str("TRUELAYER_CLIENT_SECRET", ""),
			APIURL:       p.str("TRUELAYER_API_URL", ""),
			AuthURL:      p.str("TRUELAYER_AUTH_URL", ""),
			TokenURL:     p.str("TRUELAYER_TOKEN_URL", ""),
		},
		GoCardless: GoCardless{
			BaseURL:   p.str("GOCARDLESS_BASE_URL", ""),
			SecretID:  p.str("GOCARDLESS_SECRET_ID", ""),
			SecretKey: p.str("GOCARDLESS_SECRET_KEY", ""),
		},
		HoldedAPIURL: p.str("HOLDED_API_URL", ""),
	}
	if c.Sync.BatchSize <= 0 {
		p.fail("SYNC_BATCH_SIZE", "must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		p.fail("SYNC_CONCURRENCY", "must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		p.fail("SYNC_MAX_ATTEMPTS", "must be positive")
	}
	if c.Reconcile.WindowDays < 0 {
		p.fail("RECONCILE_WINDOW_DAYS", "must not be negative")
	}
	if err := p.err(); err != nil {
		return Config{}, err
	}
	return c, nil
}

type parser struct {
	get  func(string) string
	errs []string
}

func (p *parser) fail(name, msg string) { p.errs = append(p.errs, name+": "+msg) }

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(p.errs, "; "))
}

func (p *parser) str(name, def string) string {
	if v := strings.TrimSpace(p.get(name)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(name string, def int) int {
	v := strings.TrimSpace(p.get(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(name, "not an integer")
		return def
	}
	return n
}

func (p *parser) bool(name string, def bool) bool {
	v := strings.TrimSpace(p.get(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, "not a boolean")
		return def
	}
	return b
}

func (p *parser) float(name string, def float64) float64 {
	v := strings.TrimSpace(p.get(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(name, "not a number")
		return def
	}
	return f
}

func (p *parser) dur(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.get(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.fail(name, "not a duration")
		return def
	}
	return d
}

func (p *parser) key(name string) []byte {
	v := strings.TrimSpace(p.get(name))
	if v == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil || len(b) != 32 {
		p.fail(name, "want base64 of 32 bytes")
		return nil
	}
	return b
}
