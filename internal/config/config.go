package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all process configuration. It is loaded once at
// startup and passed by reference through fx; nothing reads the
// environment after Load returns.
type Config struct {
	Environment string
	HTTPAddr    string
	DatabaseDSN string

	JWTSecret string

	// Platform fee in basis points of the booking subtotal.
	FeeBasisPoints int64

	// ISO 4217 code applied when a booking carries no currency.
	DefaultCurrency string

	CardRail   CardRailConfig
	WalletRail WalletRailConfig

	Reconcile ReconcileConfig
	Tracing   TracingConfig
}

type CardRailConfig struct {
	SecretKey     string
	WebhookSecret string
}

type WalletRailConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

type ReconcileConfig struct {
	PollInterval time.Duration
	StuckAfter   time.Duration
	BatchSize    int
}

type TracingConfig struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from the environment. A local .env file is
// honored when present; missing files are not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: envOr("ESCROW_ENV", "development"),
		HTTPAddr:    envOr("ESCROW_HTTP_ADDR", ":8080"),
		DatabaseDSN: os.Getenv("ESCROW_DATABASE_DSN"),
		JWTSecret:   os.Getenv("ESCROW_JWT_SECRET"),

		DefaultCurrency: strings.ToLower(envOr("ESCROW_DEFAULT_CURRENCY", "usd")),
		CardRail: CardRailConfig{
			SecretKey:     os.Getenv("ESCROW_CARDRAIL_SECRET_KEY"),
			WebhookSecret: os.Getenv("ESCROW_CARDRAIL_WEBHOOK_SECRET"),
		},
		WalletRail: WalletRailConfig{
			BaseURL:       os.Getenv("ESCROW_WALLETRAIL_BASE_URL"),
			APIKey:        os.Getenv("ESCROW_WALLETRAIL_API_KEY"),
			WebhookSecret: os.Getenv("ESCROW_WALLETRAIL_WEBHOOK_SECRET"),
		},
		Tracing: TracingConfig{
			ServiceName:      envOr("OTEL_SERVICE_NAME", "escrow"),
			ServiceVersion:   envOr("ESCROW_VERSION", "dev"),
			ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ExporterProtocol: envOr("OTEL_EXPORTER_OTLP_PROTOCOL", "http"),
		},
	}

	var err error
	if cfg.FeeBasisPoints, err = envInt64("ESCROW_FEE_BASIS_POINTS", 500); err != nil {
		return Config{}, err
	}
	if cfg.FeeBasisPoints < 0 || cfg.FeeBasisPoints > 10000 {
		return Config{}, fmt.Errorf("config: fee basis points out of range: %d", cfg.FeeBasisPoints)
	}
	if cfg.WalletRail.Timeout, err = envDuration("ESCROW_WALLETRAIL_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Reconcile.PollInterval, err = envDuration("ESCROW_RECONCILE_POLL_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Reconcile.StuckAfter, err = envDuration("ESCROW_RECONCILE_STUCK_AFTER", time.Minute); err != nil {
		return Config{}, err
	}
	if batch, err := envInt64("ESCROW_RECONCILE_BATCH_SIZE", 50); err != nil {
		return Config{}, err
	} else {
		cfg.Reconcile.BatchSize = int(batch)
	}
	if cfg.Tracing.Enabled, err = envBool("ESCROW_TRACING_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.Tracing.SamplingRatio, err = envFloat("ESCROW_TRACING_SAMPLING_RATIO", 1.0); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envInt64(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return value, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return value, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return value, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return value, nil
}
