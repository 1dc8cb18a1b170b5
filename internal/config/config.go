package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	AppBaseURL  string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	AuthJWTSecret   string
	AuthJWTIssuer   string
	AuthJWTAudience string
	AdminAPIToken   string

	Stripe StripeConfig

	Checkout CheckoutConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RestoreRate   float64
	RestoreBurst  int

	PolicyFile string
}

type StripeConfig struct {
	SecretKey         string
	WebhookSecrets    []WebhookSecret
	WebhookTolerance  time.Duration
	MaxNetworkRetries int64
}

// WebhookSecret is a named signing secret. Secrets are tried in order.
type WebhookSecret struct {
	Name   string
	Secret string
}

// TelemetryConfig controls logging and OpenTelemetry export. Exporters stay
// off unless an endpoint is configured.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OTLPEndpoint  string
	OTLPProtocol  string
	OtelEnabled   bool
	SamplingRatio float64
}

type CheckoutConfig struct {
	Currency            string
	FallbackAmountCents int64
	FallbackProductName string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "coursepay"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		AppBaseURL:        strings.TrimRight(strings.TrimSpace(getenv("APP_BASE_URL", "http://localhost:3000")), "/"),
		Telemetry:         loadTelemetry(),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "coursepay.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DB_AUTO_MIGRATE", true),
		AuthJWTSecret:     strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer:     strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
		AuthJWTAudience:   strings.TrimSpace(getenv("AUTH_JWT_AUDIENCE", "")),
		AdminAPIToken:     strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		Stripe: StripeConfig{
			SecretKey:         strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecrets:    loadWebhookSecrets(),
			WebhookTolerance:  time.Duration(getenvInt("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
			MaxNetworkRetries: int64(getenvInt("STRIPE_MAX_NETWORK_RETRIES", 2)),
		},
		Checkout: CheckoutConfig{
			Currency:            strings.ToLower(getenv("CHECKOUT_CURRENCY", "gbp")),
			FallbackAmountCents: getenvInt64("CHECKOUT_FALLBACK_AMOUNT_CENTS", 0),
			FallbackProductName: getenv("CHECKOUT_FALLBACK_PRODUCT_NAME", "Course access"),
		},
		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),
		RestoreRate:   getenvFloat("RESTORE_RATE_PER_SECOND", 0.2),
		RestoreBurst:  getenvInt("RESTORE_BURST", 3),
		PolicyFile:    strings.TrimSpace(getenv("ENTITLEMENT_POLICY_FILE", "")),
	}
}

// Validate reports every missing required setting in one error.
func (c Config) Validate() error {
	var missing []string
	if c.Stripe.SecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if len(c.Stripe.WebhookSecrets) == 0 {
		missing = append(missing, "STRIPE_WEBHOOK_SECRETS")
	}
	if c.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	switch c.DBType {
	case "postgres":
		if strings.TrimSpace(c.DBHost) == "" || strings.TrimSpace(c.DBName) == "" {
			missing = append(missing, "DATABASE_HOST/DATABASE_NAME")
		}
	case "sqlite":
		if strings.TrimSpace(c.DBPath) == "" {
			missing = append(missing, "DATABASE_PATH")
		}
	default:
		return fmt.Errorf("config: unsupported DATABASE_TYPE %q", c.DBType)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	if c.Checkout.FallbackAmountCents < 0 {
		return errors.New("config: CHECKOUT_FALLBACK_AMOUNT_CENTS must not be negative")
	}
	return nil
}

var ErrMissingConfig = errors.New("config: missing required settings")

// New loads and validates configuration for the fx graph.
func New() (Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func loadTelemetry() TelemetryConfig {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}
	return TelemetryConfig{
		LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))),
		OTLPEndpoint:  endpoint,
		OTLPProtocol:  strings.ToLower(protocol),
		OtelEnabled:   getenvBool("OTEL_ENABLED", endpoint != ""),
		SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

// loadWebhookSecrets reads STRIPE_WEBHOOK_SECRETS ("name=secret,name=secret")
// then appends the single-environment variables in test, live order.
func loadWebhookSecrets() []WebhookSecret {
	secrets := parseWebhookSecrets(os.Getenv("STRIPE_WEBHOOK_SECRETS"))
	seen := make(map[string]struct{}, len(secrets))
	for _, s := range secrets {
		seen[s.Secret] = struct{}{}
	}
	for _, legacy := range []WebhookSecret{
		{Name: "test", Secret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET_TEST"))},
		{Name: "live", Secret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET_LIVE"))},
		{Name: "default", Secret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))},
	} {
		if legacy.Secret == "" {
			continue
		}
		if _, ok := seen[legacy.Secret]; ok {
			continue
		}
		seen[legacy.Secret] = struct{}{}
		secrets = append(secrets, legacy)
	}
	return secrets
}

func parseWebhookSecrets(raw string) []WebhookSecret {
	parts := strings.Split(raw, ",")
	out := make([]WebhookSecret, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, secret, ok := strings.Cut(p, "=")
		if !ok {
			name, secret = "secret"+strconv.Itoa(i+1), p
		}
		name, secret = strings.TrimSpace(name), strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		out = append(out, WebhookSecret{Name: name, Secret: secret})
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
