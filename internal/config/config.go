// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, persistence paths, cache and upstream
// endpoints, billing credentials, abuse verification, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "kb-chat-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RecaptchaConfig holds the challenge-verifier secrets and policy knobs.
type RecaptchaConfig struct {
	V2Secret    string        // RECAPTCHA_V2_SECRET
	V3Secret    string        // RECAPTCHA_V3_SECRET
	V3Threshold float64       // minimum passing v3 score
	CooldownTTL time.Duration // how long a failed v3 identity stays blocked
}

// StripeConfig holds billing-provider credentials and the overage price tier.
type StripeConfig struct {
	SecretKey      string        // STRIPE_SECRET_KEY
	WebhookSecret  string        // STRIPE_WEBHOOK_SECRET
	OveragePriceID string        // price used when invoicing usage overage
	DaysUntilDue   int           // invoice due window
	EventTTL       time.Duration // webhook dedup record lifetime
	CycleTokens    int64         // token budget of a fresh billing cycle
}

// FAQConfig controls the background FAQ cache synchronizer.
type FAQConfig struct {
	Interval time.Duration // time between synchronization cycles
	TopK     int           // size of the hot-keyword live set
	Workers  int           // concurrent tenant jobs (bounded)
	Stagger  time.Duration // delay between enqueuing tenant jobs
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Session auth
	BearerToken string // shared credential checked at websocket handshake

	// Persistence
	DBPath   string // SQLite path (tenants, plans, users)
	RedisURL string // cache / counters / history

	// Upstreams
	OpenAIAPIKey   string
	ChatModel      string // completion model for answers and rewrites
	EmbeddingModel string // embedding model for knowledge lookups
	QdrantURL      string
	QdrantAPIKey   string
	AzureEndpoint  string // sentiment classifier endpoint ("" disables)
	AzureKey       string

	// Per-call deadlines for external collaborators
	VerifyTimeout     time.Duration
	SearchTimeout     time.Duration
	CompletionTimeout time.Duration

	// History
	HistoryTTL time.Duration // idle expiry of per-user chat history

	// Rate limiting (HTTP surface)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// i18n
	LocalesPath string // JSON file with per-language canned messages

	// Billing
	Stripe StripeConfig

	// Abuse verification
	Recaptcha RecaptchaConfig

	// FAQ synchronizer
	FAQ FAQConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Session auth
		BearerToken: getenv("BEARER_TOKEN", ""),

		// Persistence
		DBPath:   getenv("DB_PATH", "app.db"),
		RedisURL: getenv("REDIS_URL", "redis://localhost:6379"),

		// Upstreams
		OpenAIAPIKey:   getenv("OPENAI_API_KEY", ""),
		ChatModel:      getenv("CHAT_MODEL", "gpt-4o-mini"),
		EmbeddingModel: getenv("EMBEDDING_MODEL", "text-embedding-3-small"),
		QdrantURL:      getenv("QDRANT_URL", "http://localhost:6334"),
		QdrantAPIKey:   getenv("QDRANT_API_KEY", ""),
		AzureEndpoint:  getenv("AZURE_LANGUAGE_ENDPOINT", ""),
		AzureKey:       getenv("AZURE_LANGUAGE_KEY", ""),

		// Deadlines
		VerifyTimeout:     getdur("VERIFY_TIMEOUT", 5*time.Second),
		SearchTimeout:     getdur("SEARCH_TIMEOUT", 10*time.Second),
		CompletionTimeout: getdur("COMPLETION_TIMEOUT", 90*time.Second),

		// History
		HistoryTTL: getdur("HISTORY_TTL", 30*time.Minute),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// i18n
		LocalesPath: getenv("LOCALES_PATH", "languages/local.json"),

		// Billing
		Stripe: StripeConfig{
			SecretKey:      getenv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:  getenv("STRIPE_WEBHOOK_SECRET", ""),
			OveragePriceID: getenv("STRIPE_OVERAGE_PRICE_ID", ""),
			DaysUntilDue:   getint("STRIPE_DAYS_UNTIL_DUE", 7),
			EventTTL:       getdur("STRIPE_EVENT_TTL", 72*time.Hour),
			CycleTokens:    int64(getint("PLAN_CYCLE_TOKENS", 1_000_000)),
		},

		// Abuse verification
		Recaptcha: RecaptchaConfig{
			V2Secret:    getenv("RECAPTCHA_V2_SECRET", ""),
			V3Secret:    getenv("RECAPTCHA_V3_SECRET", ""),
			V3Threshold: getfloat("RECAPTCHA_V3_THRESHOLD", 0.5),
			CooldownTTL: getdur("RECAPTCHA_COOLDOWN_TTL", 24*time.Hour),
		},

		// FAQ synchronizer
		FAQ: FAQConfig{
			Interval: getdur("FAQ_SYNC_INTERVAL", 24*time.Hour),
			TopK:     getint("FAQ_TOP_K", 5),
			Workers:  getint("FAQ_WORKERS", 2),
			Stagger:  getdur("FAQ_STAGGER", 10*time.Second),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "kb-chat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.BearerToken) == "" {
		return cfg, errors.New("BEARER_TOKEN must not be empty")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return cfg, errors.New("REDIS_URL must not be empty")
	}
	if cfg.VerifyTimeout <= 0 || cfg.SearchTimeout <= 0 || cfg.CompletionTimeout <= 0 {
		return cfg, errors.New("upstream timeouts must be positive durations")
	}
	if cfg.HistoryTTL <= 0 {
		return cfg, errors.New("HISTORY_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.Stripe.EventTTL <= 0 {
		return cfg, errors.New("STRIPE_EVENT_TTL must be > 0")
	}
	if cfg.Stripe.CycleTokens <= 0 {
		return cfg, errors.New("PLAN_CYCLE_TOKENS must be > 0")
	}
	if cfg.Recaptcha.V3Threshold < 0 || cfg.Recaptcha.V3Threshold > 1 {
		return cfg, errors.New("RECAPTCHA_V3_THRESHOLD must be in [0,1]")
	}
	if cfg.Recaptcha.CooldownTTL <= 0 {
		return cfg, errors.New("RECAPTCHA_COOLDOWN_TTL must be > 0")
	}
	if cfg.FAQ.Interval <= 0 {
		return cfg, errors.New("FAQ_SYNC_INTERVAL must be > 0")
	}
	if cfg.FAQ.TopK < 1 {
		return cfg, errors.New("FAQ_TOP_K must be >= 1")
	}
	if cfg.FAQ.Workers < 1 {
		return cfg, errors.New("FAQ_WORKERS must be >= 1")
	}
	if cfg.FAQ.Stagger < 0 {
		return cfg, errors.New("FAQ_STAGGER must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
