package config

import (
	"log/slog"
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the console API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           slog.Level
	SeedEnvironments   bool
	BlueprintsPath     string
	LogRetention       int
	ProvisionerToken   string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	GenAIProvider     string
	GenAIAPIKey       string
	GenAIModel        string
	GenAIBaseURL      string
	GenAITimeout      time.Duration
	GenAIRatePerMin   int
	DemoPlanDelay     time.Duration
	TimelineSpeed     float64
	StageTimeout      time.Duration
	ReconcileInterval time.Duration

	SentryDSN string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           ParseLevel(GetString("LOG_LEVEL", "info")),
		SeedEnvironments:   GetBool("SEED_ENVIRONMENTS", true),
		BlueprintsPath:     GetString("BLUEPRINTS_PATH", ""),
		LogRetention:       GetInt("LOG_RETENTION", 0),
		ProvisionerToken:   GetString("PROVISIONER_TOKEN", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		GenAIProvider:      GetString("GENAI_PROVIDER", "gemini"),
		GenAIAPIKey:        GetFirstString("", "GEMINI_API_KEY", "API_KEY"),
		GenAIModel:         GetString("GENAI_MODEL", "gemini-2.5-flash"),
		GenAIBaseURL:       GetString("GENAI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GenAITimeout:       time.Duration(GetInt("GENAI_TIMEOUT_SECONDS", 30)) * time.Second,
		GenAIRatePerMin:    GetInt("GENAI_RATE_PER_MINUTE", 30),
		DemoPlanDelay:      GetDuration("DEMO_PLAN_DELAY", 2*time.Second),
		TimelineSpeed:      GetFloat("TIMELINE_SPEED", 1),
		StageTimeout:       time.Duration(GetInt("STAGE_TIMEOUT_SECONDS", 120)) * time.Second,
		ReconcileInterval:  time.Duration(GetInt("RECONCILE_SECONDS", 15)) * time.Second,
		SentryDSN:          GetString("SENTRY_DSN", ""),
	}
}

// GenAIConfigured reports whether a text-generation credential is present.
func (c APIConfig) GenAIConfigured() bool {
	return strings.TrimSpace(c.GenAIAPIKey) != ""
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Settings is the non-secret view of the configuration shown to operators.
type Settings struct {
	Environment          string  `json:"environment"`
	GenAIProvider        string  `json:"genaiProvider"`
	GenAIModel           string  `json:"genaiModel"`
	CredentialConfigured bool    `json:"credentialConfigured"`
	CredentialHint       string  `json:"credentialHint,omitempty"`
	TimelineSpeed        float64 `json:"timelineSpeed"`
	StageTimeoutSeconds  int     `json:"stageTimeoutSeconds"`
	ProvisionerAuth      bool    `json:"provisionerAuth"`
	DistributedRateLimit bool    `json:"distributedRateLimit"`
}

// Settings summarises the configuration without exposing secrets.
func (c APIConfig) Settings() Settings {
	return Settings{
		Environment:          c.Environment,
		GenAIProvider:        c.GenAIProvider,
		GenAIModel:           c.GenAIModel,
		CredentialConfigured: c.GenAIConfigured(),
		CredentialHint:       MaskSecret(c.GenAIAPIKey),
		TimelineSpeed:        c.TimelineSpeed,
		StageTimeoutSeconds:  int(c.StageTimeout / time.Second),
		ProvisionerAuth:      strings.TrimSpace(c.ProvisionerToken) != "",
		DistributedRateLimit: strings.TrimSpace(c.RateLimitRedisAddr) != "",
	}
}

// MaskSecret keeps the last four characters of a secret.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
