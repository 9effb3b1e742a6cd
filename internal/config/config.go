package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTSigningKey string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string        `mapstructure:"JWT_ISSUER"`
	JWTTTL        time.Duration `mapstructure:"JWT_TTL"`

	HIPAAEncryptionKey string  `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int     `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  string  `mapstructure:"HIPAA_PREVIOUS_KEYS"`
	RateLimitRPS       float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int     `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit          string  `mapstructure:"BODY_LIMIT"`
	MaxAudioBytes      int64   `mapstructure:"MAX_AUDIO_BYTES"`
	MaxCatalogBytes    int64   `mapstructure:"MAX_CATALOG_BYTES"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	PublicBaseURL  string `mapstructure:"PUBLIC_BASE_URL"`
	S3Bucket       string `mapstructure:"S3_BUCKET"`
	S3Region       string `mapstructure:"S3_REGION"`
	S3Endpoint     string `mapstructure:"S3_ENDPOINT"`
	S3PublicURL    string `mapstructure:"S3_PUBLIC_BASE_URL"`

	AIProvider            string        `mapstructure:"AI_PROVIDER"`
	OpenAIAPIKey          string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL         string        `mapstructure:"OPENAI_BASE_URL"`
	TranscriptionModel    string        `mapstructure:"TRANSCRIPTION_MODEL"`
	TranscriptionLanguage string        `mapstructure:"TRANSCRIPTION_LANGUAGE"`
	SummaryModel          string        `mapstructure:"SUMMARY_MODEL"`
	SummaryMaxTokens      int           `mapstructure:"SUMMARY_MAX_TOKENS"`
	PipelineTimeout       time.Duration `mapstructure:"PIPELINE_TIMEOUT"`
	RecordingIdleTTL      time.Duration `mapstructure:"RECORDING_IDLE_TTL"`

	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic         string   `mapstructure:"KAFKA_TOPIC"`
	KafkaSASLUser      string   `mapstructure:"KAFKA_SASL_USER"`
	KafkaSASLPassword  string   `mapstructure:"KAFKA_SASL_PASSWORD"`
	KafkaSASLMechanism string   `mapstructure:"KAFKA_SASL_MECHANISM"`
	KafkaTLS           bool     `mapstructure:"KAFKA_TLS"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	AWSSecretID string `mapstructure:"AWS_SECRET_ID"`

	ReminderInterval time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderLead     time.Duration `mapstructure:"REMINDER_LEAD"`
}

// devSigningKey signs tokens in development when JWT_SIGNING_KEY is unset.
const devSigningKey = "portal-dev-signing-key-do-not-use-in-production"

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "JWT_TTL",
	"HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "MAX_AUDIO_BYTES", "MAX_CATALOG_BYTES",
	"STORAGE_BACKEND", "PUBLIC_BASE_URL", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PUBLIC_BASE_URL",
	"AI_PROVIDER", "OPENAI_API_KEY", "OPENAI_BASE_URL", "TRANSCRIPTION_MODEL",
	"TRANSCRIPTION_LANGUAGE", "SUMMARY_MODEL", "SUMMARY_MAX_TOKENS",
	"PIPELINE_TIMEOUT", "RECORDING_IDLE_TTL",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_SASL_USER", "KAFKA_SASL_PASSWORD", "KAFKA_SASL_MECHANISM", "KAFKA_TLS",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"AWS_SECRET_ID", "REMINDER_INTERVAL", "REMINDER_LEAD",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("JWT_ISSUER", "patient-portal")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("MAX_AUDIO_BYTES", 100<<20)
	v.SetDefault("MAX_CATALOG_BYTES", 50<<20)
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("AI_PROVIDER", "fake")
	v.SetDefault("TRANSCRIPTION_MODEL", "whisper-1")
	v.SetDefault("TRANSCRIPTION_LANGUAGE", "en")
	v.SetDefault("SUMMARY_MODEL", "gpt-4o-mini")
	v.SetDefault("SUMMARY_MAX_TOKENS", 1000)
	v.SetDefault("PIPELINE_TIMEOUT", "5m")
	v.SetDefault("RECORDING_IDLE_TTL", "2h")
	v.SetDefault("KAFKA_TOPIC", "portal.events")
	v.SetDefault("KAFKA_SASL_MECHANISM", "SCRAM-SHA-512")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("REMINDER_INTERVAL", "5m")
	v.SetDefault("REMINDER_LEAD", "24h")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSigningKey == "" && cfg.IsDev() {
		cfg.JWTSigningKey = devSigningKey
	}

	return cfg, nil
}

// splitList handles comma-separated env values that viper left as a single
// element.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDevSigningKey reports whether tokens are signed with the built-in
// development key.
func (c *Config) UsesDevSigningKey() bool {
	return c.JWTSigningKey == devSigningKey
}

// ApplySecrets overlays values fetched from a secret store. Only the
// credentials that should not live in plain environment variables are
// accepted; unknown keys are ignored.
func (c *Config) ApplySecrets(secrets map[string]string) {
	if v := secrets["JWT_SIGNING_KEY"]; v != "" {
		c.JWTSigningKey = v
	}
	if v := secrets["HIPAA_ENCRYPTION_KEY"]; v != "" {
		c.HIPAAEncryptionKey = v
	}
	if v := secrets["HIPAA_PREVIOUS_KEYS"]; v != "" {
		c.HIPAAPreviousKeys = v
	}
	if v := secrets["OPENAI_API_KEY"]; v != "" {
		c.OpenAIAPIKey = v
	}
	if v := secrets["KAFKA_SASL_PASSWORD"]; v != "" {
		c.KafkaSASLPassword = v
	}
	if v := secrets["DATABASE_URL"]; v != "" {
		c.DatabaseURL = v
	}
}

// Validate checks that the configuration is safe to run. Production needs a
// real signing key and a PHI encryption key; each pluggable backend needs
// its own settings.
func (c *Config) Validate() error {
	if c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required outside development")
	}
	if c.IsProduction() {
		if c.UsesDevSigningKey() {
			return fmt.Errorf("JWT_SIGNING_KEY must not be the development key in production")
		}
		if len(c.JWTSigningKey) < 32 {
			return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters in production")
		}
		if c.HIPAAEncryptionKey == "" {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
		}
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
		if c.HIPAAKeyVersion < 1 {
			return fmt.Errorf("HIPAA_KEY_VERSION must be positive")
		}
	} else if c.HIPAAPreviousKeys != "" {
		return fmt.Errorf("HIPAA_PREVIOUS_KEYS requires HIPAA_ENCRYPTION_KEY")
	}

	switch c.StorageBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\" or \"s3\", got %q", c.StorageBackend)
	}

	switch c.AIProvider {
	case "fake":
		if c.IsProduction() {
			return fmt.Errorf("AI_PROVIDER \"fake\" is not allowed in production")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is \"openai\"")
		}
	default:
		return fmt.Errorf("AI_PROVIDER must be \"fake\" or \"openai\", got %q", c.AIProvider)
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.KafkaSASLUser != "" {
		switch c.KafkaSASLMechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("KAFKA_SASL_MECHANISM %q is not supported", c.KafkaSASLMechanism)
		}
	}
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP_ENDPOINT is required when TRACING_ENABLED is true")
	}
	if c.SummaryMaxTokens <= 0 {
		return fmt.Errorf("SUMMARY_MAX_TOKENS must be positive")
	}
	if c.MaxAudioBytes <= 0 {
		return fmt.Errorf("MAX_AUDIO_BYTES must be positive")
	}
	if c.MaxCatalogBytes <= 0 {
		return fmt.Errorf("MAX_CATALOG_BYTES must be positive")
	}
	return nil
}
