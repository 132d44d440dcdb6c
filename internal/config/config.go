// Package config defines the configuration structure for the rhema API.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format aborts startup (fail fast).
package config

import (
	"time"

	"rhema/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Dedup store backends selectable via DEDUP_STORE.
const (
	DedupStoreMemory   = "memory"
	DedupStorePostgres = "postgres"
	DedupStoreRedis    = "redis"
)

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server     ServerConfig
	Supabase   SupabaseConfig
	ElevenLabs ElevenLabsConfig
	Billing    BillingConfig
	Public     PublicConfig
	Auth       AuthConfig
	Dedup      DedupConfig
	Webhook    WebhookConfig
	Security   SecurityConfig
	AWS        AWSConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"4000"`
	// Frontend origin used for checkout redirects (no trailing slash).
	AppBaseURL string `envconfig:"APP_BASE_URL" default:"http://localhost:3000" validate:"required,url"`
}

// SupabaseConfig holds the Supabase project credentials. They are validated
// at startup but not served by any endpoint.
type SupabaseConfig struct {
	URL            string       `envconfig:"SUPABASE_URL" validate:"required,url"`
	AnonKey        SecretString `envconfig:"SUPABASE_ANON_KEY" validate:"required"`
	ServiceRoleKey SecretString `envconfig:"SUPABASE_SERVICE_ROLE_KEY" validate:"required"`
}

// ElevenLabsConfig holds the voice agent credentials.
type ElevenLabsConfig struct {
	APIKey         SecretString `envconfig:"ELEVENLABS_API_KEY" validate:"required"`
	DefaultAgentID string       `envconfig:"ELEVENLABS_AGENT_ID_DEFAULT" validate:"required"`
}

// BillingConfig holds Stripe payment integration credentials and keys.
type BillingConfig struct {
	StripeSecretKey      SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret  SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripePublishableKey string       `envconfig:"STRIPE_PUBLIC_KEY" validate:"required"`
	// StripeBaseURL overrides the Stripe API origin; empty means production.
	StripeBaseURL string `envconfig:"STRIPE_API_BASE_URL"`
}

// PublicConfig holds the client-facing identifiers served by GET /api/config.
type PublicConfig struct {
	AdsenseClientID  string `envconfig:"ADSENSE_CLIENT_ID" validate:"required"`
	AdsenseSlotHome  string `envconfig:"ADSENSE_SLOT_ID_HOME" validate:"required"`
	AdsenseSlotBible string `envconfig:"ADSENSE_SLOT_ID_BIBLE" validate:"required"`
	AdsenseSlotFeed  string `envconfig:"ADSENSE_SLOT_ID_FEED" validate:"required"`
	MasterAdminEmail string `envconfig:"MASTER_ADMIN_EMAIL" validate:"required,email"`
	BibleAPIBaseURL  string `envconfig:"BIBLE_API_BASE_URL" validate:"required,url"`
}

// AuthConfig holds optional session signing material.
type AuthConfig struct {
	// JWTSecret is accepted for environment compatibility with the web
	// frontend's deployment; no server route reads it.
	JWTSecret SecretString `envconfig:"JWT_SECRET"`
}

// DedupConfig selects and configures the webhook idempotency store.
type DedupConfig struct {
	Store       string       `envconfig:"DEDUP_STORE" default:"memory" validate:"oneof=memory postgres redis"`
	DatabaseURL SecretString `envconfig:"DATABASE_URL" validate:"required_if=Store postgres"`
	RedisURL    SecretString `envconfig:"REDIS_URL" validate:"required_if=Store redis"`

	// Pool tuning for the postgres backend.
	MaxConns       int32         `envconfig:"DB_MAX_CONNS" default:"5"`
	AcquireTimeout time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// WebhookConfig holds the inbound webhook delivery policy. ProcessingLease
// must outlast the 30s request deadline or a slow handler's claim would be
// taken over while it is still running.
type WebhookConfig struct {
	MaxDeliveryAttempts int           `envconfig:"WEBHOOK_MAX_DELIVERY_ATTEMPTS" default:"5" validate:"min=1"`
	ProcessingLease     time.Duration `envconfig:"WEBHOOK_PROCESSING_LEASE" default:"2m" validate:"min=30s"`
	RecordTTL           time.Duration `envconfig:"WEBHOOK_RECORD_TTL" default:"168h" validate:"gt=0"`
	DispatchAttempts    int           `envconfig:"WEBHOOK_DISPATCH_ATTEMPTS" default:"3" validate:"min=1"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// AWSConfig holds the region used for SSM parameter resolution.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
