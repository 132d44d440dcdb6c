package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// testSecretProvider is a configurable mock for testing SSM resolution.
type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
	callCount  int
}

func (p *testSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.callCount++
	p.calledWith = append(p.calledWith, keys...)
	if p.err != nil {
		return nil, p.err
	}
	result := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

// setFullTestEnv sets every required variable for a valid Config.
func setFullTestEnv(t *testing.T) {
	t.Helper()

	t.Setenv("APP_ENV", "local")
	t.Setenv("LOG_LEVEL", "debug")

	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_ANON_KEY", "anon-key")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-role-key")
	t.Setenv("ELEVENLABS_API_KEY", "el-key")
	t.Setenv("ELEVENLABS_AGENT_ID_DEFAULT", "agent-1")
	t.Setenv("BIBLE_API_BASE_URL", "https://bible.example.com/api")
	t.Setenv("STRIPE_PUBLIC_KEY", "pk_test_123")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_abc123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test_456")
	t.Setenv("ADSENSE_CLIENT_ID", "ca-pub-1")
	t.Setenv("ADSENSE_SLOT_ID_HOME", "slot-home")
	t.Setenv("ADSENSE_SLOT_ID_BIBLE", "slot-bible")
	t.Setenv("ADSENSE_SLOT_ID_FEED", "slot-feed")
	t.Setenv("MASTER_ADMIN_EMAIL", "admin@rhema.app")
}

func testDeps(t *testing.T, environ []string) loaderDeps {
	t.Helper()
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv: func(k, v string) error {
			t.Setenv(k, v)
			return nil
		},
		environ: func() []string { return environ },
	}
}

func TestLoadConfigLocalSuccess(t *testing.T) {
	setFullTestEnv(t)

	cfg, err := loadConfigWithDeps(nil, testDeps(t, nil))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}

	if cfg.Environment != "local" {
		t.Errorf("Environment = %q, want local", cfg.Environment)
	}
	if cfg.Server.Port != "4000" {
		t.Errorf("Server.Port = %q, want default 4000", cfg.Server.Port)
	}
	if cfg.Server.AppBaseURL != "http://localhost:3000" {
		t.Errorf("Server.AppBaseURL = %q, want default", cfg.Server.AppBaseURL)
	}
	if cfg.Dedup.Store != DedupStoreMemory {
		t.Errorf("Dedup.Store = %q, want memory", cfg.Dedup.Store)
	}
	if cfg.Webhook.MaxDeliveryAttempts != 5 {
		t.Errorf("Webhook.MaxDeliveryAttempts = %d, want 5", cfg.Webhook.MaxDeliveryAttempts)
	}
	if cfg.Webhook.ProcessingLease != 2*time.Minute {
		t.Errorf("Webhook.ProcessingLease = %v, want 2m", cfg.Webhook.ProcessingLease)
	}
	if cfg.Webhook.RecordTTL != 7*24*time.Hour {
		t.Errorf("Webhook.RecordTTL = %v, want 168h", cfg.Webhook.RecordTTL)
	}
	if len(cfg.Security.CorsAllowedOrigins) != 1 || cfg.Security.CorsAllowedOrigins[0] != "*" {
		t.Errorf("Security.CorsAllowedOrigins = %v, want [*]", cfg.Security.CorsAllowedOrigins)
	}
	if cfg.Public.MasterAdminEmail != "admin@rhema.app" {
		t.Errorf("Public.MasterAdminEmail = %q", cfg.Public.MasterAdminEmail)
	}
	if cfg.Billing.StripeSecretKey.Unmask() != "sk_test_abc123" {
		t.Errorf("Billing.StripeSecretKey.Unmask() = %q", cfg.Billing.StripeSecretKey.Unmask())
	}
	if cfg.Build.Version != "dev" {
		t.Errorf("Build.Version = %q, want dev", cfg.Build.Version)
	}
}

func TestLoadConfigSecretsNeverPrinted(t *testing.T) {
	setFullTestEnv(t)

	cfg, err := loadConfigWithDeps(nil, testDeps(t, nil))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}

	out := fmt.Sprintf("%+v", *cfg)
	for _, secret := range []string{"sk_test_abc123", "whsec_test_456", "service-role-key", "el-key"} {
		if strings.Contains(out, secret) {
			t.Errorf("formatted config leaked %q", secret)
		}
	}
}

func TestLoadConfigTrimsBaseURL(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("APP_BASE_URL", "https://rhema.app/")

	cfg, err := loadConfigWithDeps(nil, testDeps(t, nil))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}
	if cfg.Server.AppBaseURL != "https://rhema.app" {
		t.Errorf("AppBaseURL = %q, want trailing slash trimmed", cfg.Server.AppBaseURL)
	}
}

func TestLoadConfigValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"malformed admin email", "MASTER_ADMIN_EMAIL", "not-an-email", "MasterAdminEmail"},
		{"malformed bible url", "BIBLE_API_BASE_URL", "not a url", "BibleAPIBaseURL"},
		{"malformed supabase url", "SUPABASE_URL", "::", "URL"},
		{"unknown environment", "APP_ENV", "qa", "Environment"},
		{"unknown dedup store", "DEDUP_STORE", "etcd", "Store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFullTestEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t, nil))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if cfgErr.Type != ErrValidation {
				t.Errorf("Type = %q, want %q", cfgErr.Type, ErrValidation)
			}
			if !strings.Contains(cfgErr.Message, tt.field) {
				t.Errorf("Message %q should name field %s", cfgErr.Message, tt.field)
			}
		})
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := loadConfigWithDeps(nil, testDeps(t, nil))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Type != ErrValidation {
		t.Fatalf("expected validation ConfigError, got %v", err)
	}
	if !strings.Contains(cfgErr.Message, "StripeWebhookSecret") {
		t.Errorf("Message = %q, want it to name StripeWebhookSecret", cfgErr.Message)
	}
}

func TestLoadConfigDedupBackendRequiresURL(t *testing.T) {
	t.Run("postgres without DATABASE_URL", func(t *testing.T) {
		setFullTestEnv(t)
		t.Setenv("DEDUP_STORE", "postgres")
		t.Setenv("DATABASE_URL", "")

		_, err := loadConfigWithDeps(nil, testDeps(t, nil))
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Type != ErrValidation {
			t.Fatalf("expected validation ConfigError, got %v", err)
		}
	})

	t.Run("redis with REDIS_URL", func(t *testing.T) {
		setFullTestEnv(t)
		t.Setenv("DEDUP_STORE", "redis")
		t.Setenv("REDIS_URL", "redis://localhost:6379/0")

		cfg, err := loadConfigWithDeps(nil, testDeps(t, nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Dedup.RedisURL.Unmask() != "redis://localhost:6379/0" {
			t.Errorf("RedisURL = %q", cfg.Dedup.RedisURL.Unmask())
		}
	})
}

func TestLoadConfigProcessingLeaseFloor(t *testing.T) {
	tests := []struct {
		lease   string
		wantErr bool
	}{
		{"10s", true},
		{"29s", true},
		{"30s", false},
		{"5m", false},
	}
	for _, tt := range tests {
		t.Run(tt.lease, func(t *testing.T) {
			setFullTestEnv(t)
			t.Setenv("WEBHOOK_PROCESSING_LEASE", tt.lease)

			_, err := loadConfigWithDeps(nil, testDeps(t, nil))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Type != ErrValidation {
				t.Fatalf("expected validation ConfigError, got %v", err)
			}
			if !strings.Contains(cfgErr.Message, "ProcessingLease") {
				t.Errorf("Message = %q, want it to name ProcessingLease", cfgErr.Message)
			}
		})
	}
}

func TestLoadConfigParsingFailure(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("WEBHOOK_PROCESSING_LEASE", "soon")

	_, err := loadConfigWithDeps(nil, testDeps(t, nil))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if cfgErr.Type != ErrParsing {
		t.Errorf("Type = %q, want %q", cfgErr.Type, ErrParsing)
	}
}

func TestLoadConfigSSMResolution(t *testing.T) {
	setFullTestEnv(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("STRIPE_SECRET_KEY", "")
	os.Unsetenv("STRIPE_SECRET_KEY")

	provider := &testSecretProvider{
		values: map[string]string{"/prod/rhema/stripe/secret": "sk_live_from_ssm"},
	}
	environ := []string{
		"STRIPE_SECRET_KEY_SSM_PARAM=/prod/rhema/stripe/secret",
		"STRIPE_WEBHOOK_SECRET_SSM_PARAM=/prod/rhema/stripe/webhook",
	}

	cfg, err := loadConfigWithDeps(provider, testDeps(t, environ))
	if err != nil {
		t.Fatalf("loadConfigWithDeps returned error: %v", err)
	}

	if cfg.Billing.StripeSecretKey.Unmask() != "sk_live_from_ssm" {
		t.Errorf("StripeSecretKey = %q, want SSM value", cfg.Billing.StripeSecretKey.Unmask())
	}
	// STRIPE_WEBHOOK_SECRET was set directly and wins over SSM.
	if len(provider.calledWith) != 1 || provider.calledWith[0] != "/prod/rhema/stripe/secret" {
		t.Errorf("provider called with %v, want only the stripe secret path", provider.calledWith)
	}
}

func TestLoadConfigSSMSkippedForLocal(t *testing.T) {
	setFullTestEnv(t)
	provider := &testSecretProvider{}

	_, err := loadConfigWithDeps(provider, testDeps(t, []string{"STRIPE_SECRET_KEY_SSM_PARAM=/x"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.callCount != 0 {
		t.Errorf("provider called %d times in local mode", provider.callCount)
	}
}

func TestLoadConfigSSMErrors(t *testing.T) {
	environ := []string{"JWT_SECRET_SSM_PARAM=/prod/rhema/jwt"}

	t.Run("provider error", func(t *testing.T) {
		setFullTestEnv(t)
		t.Setenv("APP_ENV", "prod")
		provider := &testSecretProvider{err: errors.New("throttled")}

		_, err := loadConfigWithDeps(provider, testDeps(t, environ))
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Type != ErrSSMResolution {
			t.Fatalf("expected SSM ConfigError, got %v", err)
		}
	})

	t.Run("nil provider", func(t *testing.T) {
		setFullTestEnv(t)
		t.Setenv("APP_ENV", "staging")

		_, err := loadConfigWithDeps(nil, testDeps(t, environ))
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Type != ErrSSMResolution {
			t.Fatalf("expected SSM ConfigError, got %v", err)
		}
		if !strings.Contains(cfgErr.Message, "JWT_SECRET") {
			t.Errorf("Message = %q, want target variable named", cfgErr.Message)
		}
	})

	t.Run("parameter missing", func(t *testing.T) {
		setFullTestEnv(t)
		t.Setenv("APP_ENV", "dev")

		_, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t, environ))
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Type != ErrSSMResolution {
			t.Fatalf("expected SSM ConfigError, got %v", err)
		}
	})
}

func TestConfigErrorFormatting(t *testing.T) {
	inner := errors.New("boom")
	withErr := &ConfigError{Type: ErrParsing, Message: "bad", Err: inner}
	if withErr.Error() != "[PARSING_FAILED] bad: boom" {
		t.Errorf("Error() = %q", withErr.Error())
	}
	if !errors.Is(withErr, inner) {
		t.Error("errors.Is should reach the wrapped error")
	}

	bare := &ConfigError{Type: ErrMissingEnv, Message: "PORT"}
	if bare.Error() != "[MISSING_ENV] PORT" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
