package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("INFOBIP_BASE_URL", "xyz.api.infobip.com")
	t.Setenv("INFOBIP_API_KEY", "ib-key")
	t.Setenv("INFOBIP_SENDER_NUMBER", "385990000001")
	t.Setenv("INFOBIP_SECRET_KEY", "hmac-secret")
	t.Setenv("MOBILITY_API_URL", "https://api.mobility.example")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	s, err := Load()
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, EnvDevelopment, s.AppEnv)
	assert.Equal(t, "gpt-3.5-turbo", s.OpenAI.Model)
	assert.Equal(t, 0.85, s.OpenAI.ConfidenceThreshold)
	assert.Equal(t, "add-case", s.Mobility.Scope)
	assert.Equal(t, int64(10), s.Worker.BatchSize)
	assert.Equal(t, 2*time.Second, s.Worker.BlockTimeout)
	assert.Equal(t, 10*time.Second, s.Worker.LockTTL)
	assert.Equal(t, 2500, s.Context.MaxTokens)
	assert.Equal(t, 1500, s.Context.TargetTokens)
	assert.Equal(t, 4*time.Hour, s.Context.TTL)
	assert.Equal(t, 300*time.Second, s.Registry.RefreshInterval)
	assert.Equal(t, 0.25, s.Registry.RelevanceThreshold)
	assert.Equal(t, ":8001", s.Worker.MetricsAddr)
	assert.Equal(t, int64(50), s.Webhook.RateLimitPerMinute)
	assert.Equal(t, "swagger.json", s.Registry.SwaggerURL,
		"unset SWAGGER_URL falls back to the local file")
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("TOOL_RELEVANCE_THRESHOLD", "0.4")
	t.Setenv("SWAGGER_URL", "https://api.mobility.example/swagger.json")
	t.Setenv("SWAGGER_REFRESH_INTERVAL", "60")

	s, err := Load()
	require.NoError(t, err)

	assert.True(t, s.AppEnv.IsProduction())
	assert.False(t, s.AppEnv.IsDevelopment())
	assert.Equal(t, "gpt-4o-mini", s.OpenAI.Model)
	assert.Equal(t, 0.4, s.Registry.RelevanceThreshold)
	assert.Equal(t, "https://api.mobility.example/swagger.json", s.Registry.SwaggerURL)
	assert.Equal(t, 60*time.Second, s.Registry.RefreshInterval)
}

func TestLoadRejectsInvalidAppEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "staging")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_ENV")
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AI_CONFIDENCE_THRESHOLD", "not-a-float")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_CONFIDENCE_THRESHOLD")
}

func TestValidateReportsFirstMissingField(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_URL", "")

	s, err := Load()
	require.NoError(t, err)
	err = s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")

	setRequiredEnv(t)
	t.Setenv("INFOBIP_SECRET_KEY", "")
	s, err = Load()
	require.NoError(t, err)
	err = s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INFOBIP_SECRET_KEY")
}
