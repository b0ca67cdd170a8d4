package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scrubEnv blanks everything FromEnv reads so the host environment cannot
// leak into assertions.
func scrubEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"REDIS_URL", "PROJECT_ROOT", "TENANT_ID", "DEFAULT_TENANT",
		"STAGING_URL", "API_BASE", "TEST_MODE", "NODE_ENV", "SAFETY_ALLOW_PROD",
		"METRICS_ADDR", "ENGINE_NAMESPACE", "ENGINE_CONCURRENCY",
		"JOB_TIMEOUT_MS", "MAX_JOB_RETRIES", "BACKOFF_DELAY_MS",
		"AUTH_REQUIRED", "AUTH_TOKEN", "AUTH_JWT_SECRET", "AUTH_ISSUER",
		"AUTH_AUDIENCE", "BACKUP_S3_BUCKET", "BACKUP_S3_PREFIX",
		"BACKUP_RETENTION_DAYS",
	} {
		t.Setenv(name, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	scrubEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "redis://127.0.0.1:6379/0", cfg.RedisURL)
	assert.Equal(t, ".", cfg.ProjectRoot)
	assert.Equal(t, "default", cfg.Tenant)
	assert.Equal(t, "development", cfg.NodeEnv)
	assert.False(t, cfg.TestMode)
	assert.False(t, cfg.Auth.Required)

	assert.Equal(t, "swarm1", cfg.Queue.Namespace)
	assert.Equal(t, 3, cfg.Queue.WorkerCount)
	assert.Equal(t, 30*time.Minute, cfg.Queue.JobTimeout)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
}

func TestFromEnvOverrides(t *testing.T) {
	scrubEnv(t)
	t.Setenv("REDIS_URL", "redis://redis.internal:6380/2")
	t.Setenv("PROJECT_ROOT", "/srv/swarm")
	t.Setenv("TENANT_ID", "acme")
	t.Setenv("TEST_MODE", "true")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("ENGINE_NAMESPACE", "swarm-ci")
	t.Setenv("ENGINE_CONCURRENCY", "8")
	t.Setenv("JOB_TIMEOUT_MS", "120000")
	t.Setenv("MAX_JOB_RETRIES", "4")
	t.Setenv("BACKOFF_DELAY_MS", "2500")
	t.Setenv("AUTH_REQUIRED", "1")
	t.Setenv("AUTH_TOKEN", "s3cret")
	t.Setenv("BACKUP_RETENTION_DAYS", "14")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "redis://redis.internal:6380/2", cfg.RedisURL)
	assert.Equal(t, "/srv/swarm", cfg.ProjectRoot)
	assert.Equal(t, "acme", cfg.Tenant)
	assert.True(t, cfg.TestMode)
	assert.Equal(t, "production", cfg.NodeEnv)

	assert.Equal(t, "swarm-ci", cfg.Queue.Namespace)
	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, 2*time.Minute, cfg.Queue.JobTimeout)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts, "MAX_JOB_RETRIES counts retries after the first attempt")
	assert.Equal(t, 2500*time.Millisecond, cfg.Queue.BackoffBase)

	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, "s3cret", cfg.Auth.Token)
	assert.Equal(t, 14, cfg.Backup.RetentionDays)
}

func TestFromEnvTenantFallback(t *testing.T) {
	scrubEnv(t)
	t.Setenv("DEFAULT_TENANT", "beta-corp")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "beta-corp", cfg.Tenant)
}

func TestFromEnvMalformedIntFallsBack(t *testing.T) {
	scrubEnv(t)
	t.Setenv("ENGINE_CONCURRENCY", "lots")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.WorkerCount, "malformed value keeps the default")
}

func TestEngineValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Engine)
		wantErr error
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Engine) {},
		},
		{
			name:    "empty redis url",
			mutate:  func(c *Engine) { c.RedisURL = "" },
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "wrong redis scheme",
			mutate:  func(c *Engine) { c.RedisURL = "http://localhost:6379" },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "invalid tenant name",
			mutate:  func(c *Engine) { c.Tenant = "Not A Tenant" },
			wantErr: nil, // tenant package error, checked separately below
		},
		{
			name:    "zero workers",
			mutate:  func(c *Engine) { c.Queue.WorkerCount = 0 },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "renew interval at lock duration",
			mutate:  func(c *Engine) { c.Queue.LockRenewInterval = c.Queue.LockDuration },
			wantErr: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngine()
			tt.mutate(cfg)
			err := cfg.Validate()
			switch {
			case tt.name == "defaults are valid":
				assert.NoError(t, err)
			case tt.name == "invalid tenant name":
				require.Error(t, err)
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "tenant", verr.Field)
			default:
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestValidationErrorFormatting(t *testing.T) {
	err := NewValidationError("queue", "worker_count", "0", ErrInvalidValue)
	assert.Contains(t, err.Error(), "queue 'worker_count'")
	assert.Contains(t, err.Error(), `"0"`)
	assert.ErrorIs(t, err, ErrInvalidValue)
}
