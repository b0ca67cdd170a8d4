// Package config resolves the engine's process configuration from the
// environment. Resolution is two-phase: read whatever the environment
// provides, then merge built-in defaults underneath so that unset knobs
// always have sane values. Validation runs last and returns typed errors
// so the CLI can print which knob is wrong.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

// Engine is the fully resolved configuration for one orchestrator process.
// Every field maps to an environment variable; see FromEnv for the mapping.
type Engine struct {
	// RedisURL is the queue broker endpoint (REDIS_URL).
	RedisURL string

	// ProjectRoot anchors graph files, tenant run trees, and backups
	// (PROJECT_ROOT, default ".").
	ProjectRoot string

	// Tenant is the default tenant for this process (TENANT_ID, then
	// DEFAULT_TENANT, then "default").
	Tenant string

	// StagingURL and APIBase are the targets test executors run against.
	StagingURL string
	APIBase    string

	// TestMode bypasses API-key and domain-restriction gates.
	TestMode bool
	// NodeEnv gates production mutations in the router ("production"
	// engages the safety gate).
	NodeEnv string
	// SafetyAllowProd overrides the production mutation gate.
	SafetyAllowProd bool

	// MetricsAddr, when set, exposes Prometheus metrics on that address.
	MetricsAddr string

	Queue  *QueueConfig
	Auth   *AuthConfig
	Backup *BackupConfig
}

// AuthConfig controls submitter verification for queue operations.
type AuthConfig struct {
	// Required turns verification on. When off, every caller passes with
	// a wildcard identity.
	Required bool
	// Token is the static shared secret for single-operator deployments.
	Token string
	// JWTSecret enables HMAC JWT verification; takes precedence over the
	// static token when both are set.
	JWTSecret string
	// Issuer and Audience are enforced on JWT claims when non-empty.
	Issuer   string
	Audience string
}

// BackupConfig controls tenant archive handling.
type BackupConfig struct {
	// S3Bucket, when set, uploads every archive after it is written.
	S3Bucket string
	// S3Prefix is the key prefix inside the bucket.
	S3Prefix string
	// RetentionDays prunes local archives older than this; zero disables
	// the sweep.
	RetentionDays int
}

// DefaultEngine returns the built-in defaults. FromEnv merges these under
// whatever the environment provides.
func DefaultEngine() *Engine {
	return &Engine{
		RedisURL:    "redis://127.0.0.1:6379/0",
		ProjectRoot: ".",
		Tenant:      tenant.Default,
		NodeEnv:     "development",
		Queue:       DefaultQueueConfig(),
		Auth:        &AuthConfig{},
		Backup:      &BackupConfig{},
	}
}

// FromEnv resolves the engine configuration from the process environment.
// Malformed numeric values are logged and fall back to defaults rather
// than aborting startup.
func FromEnv() (*Engine, error) {
	cfg := &Engine{
		RedisURL:        os.Getenv("REDIS_URL"),
		ProjectRoot:     os.Getenv("PROJECT_ROOT"),
		Tenant:          firstNonEmpty(os.Getenv("TENANT_ID"), os.Getenv("DEFAULT_TENANT")),
		StagingURL:      os.Getenv("STAGING_URL"),
		APIBase:         os.Getenv("API_BASE"),
		TestMode:        envBool("TEST_MODE"),
		NodeEnv:         os.Getenv("NODE_ENV"),
		SafetyAllowProd: envBool("SAFETY_ALLOW_PROD"),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		Queue:           queueFromEnv(),
		Auth: &AuthConfig{
			Required:  envBool("AUTH_REQUIRED"),
			Token:     os.Getenv("AUTH_TOKEN"),
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
			Issuer:    os.Getenv("AUTH_ISSUER"),
			Audience:  os.Getenv("AUTH_AUDIENCE"),
		},
		Backup: &BackupConfig{
			S3Bucket:      os.Getenv("BACKUP_S3_BUCKET"),
			S3Prefix:      os.Getenv("BACKUP_S3_PREFIX"),
			RetentionDays: envInt("BACKUP_RETENTION_DAYS", 0),
		},
	}

	// Fill unset fields from defaults; env-provided values win because
	// mergo without WithOverride only writes zero destinations.
	if err := mergo.Merge(cfg, DefaultEngine()); err != nil {
		return nil, fmt.Errorf("merging engine defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration and returns the first typed
// error found.
func (c *Engine) Validate() error {
	if c.RedisURL == "" {
		return NewValidationError("engine", "redis_url", "REDIS_URL", ErrMissingRequiredField)
	}
	if !strings.HasPrefix(c.RedisURL, "redis://") &&
		!strings.HasPrefix(c.RedisURL, "rediss://") &&
		!strings.HasPrefix(c.RedisURL, "unix://") {
		return NewValidationError("engine", "redis_url", c.RedisURL,
			fmt.Errorf("%w: expected redis://, rediss:// or unix:// scheme", ErrInvalidValue))
	}
	if err := tenant.Validate(tenant.Normalize(c.Tenant)); err != nil {
		return NewValidationError("engine", "tenant", c.Tenant, err)
	}
	if c.Queue == nil {
		return NewValidationError("engine", "queue", "", ErrMissingRequiredField)
	}
	return c.Queue.Validate()
}

// queueFromEnv reads queue tuning from the environment on top of defaults.
func queueFromEnv() *QueueConfig {
	q := DefaultQueueConfig()
	if ns := os.Getenv("ENGINE_NAMESPACE"); ns != "" {
		q.Namespace = ns
	}
	if n := envInt("ENGINE_CONCURRENCY", 0); n > 0 {
		q.WorkerCount = n
	}
	if ms := envInt("JOB_TIMEOUT_MS", 0); ms > 0 {
		q.JobTimeout = time.Duration(ms) * time.Millisecond
	}
	if retries := envInt("MAX_JOB_RETRIES", -1); retries >= 0 {
		q.MaxAttempts = retries + 1
	}
	if ms := envInt("BACKOFF_DELAY_MS", 0); ms > 0 {
		q.BackoffBase = time.Duration(ms) * time.Millisecond
	}
	return q
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// envBool treats "true", "1" and "yes" (any case) as true.
func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// envInt parses an integer variable, warning and returning fallback on
// malformed input.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"var", name, "value", raw, "default", fallback)
		return fallback
	}
	return n
}
