// Package auth verifies queue submitters and enforces per-tenant
// submission ceilings. Verification is optional: with AUTH_REQUIRED off
// every caller passes with a wildcard identity, matching deployments that
// front the engine with their own gateway. When required, two modes are
// supported: a static shared token, and HMAC-signed JWTs carrying subject,
// tenant, and permission claims.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
)

// Permission gates for queue operations.
const (
	// PermEnqueueJobs allows job submission.
	PermEnqueueJobs = "enqueue_jobs"
	// PermQueueAdmin allows pause/resume/cancel/clean/drain.
	PermQueueAdmin = "queue_admin"
)

// TenantWildcard is the tenant claim granting access to every tenant.
const TenantWildcard = "tenant:*"

var (
	// ErrTokenMissing indicates auth is required and no token was given.
	ErrTokenMissing = errors.New("authorization token required")
	// ErrTokenInvalid indicates the token failed verification.
	ErrTokenInvalid = errors.New("authorization token invalid")
	// ErrPermissionDenied indicates the identity lacks a permission gate.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTenantForbidden indicates the tenant claim does not cover the
	// job's tenant.
	ErrTenantForbidden = errors.New("tenant not authorized for token")
)

// Identity is a verified caller.
type Identity struct {
	Subject     string
	Tenant      string
	Permissions []string
}

// Can reports whether the identity carries a permission.
func (id *Identity) Can(permission string) bool {
	for _, p := range id.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// AllowsTenant reports whether the identity may act on behalf of a
// tenant. The wildcard claim covers every tenant.
func (id *Identity) AllowsTenant(name string) bool {
	return id.Tenant == TenantWildcard || (id.Tenant != "" && id.Tenant == name)
}

// Claims is the JWT payload the engine accepts.
type Claims struct {
	jwt.RegisteredClaims
	Tenant      string   `json:"tenant,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Service verifies tokens against the configured mode.
type Service struct {
	cfg *config.AuthConfig
}

// NewService builds a verifier from the resolved auth configuration.
func NewService(cfg *config.AuthConfig) *Service {
	if cfg == nil {
		cfg = &config.AuthConfig{}
	}
	return &Service{cfg: cfg}
}

// anonymous is the identity used when verification is disabled.
func anonymous() *Identity {
	return &Identity{
		Subject:     "anonymous",
		Tenant:      TenantWildcard,
		Permissions: []string{PermEnqueueJobs, PermQueueAdmin},
	}
}

// Verify authenticates a bearer token and returns the caller identity.
// With verification disabled every token (including none) yields the
// wildcard identity. With verification enabled but no secret configured,
// every token is rejected: misconfiguration fails closed.
func (s *Service) Verify(token string) (*Identity, error) {
	if !s.cfg.Required {
		return anonymous(), nil
	}
	if token == "" {
		return nil, ErrTokenMissing
	}
	if s.cfg.JWTSecret != "" {
		return s.verifyJWT(token)
	}
	if s.cfg.Token != "" {
		return s.verifyStatic(token)
	}
	return nil, fmt.Errorf("%w: auth required but no verifier configured", ErrTokenInvalid)
}

// Authorize verifies the token and checks the permission gate and tenant
// scope. An empty tenantName skips the tenant check (admin operations are
// queue-wide, not tenant-scoped).
func (s *Service) Authorize(token, permission, tenantName string) (*Identity, error) {
	id, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	if !id.Can(permission) {
		return nil, fmt.Errorf("%w: %s requires %q", ErrPermissionDenied, id.Subject, permission)
	}
	if tenantName != "" && !id.AllowsTenant(tenantName) {
		return nil, fmt.Errorf("%w: token is scoped to %q, job targets %q",
			ErrTenantForbidden, id.Tenant, tenantName)
	}
	return id, nil
}

func (s *Service) verifyStatic(token string) (*Identity, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		return nil, fmt.Errorf("%w: static token mismatch", ErrTokenInvalid)
	}
	return &Identity{
		Subject:     "shared-token",
		Tenant:      TenantWildcard,
		Permissions: []string{PermEnqueueJobs, PermQueueAdmin},
	}, nil
}

func (s *Service) verifyJWT(token string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: token not valid", ErrTokenInvalid)
	}

	return &Identity{
		Subject:     claims.Subject,
		Tenant:      claims.Tenant,
		Permissions: claims.Permissions,
	}, nil
}
