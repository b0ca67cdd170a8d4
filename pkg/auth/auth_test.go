package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
)

func mintToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func baseClaims(subject, tenant string, perms ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "swarm-auth",
			Audience:  jwt.ClaimStrings{"swarm-engine"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Tenant:      tenant,
		Permissions: perms,
	}
}

func TestVerifyDisabledPassesEverything(t *testing.T) {
	svc := NewService(&config.AuthConfig{Required: false})

	id, err := svc.Verify("")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", id.Subject)
	assert.True(t, id.Can(PermEnqueueJobs))
	assert.True(t, id.Can(PermQueueAdmin))
	assert.True(t, id.AllowsTenant("any-tenant"))
}

func TestVerifyStaticToken(t *testing.T) {
	svc := NewService(&config.AuthConfig{Required: true, Token: "hunter2"})

	id, err := svc.Verify("hunter2")
	require.NoError(t, err)
	assert.Equal(t, "shared-token", id.Subject)
	assert.True(t, id.AllowsTenant("acme"), "static tokens carry the wildcard tenant")

	_, err = svc.Verify("wrong")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.Verify("")
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestVerifyFailsClosedWithoutVerifier(t *testing.T) {
	svc := NewService(&config.AuthConfig{Required: true})

	_, err := svc.Verify("anything")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyJWT(t *testing.T) {
	cfg := &config.AuthConfig{
		Required:  true,
		JWTSecret: "jwt-secret",
		Issuer:    "swarm-auth",
		Audience:  "swarm-engine",
	}
	svc := NewService(cfg)

	token := mintToken(t, "jwt-secret", baseClaims("ci-bot", "acme", PermEnqueueJobs))
	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", id.Subject)
	assert.Equal(t, "acme", id.Tenant)
	assert.True(t, id.Can(PermEnqueueJobs))
	assert.False(t, id.Can(PermQueueAdmin))
	assert.True(t, id.AllowsTenant("acme"))
	assert.False(t, id.AllowsTenant("other"))
}

func TestVerifyJWTRejections(t *testing.T) {
	cfg := &config.AuthConfig{
		Required:  true,
		JWTSecret: "jwt-secret",
		Issuer:    "swarm-auth",
		Audience:  "swarm-engine",
	}
	svc := NewService(cfg)

	t.Run("wrong secret", func(t *testing.T) {
		token := mintToken(t, "other-secret", baseClaims("ci-bot", "acme", PermEnqueueJobs))
		_, err := svc.Verify(token)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		claims := baseClaims("ci-bot", "acme", PermEnqueueJobs)
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := svc.Verify(mintToken(t, "jwt-secret", claims))
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := baseClaims("ci-bot", "acme", PermEnqueueJobs)
		claims.Issuer = "someone-else"
		_, err := svc.Verify(mintToken(t, "jwt-secret", claims))
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := baseClaims("ci-bot", "acme", PermEnqueueJobs)
		claims.Audience = jwt.ClaimStrings{"another-service"}
		_, err := svc.Verify(mintToken(t, "jwt-secret", claims))
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("unsigned token", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone,
			baseClaims("ci-bot", "acme", PermEnqueueJobs)).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Verify(unsigned)
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}

func TestVerifyJWTTakesPrecedenceOverStatic(t *testing.T) {
	svc := NewService(&config.AuthConfig{
		Required:  true,
		Token:     "static-token",
		JWTSecret: "jwt-secret",
	})

	// The static token is not accepted once JWT mode is configured.
	_, err := svc.Verify("static-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	token := mintToken(t, "jwt-secret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-bot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Tenant:      "acme",
		Permissions: []string{PermEnqueueJobs},
	})
	_, err = svc.Verify(token)
	assert.NoError(t, err)
}

func TestAuthorize(t *testing.T) {
	svc := NewService(&config.AuthConfig{
		Required:  true,
		JWTSecret: "jwt-secret",
	})

	submitter := mintToken(t, "jwt-secret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-bot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Tenant:      "acme",
		Permissions: []string{PermEnqueueJobs},
	})

	id, err := svc.Authorize(submitter, PermEnqueueJobs, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", id.Subject)

	_, err = svc.Authorize(submitter, PermQueueAdmin, "")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.Authorize(submitter, PermEnqueueJobs, "other-tenant")
	assert.ErrorIs(t, err, ErrTenantForbidden)
}

func TestAuthorizeWildcardTenant(t *testing.T) {
	svc := NewService(&config.AuthConfig{
		Required:  true,
		JWTSecret: "jwt-secret",
	})

	admin := mintToken(t, "jwt-secret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Tenant:      TenantWildcard,
		Permissions: []string{PermEnqueueJobs, PermQueueAdmin},
	})

	_, err := svc.Authorize(admin, PermEnqueueJobs, "acme")
	assert.NoError(t, err)
	_, err = svc.Authorize(admin, PermEnqueueJobs, "beta-corp")
	assert.NoError(t, err)
	_, err = svc.Authorize(admin, PermQueueAdmin, "")
	assert.NoError(t, err)
}

func TestCheckTenantPolicy(t *testing.T) {
	ceiling := 5.0
	policies := &policy.Policies{
		Tenants: map[string]policy.TenantPolicy{
			"acme": {
				BudgetCeilingUSD:    &ceiling,
				AllowedCapabilities: []string{"api.check", "browser.automation"},
			},
		},
	}

	t.Run("within ceilings", func(t *testing.T) {
		err := CheckTenantPolicy(policies, "acme", 2.50, []string{"api.check"})
		assert.NoError(t, err)
	})

	t.Run("budget over ceiling", func(t *testing.T) {
		err := CheckTenantPolicy(policies, "acme", 9.99, nil)
		require.Error(t, err)
		var pve *PolicyViolationError
		require.ErrorAs(t, err, &pve)
		assert.Equal(t, "acme", pve.Tenant)
		assert.Contains(t, pve.Reason, "exceeds ceiling")
	})

	t.Run("capability outside allowed set", func(t *testing.T) {
		err := CheckTenantPolicy(policies, "acme", 0, []string{"db.migration"})
		require.Error(t, err)
		var pve *PolicyViolationError
		require.ErrorAs(t, err, &pve)
		assert.Contains(t, pve.Reason, "db.migration")
	})

	t.Run("unlisted tenant has no ceilings", func(t *testing.T) {
		err := CheckTenantPolicy(policies, "unlisted", 1e6, []string{"anything"})
		assert.NoError(t, err)
	})

	t.Run("nil bundle has no ceilings", func(t *testing.T) {
		err := CheckTenantPolicy(nil, "acme", 1e6, nil)
		assert.NoError(t, err)
	})
}
