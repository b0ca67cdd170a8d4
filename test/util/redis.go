// Package util provides shared helpers for tests that need a real Redis.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared address for all tests in local dev
	sharedRedisAddr string
	containerOnce   sync.Once
	containerErr    error
)

// SetupTestRedis returns a client connected to the shared test Redis.
// Isolation comes from per-test queue namespaces, not separate servers:
// - CI: connects to an external Redis service via CI_REDIS_URL
// - Local: uses a shared testcontainer (started once per package)
// Pair it with GenerateNamespace so tests never see each other's keys.
func SetupTestRedis(t *testing.T) *redis.Client {
	addr := getOrCreateSharedRedis(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// getOrCreateSharedRedis returns the address of the shared Redis server.
// In CI, uses CI_REDIS_URL. In local dev, starts a shared testcontainer once.
func getOrCreateSharedRedis(t *testing.T) string {
	if ciRedisURL := os.Getenv("CI_REDIS_URL"); ciRedisURL != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		opts, err := redis.ParseURL(ciRedisURL)
		require.NoError(t, err, "CI_REDIS_URL must be a valid redis URL")
		return opts.Addr
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor: wait.ForLog("Ready to accept connections").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			containerErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to get container host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "6379")
		if err != nil {
			containerErr = fmt.Errorf("failed to get container port: %w", err)
			return
		}

		sharedRedisAddr = host + ":" + port.Port()
		t.Logf("Shared Redis container ready: %s", sharedRedisAddr)
	})

	require.NoError(t, containerErr, "Failed to setup shared Redis container")
	return sharedRedisAddr
}

// GenerateNamespace creates a unique queue namespace for the test.
// Format: test_<sanitized_test_name>_<random_hex>
func GenerateNamespace(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random bytes for namespace: %v", err)
	}

	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}
