// Package testutil starts shared backend containers for store tests.
//
// Every helper skips the calling test when no container provider is
// available, so the suites degrade to no-ops on machines without Docker.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// container is a lazily started, process-wide test container.
type container struct {
	once     sync.Once
	endpoint string
	err      error
}

var (
	redisC    container
	postgresC container
	mongoC    container
)

const startTimeout = 3 * time.Minute

func (c *container) start(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		ctr, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			c.err = err
			return
		}
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background()) // best-effort cleanup
			c.err = err
			return
		}
		// The container lives for the rest of the test binary; ryuk
		// reaps it afterwards.
		c.endpoint = endpoint
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", image, c.err)
	}
	return c.endpoint
}

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisC.start(t, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
}

// GetPostgresDSN returns a DSN of a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	endpoint := postgresC.start(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Actively verify SQL connectivity using the mapped host:port
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://stageflow:stageflow@%s:%s/stageflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "stageflow",
			"POSTGRES_PASSWORD": "stageflow",
			"POSTGRES_DB":       "stageflow_test",
		}),
	)
	return fmt.Sprintf("postgres://stageflow:stageflow@%s/stageflow_test?sslmode=disable", endpoint)
}

// GetMongoURI returns a connection URI of a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	endpoint := mongoC.start(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	return "mongodb://" + endpoint
}
