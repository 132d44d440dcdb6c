// Package testutil starts disposable Postgres and Redis containers for the
// store integration tests.
package testutil

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// PostgresPort is the port exposed by the Postgres test container.
	PostgresPort = "5432/tcp"
	// RedisPort is the port exposed by the Redis test container.
	RedisPort = "6379/tcp"

	postgresUser     = "rhema"
	postgresPassword = "rhema"
	postgresDB       = "rhema_test"
)

// StartPostgresContainer starts a throwaway Postgres server.
func StartPostgresContainer(ctx context.Context) (testcontainers.Container, error) {
	return testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image: "postgres:16-alpine",
				Env: map[string]string{
					"POSTGRES_USER":     postgresUser,
					"POSTGRES_PASSWORD": postgresPassword,
					"POSTGRES_DB":       postgresDB,
				},
				ExposedPorts: []string{PostgresPort},
				// The entrypoint restarts the server once after init.
				WaitingFor: wait.ForAll(
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
					wait.ForListeningPort(nat.Port(PostgresPort)),
				),
			},
			Started: true,
		})
}

// PostgresURL returns a connection string for a container started by
// StartPostgresContainer.
func PostgresURL(ctx context.Context, c testcontainers.Container) (string, error) {
	addr, err := hostPort(ctx, c, PostgresPort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", postgresUser, postgresPassword, addr, postgresDB), nil
}

// StartRedisContainer starts a throwaway Redis server.
func StartRedisContainer(ctx context.Context) (testcontainers.Container, error) {
	return testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{RedisPort},
				WaitingFor: wait.ForAll(
					wait.ForLog("Ready to accept connections"),
					wait.ForListeningPort(nat.Port(RedisPort)),
				),
			},
			Started: true,
		})
}

// RedisURL returns a redis:// URL for a container started by
// StartRedisContainer.
func RedisURL(ctx context.Context, c testcontainers.Container) (string, error) {
	addr, err := hostPort(ctx, c, RedisPort)
	if err != nil {
		return "", err
	}
	return "redis://" + addr, nil
}

func hostPort(ctx context.Context, c testcontainers.Container, port string) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", fmt.Errorf("container port %s: %w", port, err)
	}
	return net.JoinHostPort(host, mapped.Port()), nil
}
