//go:build integration

package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := Connect(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client)
	key := Key("SAL-1", "tx-1", "settlement")

	seen, err := s.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Mark(ctx, key))
	seen, err = s.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := client.TTL(ctx, fmt.Sprintf(keyFormat, key)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, TTL-time.Minute)
	require.NoError(t, s.Ping(ctx))
}
