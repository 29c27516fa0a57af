//go:build integration

package circuit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/semgate/natsclient"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	states, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	open := State{Service: "auth", Failures: 5, Open: true, BackoffUntil: time.Now().Add(time.Minute).UTC()}
	require.NoError(t, s.Save(ctx, open))
	require.NoError(t, s.Save(ctx, State{Service: "crm-api", Failures: 1}))

	states, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.True(t, states["auth"].Open)
	assert.Equal(t, 5, states["auth"].Failures)

	require.NoError(t, s.Delete(ctx, "auth"))
	require.NoError(t, s.Delete(ctx, "auth"))
	states, err = s.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, states, "auth")
}

func TestIntegration_KVStore(t *testing.T) {
	srv := natsclient.NewTestServer(t)

	s, err := NewKVStore(context.Background(), srv.Client, "SEMGATE_CIRCUITS_TEST")
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestIntegration_RedisStore(t *testing.T) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	s, err := NewRedisStore(ctx, &redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())}, "semgate:circuits:test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}
