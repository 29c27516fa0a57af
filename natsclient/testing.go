package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultTestImage is the NATS server image used by integration tests.
const DefaultTestImage = "nats:2.11.7-alpine"

// TestServer is a disposable JetStream-enabled NATS container with a connected client.
type TestServer struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

// StartTestServer starts a NATS container and connects a client to it.
func StartTestServer(ctx context.Context) (*TestServer, error) {
	req := testcontainers.ContainerRequest{
		Image:        DefaultTestImage,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url, WithMaxReconnects(0), WithTimeout(5*time.Second))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &TestServer{container: container, Client: client, URL: url}, nil
}

// NewTestServer starts a container for t and terminates it on cleanup.
func NewTestServer(t testing.TB) *TestServer {
	t.Helper()

	srv, err := StartTestServer(context.Background())
	if err != nil {
		t.Fatalf("start NATS test server: %v", err)
	}
	t.Cleanup(srv.Terminate)
	return srv
}

// Terminate closes the client and removes the container.
func (s *TestServer) Terminate() {
	ctx := context.Background()
	_ = s.Client.Close(ctx)
	_ = s.container.Terminate(ctx)
}
