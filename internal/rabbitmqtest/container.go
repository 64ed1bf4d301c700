// Package rabbitmqtest starts throwaway RabbitMQ brokers for integration tests.
package rabbitmqtest

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

// Image is the broker image started by NewContainer
const Image = "rabbitmq:3.13-management-alpine"

// Container is a running RabbitMQ broker started through testcontainers
type Container struct {
	*tcrabbitmq.RabbitMQContainer

	AmqpURL string
}

// NewContainer starts a broker and returns a handle to manage its lifecycle
func NewContainer(ctx context.Context) (*Container, error) {
	withContext := func(msg string, err error) error {
		return fmt.Errorf("rabbitmqtest.NewContainer: %s, %w", msg, err)
	}

	container, err := tcrabbitmq.Run(ctx, Image,
		tcrabbitmq.WithAdminUsername("guest"),
		tcrabbitmq.WithAdminPassword("guest"),
	)
	if err != nil {
		return nil, withContext("failed to run new container", err)
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return nil, withContext("failed to get amqp url", err)
	}

	return &Container{
		RabbitMQContainer: container,
		AmqpURL:           url,
	}, nil
}

// URL returns the AMQP URL of a broker for t. RABBITMQ_URL points tests at an
// existing broker; otherwise a container is started and terminated on cleanup.
func URL(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		return url
	}

	container, err := NewContainer(context.Background())
	if err != nil {
		t.Fatalf("failed to start rabbitmq: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	})

	return container.AmqpURL
}
