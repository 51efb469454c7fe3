package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// PublishExecution publishes an encoded execution to a task queue subject.
func PublishExecution(ctx context.Context, js jetstream.JetStream, subject string, body []byte) error {
	if _, err := js.Publish(ctx, subject, body); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
