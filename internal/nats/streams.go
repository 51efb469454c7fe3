package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the task queue stream and the KV buckets.
func SetupJetStream(ctx context.Context, js jetstream.JetStream, n names, tickLockTTL time.Duration) error {
	// One work-queue stream holds every task queue; a message is removed once
	// a consumer acks it.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.StreamName(),
		Subjects:  []string{n.QueueAllSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", n.StreamName(), err)
	}

	buckets := []struct {
		name string
		ttl  time.Duration
	}{
		{n.BucketTimeouts(), 0},
		{n.BucketTicks(), tickLockTTL},
	}

	for _, b := range buckets {
		cfg := jetstream.KeyValueConfig{
			Bucket:  b.name,
			Storage: jetstream.FileStorage,
		}
		if b.ttl > 0 {
			cfg.TTL = b.ttl
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", b.name, err)
		}
	}

	return nil
}

// EnsureConsumer creates or updates the pull consumer for a task queue.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, n names, taskID string) (jetstream.Consumer, error) {
	consumer, err := js.CreateOrUpdateConsumer(ctx, n.StreamName(), jetstream.ConsumerConfig{
		Durable:       n.ConsumerName(taskID),
		FilterSubject: n.QueueSubject(taskID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for task %s: %w", taskID, err)
	}
	return consumer, nil
}
