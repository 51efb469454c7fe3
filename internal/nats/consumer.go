package nats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerManager caches one durable pull consumer per task queue.
type ConsumerManager struct {
	js        jetstream.JetStream
	names     names
	consumers sync.Map // map[string]jetstream.Consumer
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(js jetstream.JetStream, n names) *ConsumerManager {
	return &ConsumerManager{js: js, names: n}
}

// GetConsumer returns the pull consumer for a task queue, creating it if needed.
func (cm *ConsumerManager) GetConsumer(ctx context.Context, taskID string) (jetstream.Consumer, error) {
	if c, ok := cm.consumers.Load(taskID); ok {
		return c.(jetstream.Consumer), nil
	}

	consumer, err := EnsureConsumer(ctx, cm.js, cm.names, taskID)
	if err != nil {
		return nil, err
	}

	cm.consumers.Store(taskID, consumer)
	return consumer, nil
}

// Pop removes and returns the head message of a task queue. With wait <= 0
// it does not block. It returns nil when the queue is empty.
func (cm *ConsumerManager) Pop(ctx context.Context, taskID string, wait time.Duration) ([]byte, error) {
	consumer, err := cm.GetConsumer(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var batch jetstream.MessageBatch
	if wait > 0 {
		batch, err = consumer.Fetch(1, jetstream.FetchMaxWait(wait))
	} else {
		batch, err = consumer.FetchNoWait(1)
	}
	if err != nil {
		return nil, err
	}

	for msg := range batch.Messages() {
		// The message leaves the work queue only once the server confirms
		// the ack; an unconfirmed pop is redelivered after AckWait.
		if err := msg.DoubleAck(ctx); err != nil {
			return nil, err
		}
		return msg.Data(), nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, err
	}
	return nil, nil
}
