package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/schedmq/internal/core"
)

// PubSubBroker implements core.EventPublisher using NATS core pub/sub and
// lets callers subscribe to the same event stream.
type PubSubBroker struct {
	nc    *nats.Conn
	names names
	mu    sync.Mutex
	subs  []*nats.Subscription
}

// NewPubSubBroker creates a broker publishing under prefix.
func NewPubSubBroker(nc *nats.Conn, prefix string) *PubSubBroker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &PubSubBroker{nc: nc, names: names{prefix: prefix}}
}

// PublishExecutionEvent publishes event to <prefix>.events.<type>.
func (b *PubSubBroker) PublishExecutionEvent(event *core.ExecutionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.nc.Publish(b.names.EventSubject(event.Type), data); err != nil {
		slog.Error("failed to publish execution event", "error", err, "exec_id", event.ExecID)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers every execution event until the returned func is called.
func (b *PubSubBroker) Subscribe() (<-chan *core.ExecutionEvent, func(), error) {
	subject := b.names.EventSubject(">")
	sink := newEventSink(64)

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		sink.deliver(msg.Subject, msg.Data)
	})
	if err != nil {
		sink.close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		_ = sub.Unsubscribe()
		sink.close()
	}
	return sink.ch, unsubscribe, nil
}

// eventSink hands decoded events to one subscriber. A callback still running
// after unsubscribe finds the sink closed and drops its event.
type eventSink struct {
	mu     sync.Mutex
	closed bool
	ch     chan *core.ExecutionEvent
}

func newEventSink(size int) *eventSink {
	return &eventSink{ch: make(chan *core.ExecutionEvent, size)}
}

func (s *eventSink) deliver(subject string, data []byte) {
	var event core.ExecutionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Error("failed to unmarshal event", "error", err, "subject", subject)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- &event:
	default:
		slog.Warn("dropping event, subscriber channel full", "subject", subject)
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Close unsubscribes all subscriptions.
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
