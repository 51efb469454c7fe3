package nats

import (
	"fmt"
	"strings"

	"github.com/openjobspec/schedmq/internal/kv"
)

// DefaultPrefix names the stream, subjects and buckets when no prefix is set.
//
//	{prefix}.queue.{task}     -- task queue messages ({task} is base64url)
//	{prefix}.events.{type}    -- execution lifecycle events
//	{PREFIX}                  -- work-queue stream holding all task queues
//	{prefix}-timeouts         -- KV bucket, Timeout Index
//	{prefix}-ticks            -- KV bucket, tick locks (bucket TTL)
const DefaultPrefix = "schedmq"

type names struct {
	prefix string
}

// StreamName returns the work-queue stream name.
func (n names) StreamName() string {
	return strings.ToUpper(n.prefix)
}

// QueueSubject returns the subject for publishing to a task queue.
func (n names) QueueSubject(taskID string) string {
	return fmt.Sprintf("%s.queue.%s", n.prefix, kv.EncodeKey(taskID))
}

// QueueAllSubject returns the wildcard subject covering every task queue.
func (n names) QueueAllSubject() string {
	return fmt.Sprintf("%s.queue.>", n.prefix)
}

// EventSubject returns the subject for an execution event type.
func (n names) EventSubject(eventType string) string {
	return fmt.Sprintf("%s.events.%s", n.prefix, eventType)
}

// ConsumerName returns the durable pull consumer name for a task queue.
func (n names) ConsumerName(taskID string) string {
	return fmt.Sprintf("%s-q-%s", n.prefix, kv.EncodeKey(taskID))
}

// BucketTimeouts returns the Timeout Index bucket name.
func (n names) BucketTimeouts() string { return n.prefix + "-timeouts" }

// BucketTicks returns the tick lock bucket name.
func (n names) BucketTicks() string { return n.prefix + "-ticks" }
