package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/schedmq/internal/core"
)

// memKV is an in-memory bucket covering the calls TimeoutIndex makes.
// Unused KeyValue methods panic through the nil embedded interface.
type memKV struct {
	jetstream.KeyValue

	mu      sync.Mutex
	rev     uint64
	data    map[string]memEntry
	keys    int
	gets    int
	updates int
}

type memEntry struct {
	jetstream.KeyValueEntry
	value []byte
	rev   uint64
}

func (e memEntry) Value() []byte    { return e.value }
func (e memEntry) Revision() uint64 { return e.rev }

func newMemKV() *memKV { return &memKV{data: make(map[string]memEntry)} }

func (m *memKV) Keys(context.Context, ...jetstream.WatchOpt) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys++
	if len(m.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	e, ok := m.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	m.data[key] = memEntry{value: value, rev: m.rev}
	return m.rev, nil
}

func (m *memKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if e, ok := m.data[key]; !ok || e.rev != revision {
		return 0, jetstream.ErrKeyExists
	}
	m.rev++
	m.data[key] = memEntry{value: value, rev: m.rev}
	return m.rev, nil
}

func (m *memKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) calls() (keys, gets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys, m.gets
}

func putRetried(t *testing.T, idx *TimeoutIndex, execID string, deadline time.Time) {
	t.Helper()
	exec := &core.Execution{TaskID: "t", ExecID: execID, Retry: core.NewRetryPolicy(time.Minute)}
	body, err := exec.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := idx.Put(context.Background(), execID, deadline, body); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestReapReusesScannedHead(t *testing.T) {
	bucket := newMemKV()
	idx := NewTimeoutIndex(NewStore(bucket))
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		putRetried(t, idx, id, now.Add(time.Duration(i-10)*time.Second))
	}

	head, ok, err := idx.Earliest(ctx)
	if err != nil || !ok || head.ExecID != "a" {
		t.Fatalf("Earliest() = %+v, %v, %v; want a", head, ok, err)
	}
	keysBefore, getsBefore := bucket.calls()

	res, err := idx.Reap(ctx, now)
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if res.Outcome != core.ReapReaped || res.Execution.ExecID != "a" {
		t.Fatalf("Reap() = %+v, want reaped a", res)
	}
	if keys, gets := bucket.calls(); keys != keysBefore || gets != getsBefore {
		t.Fatalf("Reap() after Earliest scanned again: keys %d->%d, gets %d->%d", keysBefore, keys, getsBefore, gets)
	}

	// The remembered head is used once; the next reap scans.
	if _, err := idx.Reap(ctx, now); err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if keys, _ := bucket.calls(); keys != keysBefore+1 {
		t.Fatalf("second Reap() Keys calls = %d, want %d", keys, keysBefore+1)
	}
}

func TestReapWithStaleHeadClaimsNothing(t *testing.T) {
	bucket := newMemKV()
	idx := NewTimeoutIndex(NewStore(bucket))
	ctx := context.Background()
	now := time.Now()

	putRetried(t, idx, "a", now.Add(-time.Second))
	if _, _, err := idx.Earliest(ctx); err != nil {
		t.Fatalf("Earliest() error = %v", err)
	}

	// Another process rewrites the entry behind this index's back.
	other := NewTimeoutIndex(NewStore(bucket))
	putRetried(t, other, "a", now.Add(-time.Second))

	res, err := idx.Reap(ctx, now)
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if res.Outcome != core.ReapEmpty {
		t.Fatalf("Reap() outcome = %v, want %v", res.Outcome, core.ReapEmpty)
	}
}

func TestReapIgnoresExpiredHead(t *testing.T) {
	bucket := newMemKV()
	idx := NewTimeoutIndex(NewStore(bucket))
	clock := time.Now()
	idx.now = func() time.Time { return clock }
	ctx := context.Background()

	putRetried(t, idx, "a", clock.Add(-time.Second))
	if _, _, err := idx.Earliest(ctx); err != nil {
		t.Fatalf("Earliest() error = %v", err)
	}
	keysBefore, _ := bucket.calls()

	clock = clock.Add(2 * headCacheTTL)
	res, err := idx.Reap(ctx, clock)
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if res.Outcome != core.ReapReaped {
		t.Fatalf("Reap() outcome = %v, want %v", res.Outcome, core.ReapReaped)
	}
	if keys, _ := bucket.calls(); keys != keysBefore+1 {
		t.Fatalf("Reap() with an old head Keys calls = %d, want %d", keys, keysBefore+1)
	}
}

func TestLocalPutInvalidatesHead(t *testing.T) {
	bucket := newMemKV()
	idx := NewTimeoutIndex(NewStore(bucket))
	ctx := context.Background()
	now := time.Now()

	putRetried(t, idx, "late", now.Add(-time.Second))
	if _, _, err := idx.Earliest(ctx); err != nil {
		t.Fatalf("Earliest() error = %v", err)
	}
	putRetried(t, idx, "early", now.Add(-time.Minute))

	res, err := idx.Reap(ctx, now)
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if res.Outcome != core.ReapReaped || res.Execution.ExecID != "early" {
		t.Fatalf("Reap() = %+v, want reaped early", res)
	}
}
