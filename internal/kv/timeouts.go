package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
)

// timeoutEntry keeps deadline and body under one key so both change in a
// single revisioned write.
type timeoutEntry struct {
	DeadlineMs int64           `json:"deadline_ms"`
	Execution  json.RawMessage `json:"execution"`
}

// headCacheTTL bounds how long a scanned head may stand in for a fresh scan.
const headCacheTTL = time.Second

// TimeoutIndex is the Timeout Index stored in a KV bucket, one key per
// execution. The bucket has no ordering, so the earliest entry is found by
// scanning; claims are compare-and-set on the entry revision.
//
// Earliest remembers the head it scanned and the next Reap claims it without
// scanning again. A stale head fails its revision check and reaps nothing.
type TimeoutIndex struct {
	store *Store

	mu       sync.Mutex
	head     headEntry
	headOK   bool
	scanned  time.Time
	hasCache bool
	now      func() time.Time
}

// NewTimeoutIndex wraps the timeouts bucket store.
func NewTimeoutIndex(store *Store) *TimeoutIndex {
	return &TimeoutIndex{store: store, now: time.Now}
}

// Put writes or overwrites the entry for execID.
func (t *TimeoutIndex) Put(ctx context.Context, execID string, deadline time.Time, body []byte) error {
	// A new entry may precede the remembered head.
	t.forget()
	_, err := t.store.PutJSON(ctx, EncodeKey(execID), &timeoutEntry{
		DeadlineMs: deadline.UnixMilli(),
		Execution:  body,
	})
	return err
}

// Remove deletes the entry for execID. Missing entries are ignored.
func (t *TimeoutIndex) Remove(ctx context.Context, execID string) error {
	err := t.store.Delete(ctx, EncodeKey(execID))
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

type headEntry struct {
	key   string
	id    string
	entry timeoutEntry
	rev   uint64
}

func (t *TimeoutIndex) earliest(ctx context.Context) (headEntry, bool, error) {
	keys, err := t.store.Keys(ctx)
	if err != nil {
		return headEntry{}, false, err
	}

	var (
		head  headEntry
		found bool
	)
	for _, key := range keys {
		var e timeoutEntry
		rev, err := t.store.GetJSON(ctx, key, &e)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return headEntry{}, false, err
		}
		if found && (e.DeadlineMs > head.entry.DeadlineMs || (e.DeadlineMs == head.entry.DeadlineMs && key > head.key)) {
			continue
		}
		id, err := DecodeKey(key)
		if err != nil {
			continue
		}
		head = headEntry{key: key, id: id, entry: e, rev: rev}
		found = true
	}
	return head, found, nil
}

func (t *TimeoutIndex) remember(head headEntry, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head, t.headOK, t.scanned, t.hasCache = head, ok, t.now(), true
}

// takeCached returns the remembered head once, if it is recent enough.
func (t *TimeoutIndex) takeCached() (headEntry, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasCache {
		return headEntry{}, false, false
	}
	t.hasCache = false
	if t.now().Sub(t.scanned) > headCacheTTL {
		return headEntry{}, false, false
	}
	return t.head, t.headOK, true
}

func (t *TimeoutIndex) forget() {
	t.mu.Lock()
	t.hasCache = false
	t.mu.Unlock()
}

// Earliest returns the soonest entry.
func (t *TimeoutIndex) Earliest(ctx context.Context) (core.Deadline, bool, error) {
	head, ok, err := t.earliest(ctx)
	if err != nil {
		t.forget()
		return core.Deadline{}, false, err
	}
	t.remember(head, ok)
	if !ok {
		return core.Deadline{}, false, nil
	}
	return core.Deadline{ExecID: head.id, At: time.UnixMilli(head.entry.DeadlineMs)}, true, nil
}

// Reap claims the earliest entry if it is due. Only the caller whose write
// lands on the revision it read wins; everyone else sees ReapEmpty and looks
// again.
func (t *TimeoutIndex) Reap(ctx context.Context, now time.Time) (core.ReapResult, error) {
	head, ok, cached := t.takeCached()
	var err error
	if !cached {
		head, ok, err = t.earliest(ctx)
		if err != nil {
			return core.ReapResult{}, err
		}
	}
	if !ok {
		return core.ReapResult{Outcome: core.ReapEmpty}, nil
	}
	if head.entry.DeadlineMs > now.UnixMilli() {
		return core.ReapResult{Outcome: core.ReapNotYet, Next: time.UnixMilli(head.entry.DeadlineMs)}, nil
	}

	exec, decErr := core.DecodeExecution(head.entry.Execution)
	if decErr != nil {
		if err := t.store.DeleteAt(ctx, head.key, head.rev); err != nil && !IsConflict(err) {
			return core.ReapResult{}, err
		}
		return core.ReapResult{Outcome: core.ReapDropped}, nil
	}

	if deadline, ok := exec.Deadline(now); ok {
		refreshed := timeoutEntry{DeadlineMs: deadline.UnixMilli(), Execution: head.entry.Execution}
		_, err = t.store.UpdateJSON(ctx, head.key, &refreshed, head.rev)
	} else {
		err = t.store.DeleteAt(ctx, head.key, head.rev)
	}
	if err != nil {
		if IsConflict(err) {
			return core.ReapResult{Outcome: core.ReapEmpty}, nil
		}
		return core.ReapResult{}, fmt.Errorf("claim %s: %w", head.id, err)
	}
	return core.ReapResult{Outcome: core.ReapReaped, Execution: exec}, nil
}
