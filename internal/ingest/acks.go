package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/compactlabs/compact-indexer/internal/queue"
)

type partitionKey struct {
	topic     string
	partition int
}

// ackEntry is one delivered message waiting for its outcome.
type ackEntry struct {
	msg  queue.Message
	done bool
	// stuck entries belong to a halted chain and never finish.
	stuck bool
}

// ackTracker commits a partition only up to its oldest unfinished message.
// Queue commits are cumulative, so acking a later message would also release
// an earlier one that was never applied.
type ackTracker struct {
	mu      sync.Mutex
	parts   map[partitionKey][]*ackEntry
	changed chan struct{}
	timeout time.Duration
	log     *slog.Logger
}

func newAckTracker(timeout time.Duration, log *slog.Logger) *ackTracker {
	return &ackTracker{
		parts:   make(map[partitionKey][]*ackEntry),
		changed: make(chan struct{}),
		timeout: timeout,
		log:     log,
	}
}

// track registers msg in delivery order. It must be called before any later
// message of the same partition is tracked.
func (t *ackTracker) track(msg queue.Message) *ackEntry {
	e := &ackEntry{msg: msg}
	k := partitionKey{topic: msg.Topic, partition: msg.Partition}

	t.mu.Lock()
	t.parts[k] = append(t.parts[k], e)
	t.mu.Unlock()
	return e
}

// complete marks e finished and commits the newest message whose predecessors
// are all finished. Commits happen under the lock so they never go backwards.
func (t *ackTracker) complete(e *ackEntry) {
	k := partitionKey{topic: e.msg.Topic, partition: e.msg.Partition}

	t.mu.Lock()
	defer t.mu.Unlock()

	e.done = true
	t.notifyLocked()
	pending := t.parts[k]
	var last *ackEntry
	for len(pending) > 0 && pending[0].done {
		last = pending[0]
		pending = pending[1:]
	}
	if len(pending) == 0 {
		delete(t.parts, k)
	} else {
		t.parts[k] = pending
	}
	if last == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := last.msg.Ack(ctx); err != nil {
		t.log.Error("ack queue message", "topic", last.msg.Topic, "partition", last.msg.Partition, "offset", last.msg.Offset, "err", err)
	}
}

// pending reports how many messages of a partition are still uncommitted.
func (t *ackTracker) pending(topic string, partition int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parts[partitionKey{topic: topic, partition: partition}])
}

// stall marks e as never finishing. A partition whose oldest entry is stalled
// cannot commit again in this process.
func (t *ackTracker) stall(e *ackEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !e.stuck {
		e.stuck = true
		t.notifyLocked()
	}
}

// wait blocks until msg's partition holds fewer than limit uncommitted
// messages. It fails with ErrPartitionStalled when the partition is full behind
// a stalled entry, since nothing would ever drain it.
func (t *ackTracker) wait(ctx context.Context, msg queue.Message, limit int) error {
	k := partitionKey{topic: msg.Topic, partition: msg.Partition}
	for {
		t.mu.Lock()
		pending := t.parts[k]
		if len(pending) < limit {
			t.mu.Unlock()
			return nil
		}
		if head := pending[0]; head.stuck {
			t.mu.Unlock()
			return fmt.Errorf("%w: topic %s partition %d holds %d messages behind offset %d",
				ErrPartitionStalled, k.topic, k.partition, len(pending), head.msg.Offset)
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (t *ackTracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
