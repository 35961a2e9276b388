package recsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SeenAck is one queued "mark seen" acknowledgment awaiting delivery to the
// external store. Acks are produced when a delta arrives for the scope
// currently being viewed, and in bulk when a scoped view is entered.
type SeenAck struct {
	Category      Category  `json:"category"`
	IDs           []string  `json:"ids"`
	CorrelationID string    `json:"correlationId,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

type AckQueue interface {
	TryEnqueue(ack SeenAck) bool
	Enqueue(ctx context.Context, ack SeenAck) bool
	Dequeue(ctx context.Context) (SeenAck, bool)
	Depth() int
	Capacity() int
	Close() error
}

// ackSnapshotter is implemented by queues that can report their queued acks
// without draining them. Engine.Status exposes the snapshot.
type ackSnapshotter interface {
	SnapshotAcks() []SeenAck
}

type inMemoryAckQueue struct {
	ch    chan SeenAck
	mu    sync.Mutex
	items map[string]SeenAck
	seq   int
}

func NewInMemoryAckQueue(capacity int) AckQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryAckQueue{
		ch:    make(chan SeenAck, capacity),
		items: map[string]SeenAck{},
	}
}

func (q *inMemoryAckQueue) TryEnqueue(ack SeenAck) bool {
	if q == nil || len(ack.IDs) == 0 {
		return false
	}
	select {
	case q.ch <- ack:
		q.track(ack)
		return true
	default:
		return false
	}
}

func (q *inMemoryAckQueue) Enqueue(ctx context.Context, ack SeenAck) bool {
	if q == nil || len(ack.IDs) == 0 {
		return false
	}
	select {
	case q.ch <- ack:
		q.track(ack)
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryAckQueue) Dequeue(ctx context.Context) (SeenAck, bool) {
	if q == nil {
		return SeenAck{}, false
	}
	select {
	case ack := <-q.ch:
		q.untrack(ack)
		return ack, true
	case <-ctx.Done():
		return SeenAck{}, false
	}
}

func (q *inMemoryAckQueue) track(ack SeenAck) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[ackKey(ack)] = ack
}

func (q *inMemoryAckQueue) untrack(ack SeenAck) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, ackKey(ack))
}

func (q *inMemoryAckQueue) SnapshotAcks() []SeenAck {
	if q == nil {
		return []SeenAck{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SeenAck, 0, len(q.items))
	for _, ack := range q.items {
		out = append(out, ack)
	}
	return out
}

func (q *inMemoryAckQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryAckQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryAckQueue) Close() error {
	return nil
}

func ackKey(ack SeenAck) string {
	if ack.CorrelationID != "" {
		return ack.CorrelationID
	}
	return string(ack.Category) + "|" + strings.Join(ack.IDs, ",")
}

// fileAckQueue persists its items to a JSON file on every mutation, so a
// restart does not lose mark-seen acknowledgments accepted but not yet
// delivered.
type fileAckQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SeenAck
}

type fileAckQueueState struct {
	Items []SeenAck `json:"items"`
}

func NewFileAckQueue(path string, capacity int) (AckQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileAckQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SeenAck{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileAckQueue) TryEnqueue(ack SeenAck) bool {
	if len(ack.IDs) == 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, ack)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileAckQueue) Enqueue(ctx context.Context, ack SeenAck) bool {
	for {
		if q.TryEnqueue(ack) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileAckQueue) Dequeue(ctx context.Context) (SeenAck, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]SeenAck{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return SeenAck{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SeenAck{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileAckQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileAckQueue) Capacity() int {
	return q.capacity
}

func (q *fileAckQueue) SnapshotAcks() []SeenAck {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SeenAck(nil), q.items...)
}

func (q *fileAckQueue) Close() error {
	return nil
}

func (q *fileAckQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileAckQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]SeenAck(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SeenAck(nil), snapshot.Items...)
	return nil
}

func (q *fileAckQueue) saveLocked() error {
	snapshot := fileAckQueueState{
		Items: append([]SeenAck(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
