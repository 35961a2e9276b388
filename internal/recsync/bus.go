package recsync

import "sync"

type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeStatusChanged ChangeKind = "statusChanged"
	ChangeRemoved       ChangeKind = "removed"
	ChangeHydrated      ChangeKind = "hydrated"
)

// Change is one post-application notification published to subscribed views
// and counters. It is emitted after the whole ingress unit has been applied,
// so a subscriber reading the engine sees the complete new state.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Category Category   `json:"category"`
	Filter   Filter     `json:"filter,omitempty"`
	ID       string     `json:"id,omitempty"`
	Record   *Record    `json:"record,omitempty"`
}

// Bus is a typed publish/subscribe fanout over the closed set of change
// variants. Publishing never blocks: a subscriber whose buffer is full misses
// the change and is expected to re-read the view it cares about.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Change
	logger Logger
}

func NewBus(logger Logger) *Bus {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Bus{
		subs:   map[int]chan Change{},
		logger: logger,
	}
}

// Subscribe registers a buffered subscription. The returned cancel func
// removes it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(change Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub <- change:
		default:
			b.logger.Printf("bus subscriber %d lagging; dropped %s change for %s", id, change.Kind, change.ID)
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
