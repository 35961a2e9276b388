package recsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PageResponse is one paginated retrieval response for a (category, filter)
// pair, as returned by the remote endpoint.
type PageResponse struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
}

// ActionClient submits a state-changing action (accept, decline, revoke,
// cancel) and returns the updated record. Implementations must not retry:
// these calls are not safely idempotent from the caller's perspective.
type ActionClient interface {
	SubmitAction(ctx context.Context, category Category, id string, action Action) (Record, error)
}

// AckSenderFunc delivers one queued mark-seen acknowledgment to the external
// store.
type AckSenderFunc func(ctx context.Context, ack SeenAck) error

type Options struct {
	StateBackend   StateBackend
	StateFile      string
	AckQueue       AckQueue
	AckQueueSize   int
	AckSender      AckSenderFunc
	ActionClient   ActionClient
	Logger         Logger
	Clock          func() time.Time
	DisableWorkers bool
	AckWorkers     int
	MaxAckAttempts int
	AckRetryDelay  time.Duration
}

type IngressStatus struct {
	AcceptedTotal    uint64 `json:"acceptedTotal"`
	DedupedTotal     uint64 `json:"dedupedTotal"`
	DroppedTotal     uint64 `json:"droppedTotal"`
	StaleTotal       uint64 `json:"staleTotal"`
	ConflictingTotal uint64 `json:"conflictingTotal"`
	MalformedTotal   uint64 `json:"malformedTotal"`
}

type EngineStatus struct {
	Ingress           IngressStatus              `json:"ingress"`
	IngressByCategory map[Category]IngressStatus `json:"ingressByCategory"`
	AckQueueDepth     int                        `json:"ackQueueDepth"`
	AckQueueCapacity  int                        `json:"ackQueueCapacity"`
	PendingAcks       []SeenAck                  `json:"pendingAcks,omitempty"`
	Viewing           *Scope                     `json:"viewing,omitempty"`
}

type pendingMutation struct {
	prior Record
}

// Engine is the single ingress point for hydration pages, push deltas, and
// locally dispatched actions. Each inbound unit is applied as one atomic step
// across the entity store, the badge counters, and the pagination cursors:
// the engine lock is held for the whole step, so no read can observe a
// partially applied event. Reads project records through DeriveStatus at call
// time; no derived value is ever stored.
type Engine struct {
	mu       sync.RWMutex
	store    *entityStore
	cursors  *cursorTracker
	counters *counterTracker
	bus      *Bus
	tokens   map[string]uint64
	pending  map[string]pendingMutation
	ingress  map[Category]*IngressStatus

	clock        func() time.Time
	logger       Logger
	stateBackend StateBackend
	ackQueue     AckQueue
	ackSender    AckSenderFunc
	actionClient ActionClient

	maxAckAttempts int
	ackRetryDelay  time.Duration

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	ackQueue := opts.AckQueue
	if ackQueue == nil {
		size := opts.AckQueueSize
		if size <= 0 {
			size = 1024
		}
		ackQueue = NewInMemoryAckQueue(size)
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && opts.StateFile != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	maxAckAttempts := opts.MaxAckAttempts
	if maxAckAttempts <= 0 {
		maxAckAttempts = 3
	}
	ackRetryDelay := opts.AckRetryDelay
	if ackRetryDelay <= 0 {
		ackRetryDelay = 50 * time.Millisecond
	}
	ackWorkers := opts.AckWorkers
	if ackWorkers <= 0 {
		ackWorkers = 1
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:          newEntityStore(logger),
		cursors:        newCursorTracker(),
		counters:       newCounterTracker(logger),
		bus:            NewBus(logger),
		tokens:         map[string]uint64{},
		pending:        map[string]pendingMutation{},
		ingress:        map[Category]*IngressStatus{},
		clock:          clock,
		logger:         logger,
		stateBackend:   stateBackend,
		ackQueue:       ackQueue,
		ackSender:      opts.AckSender,
		actionClient:   opts.ActionClient,
		maxAckAttempts: maxAckAttempts,
		ackRetryDelay:  ackRetryDelay,
		queueCtx:       queueCtx,
		queueCancel:    queueCancel,
	}
	if err := e.loadFromBackend(); err != nil {
		logger.Printf("failed to restore engine state: %v", err)
	}
	if !opts.DisableWorkers && e.ackSender != nil {
		e.wg.Add(ackWorkers)
		for i := 0; i < ackWorkers; i++ {
			go func() {
				defer e.wg.Done()
				e.ackWorker()
			}()
		}
	}
	return e
}

func (e *Engine) Subscribe(buffer int) (<-chan Change, func()) {
	return e.bus.Subscribe(buffer)
}

// NextToken issues the request token for the next retrieval request against
// scope. Tokens are monotonically increasing per scope; a response carrying a
// token older than the latest issued one is discarded on arrival.
func (e *Engine) NextToken(scope Scope) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens[scope.Key()]++
	return e.tokens[scope.Key()]
}

// OnHydrate merges one retrieval response into the engine. A token of zero
// bypasses staleness tracking, for callers that never overlap requests.
func (e *Engine) OnHydrate(category Category, filter Filter, page int, token uint64, resp PageResponse) error {
	scope := Scope{Category: category, Filter: filter}
	e.mu.Lock()
	defer e.mu.Unlock()

	latest := e.tokens[scope.Key()]
	if token != 0 && token < latest {
		e.counts(category).StaleTotal++
		return &StaleResponseError{Scope: scope, Token: token, SupersededBy: latest}
	}
	if token > latest {
		e.tokens[scope.Key()] = token
	}

	e.store.hydrate(category, filter, page, resp.Records)
	e.cursors.onHydrate(scope, page, resp.Limit, resp.Total)
	e.counts(category).AcceptedTotal++
	e.saveLocked()
	e.bus.Publish(Change{Kind: ChangeHydrated, Category: category, Filter: filter})
	return nil
}

// OnPush validates, decodes, and applies one raw push payload.
func (e *Engine) OnPush(payload []byte) error {
	delta, err := ParseDelta(payload)
	if err != nil {
		var malformed *MalformedDeltaError
		if errors.As(err, &malformed) {
			e.mu.Lock()
			e.counts("").MalformedTotal++
			e.mu.Unlock()
			e.logger.Printf("dropping malformed delta: %v", err)
		}
		return err
	}
	return e.ApplyDelta(delta)
}

// ApplyDelta applies one decoded push delta as a single atomic step. Push
// deltas are authoritative: one that contradicts a locally assumed terminal
// status still overwrites, and is logged as a diagnostic only.
func (e *Engine) ApplyDelta(delta Delta) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch delta.Kind {
	case DeltaCreated:
		result := e.store.applyDelta(delta.Category, delta.ID, DeltaCreated, delta.Record, "", delta.Timestamp, delta.Version, true)
		if result.Duplicate {
			e.counts(delta.Category).DedupedTotal++
			return nil
		}
		if !result.Applied {
			e.counts(delta.Category).DroppedTotal++
			return nil
		}
		record := result.Current
		scope := ScopeForRecord(record)
		if e.counters.onCreated(scope, record.ID) {
			record.Seen = true
			e.store.set(delta.Category, record)
			e.enqueueAckLocked(SeenAck{
				Category:      delta.Category,
				IDs:           []string{record.ID},
				CorrelationID: uuid.NewString(),
				EnqueuedAt:    e.clock(),
			})
		}
		e.applyCursorChanges(delta.Category, result.FilterChanges)
		e.counts(delta.Category).AcceptedTotal++
		e.saveLocked()
		e.bus.Publish(Change{Kind: ChangeCreated, Category: delta.Category, ID: record.ID, Record: &record})
		return nil

	case DeltaStatusChanged:
		// An authoritative status supersedes any in-flight optimistic
		// mutation for the same record; the eventual rollback is skipped.
		delete(e.pending, pendingKey(delta.Category, delta.ID))
		result := e.store.applyDelta(delta.Category, delta.ID, DeltaStatusChanged, nil, delta.Status, delta.Timestamp, delta.Version, true)
		if result.UnknownID {
			e.counts(delta.Category).DroppedTotal++
			e.logger.Printf("dropping status delta for unmodeled record %s/%s", delta.Category, delta.ID)
			return nil
		}
		if result.Duplicate {
			e.counts(delta.Category).DedupedTotal++
			return nil
		}
		if result.Conflicting {
			e.counts(delta.Category).ConflictingTotal++
			e.logger.Printf("authoritative delta moves %s/%s out of terminal status %s to %s", delta.Category, delta.ID, result.Prev.Status, delta.Status)
		}
		e.applyCursorChanges(delta.Category, result.FilterChanges)
		e.counts(delta.Category).AcceptedTotal++
		record := result.Current
		e.saveLocked()
		e.bus.Publish(Change{Kind: ChangeStatusChanged, Category: delta.Category, ID: delta.ID, Record: &record})
		return nil

	case DeltaRemoved:
		delete(e.pending, pendingKey(delta.Category, delta.ID))
		result := e.store.applyDelta(delta.Category, delta.ID, DeltaRemoved, nil, "", delta.Timestamp, delta.Version, true)
		if result.UnknownID {
			e.counts(delta.Category).DroppedTotal++
			e.logger.Printf("dropping removal for unmodeled record %s/%s", delta.Category, delta.ID)
			return nil
		}
		e.applyCursorChanges(delta.Category, result.FilterChanges)
		e.counts(delta.Category).AcceptedTotal++
		e.saveLocked()
		e.bus.Publish(Change{Kind: ChangeRemoved, Category: delta.Category, ID: delta.ID})
		return nil
	}
	return &MalformedDeltaError{Reason: "unrecognized kind"}
}

// DispatchAction applies the optimistic mutation, submits the action, and on
// failure rolls back to the pre-call value. The remote call runs without the
// engine lock, so in-flight push deltas and hydrations are never blocked by
// it. Actions are never auto-retried.
func (e *Engine) DispatchAction(ctx context.Context, category Category, id string, action Action) (Record, error) {
	if e.actionClient == nil {
		return Record{}, ErrInvalidState
	}
	target, ok := action.TargetStatus()
	if !ok {
		return Record{}, ErrInvalidInput
	}

	e.mu.Lock()
	record, found := e.store.get(category, id)
	if !found {
		e.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if action == ActionCancel {
		if !DeriveStatus(record, e.clock()).CanCancel {
			e.mu.Unlock()
			return Record{}, ErrInvalidState
		}
	}
	if !ValidTransition(category, record.Status, target) {
		e.mu.Unlock()
		return Record{}, ErrInvalidState
	}

	prior := record
	now := e.clock()
	optimistic := record
	optimistic.Status = target
	optimistic.UpdatedAt = now
	optimistic.RespondedAt = &now
	e.pending[pendingKey(category, id)] = pendingMutation{prior: prior}
	result := e.store.replace(category, optimistic)
	e.applyCursorChanges(category, result.FilterChanges)
	e.saveLocked()
	e.bus.Publish(Change{Kind: ChangeStatusChanged, Category: category, ID: id, Record: &optimistic})
	e.mu.Unlock()

	confirmed, err := e.actionClient.SubmitAction(ctx, category, id, action)
	if err != nil {
		e.rollback(category, id)
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, stillPending := e.pending[pendingKey(category, id)]; stillPending {
		delete(e.pending, pendingKey(category, id))
		current, ok := e.store.get(category, id)
		if ok {
			next := confirmed
			if !next.NewerThan(current) {
				next = current
			}
			// Acting on a record means the user has seen it.
			next.Seen = true
			res := e.store.replace(category, next)
			e.applyCursorChanges(category, res.FilterChanges)
			current = next
		}
		if MatchesFilter(prior, FilterCurrent) && !MatchesFilter(current, FilterCurrent) {
			// Only a record that incremented the badge can decrement it.
			e.counters.onResolved(Scope{Category: category, Filter: FilterCurrent}, id)
		}
		e.saveLocked()
		e.bus.Publish(Change{Kind: ChangeStatusChanged, Category: category, ID: id, Record: &current})
		return current, nil
	}
	// A push delta resolved the record while the call was in flight; the
	// delta already carried the authoritative state.
	current, _ := e.store.get(category, id)
	return current, nil
}

func (e *Engine) rollback(category Category, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutation, ok := e.pending[pendingKey(category, id)]
	if !ok {
		// Superseded by an authoritative delta; nothing to restore.
		return
	}
	delete(e.pending, pendingKey(category, id))
	result := e.store.replace(category, mutation.prior)
	e.applyCursorChanges(category, result.FilterChanges)
	e.saveLocked()
	restored := mutation.prior
	e.bus.Publish(Change{Kind: ChangeStatusChanged, Category: category, ID: id, Record: &restored})
}

// EnterScope records that a scoped list for scope is now being rendered.
// Arriving created deltas for the scope are marked seen instead of counted,
// and the records already held unseen get one bulk mark-seen acknowledgment.
// The badge is not retroactively decremented.
func (e *Engine) EnterScope(scope Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.setViewing(&scope)
	unseen := e.store.unseenIn(scope)
	if len(unseen) == 0 {
		return
	}
	ids := make([]string, 0, len(unseen))
	for _, record := range unseen {
		record.Seen = true
		e.store.set(scope.Category, record)
		ids = append(ids, record.ID)
	}
	e.enqueueAckLocked(SeenAck{
		Category:      scope.Category,
		IDs:           ids,
		CorrelationID: uuid.NewString(),
		EnqueuedAt:    e.clock(),
	})
	e.saveLocked()
}

func (e *Engine) LeaveScope(scope Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	viewing := e.counters.currentlyViewing()
	if viewing != nil && *viewing == scope {
		e.counters.setViewing(nil)
	}
}

func (e *Engine) GetView(category Category, filter Filter) CollectionView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scope := Scope{Category: category, Filter: filter}
	cursor := e.cursors.get(scope)
	return CollectionView{
		Category: category,
		Filter:   filter,
		Records:  e.store.read(category, filter, e.clock()),
		Page:     cursor.Page,
		Limit:    cursor.Limit,
		Total:    cursor.Total,
		HasMore:  cursor.HasMore,
	}
}

func (e *Engine) GetUnseenCount(scope Scope) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.counters.get(scope)
}

func (e *Engine) Cursor(scope Scope) Cursor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursors.get(scope)
}

func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := EngineStatus{
		IngressByCategory: map[Category]IngressStatus{},
		Viewing:           e.counters.currentlyViewing(),
	}
	for category, counts := range e.ingress {
		status.Ingress.AcceptedTotal += counts.AcceptedTotal
		status.Ingress.DedupedTotal += counts.DedupedTotal
		status.Ingress.DroppedTotal += counts.DroppedTotal
		status.Ingress.StaleTotal += counts.StaleTotal
		status.Ingress.ConflictingTotal += counts.ConflictingTotal
		status.Ingress.MalformedTotal += counts.MalformedTotal
		if category != "" {
			status.IngressByCategory[category] = *counts
		}
	}
	if e.ackQueue != nil {
		status.AckQueueDepth = e.ackQueue.Depth()
		status.AckQueueCapacity = e.ackQueue.Capacity()
		if snapshotter, ok := e.ackQueue.(ackSnapshotter); ok {
			status.PendingAcks = snapshotter.SnapshotAcks()
		}
	}
	return status
}

func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.queueCancel()
		e.wg.Wait()
		e.mu.Lock()
		e.saveLocked()
		e.mu.Unlock()
		if e.ackQueue != nil {
			_ = e.ackQueue.Close()
		}
		if closer, ok := e.stateBackend.(stateBackendCloser); ok {
			closeErr = closer.Close()
		}
		e.bus.Close()
	})
	return closeErr
}

func (e *Engine) counts(category Category) *IngressStatus {
	counts, ok := e.ingress[category]
	if !ok {
		counts = &IngressStatus{}
		e.ingress[category] = counts
	}
	return counts
}

func (e *Engine) applyCursorChanges(category Category, changes []filterChange) {
	for _, change := range changes {
		scope := Scope{Category: category, Filter: change.Filter}
		if change.Joined {
			e.cursors.onPushInsert(scope)
		} else {
			e.cursors.onPushRemove(scope)
		}
	}
}

func (e *Engine) enqueueAckLocked(ack SeenAck) {
	if e.ackQueue == nil {
		return
	}
	if !e.ackQueue.TryEnqueue(ack) {
		e.logger.Printf("ack queue full; dropping mark-seen ack for %d record(s)", len(ack.IDs))
	}
}

func (e *Engine) saveLocked() {
	if e.stateBackend == nil {
		return
	}
	counts, counted := e.counters.snapshot()
	snapshot := &persistedState{
		Categories: e.store.snapshot(),
		Counters:   counts,
		CountedIDs: counted,
		Cursors:    e.cursors.snapshot(),
		Tokens:     map[string]uint64{},
	}
	for key, token := range e.tokens {
		snapshot.Tokens[key] = token
	}
	if err := e.stateBackend.Save(snapshot); err != nil {
		e.logger.Printf("failed to persist engine state: %v", err)
	}
}

func (e *Engine) loadFromBackend() error {
	if e.stateBackend == nil {
		return nil
	}
	snapshot, err := e.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	e.store.restore(snapshot.Categories)
	e.counters.restore(snapshot.Counters, snapshot.CountedIDs)
	e.cursors.restore(snapshot.Cursors)
	e.tokens = map[string]uint64{}
	for key, token := range snapshot.Tokens {
		e.tokens[key] = token
	}
	return nil
}

func (e *Engine) ackWorker() {
	for {
		ack, ok := e.ackQueue.Dequeue(e.queueCtx)
		if !ok {
			return
		}
		e.deliverAck(ack)
	}
}

func (e *Engine) deliverAck(ack SeenAck) {
	for attempt := 1; attempt <= e.maxAckAttempts; attempt++ {
		err := e.ackSender(e.queueCtx, ack)
		if err == nil {
			return
		}
		if attempt == e.maxAckAttempts {
			e.logger.Printf("giving up on mark-seen ack for %d record(s) after %d attempts: %v", len(ack.IDs), attempt, err)
			return
		}
		select {
		case <-e.queueCtx.Done():
			return
		case <-time.After(e.ackRetryDelay):
		}
	}
}

func pendingKey(category Category, id string) string {
	return string(category) + "|" + id
}
