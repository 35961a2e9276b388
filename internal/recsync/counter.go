package recsync

// counterTracker maintains per-scope unseen badge counts and the process-wide
// viewing context. Alongside each count it keeps the set of record ids that
// produced it, so a decrement can only consume an increment the same record
// caused: hydrated records never increment, and resolving one must not eat
// the count belonging to a push-created record. Decrements are explicit only;
// a record disappearing from a view never implies one. Callers serialize
// access.
type counterTracker struct {
	counts  map[string]int
	counted map[string]map[string]struct{}
	viewing *Scope
	logger  Logger
}

func newCounterTracker(logger Logger) *counterTracker {
	if logger == nil {
		logger = nopLogger{}
	}
	return &counterTracker{
		counts:  map[string]int{},
		counted: map[string]map[string]struct{}{},
		logger:  logger,
	}
}

func (t *counterTracker) get(scope Scope) int {
	return t.counts[scope.Key()]
}

// onCreated handles one created delta for id targeting scope. While the scope
// is the one currently being viewed the badge stays untouched and the record
// is reported as immediately seen; otherwise the badge increments, at most
// once per record.
func (t *counterTracker) onCreated(scope Scope, id string) (markSeen bool) {
	if t.viewing != nil && *t.viewing == scope {
		return true
	}
	key := scope.Key()
	set, ok := t.counted[key]
	if !ok {
		set = map[string]struct{}{}
		t.counted[key] = set
	}
	if _, already := set[id]; already {
		return false
	}
	set[id] = struct{}{}
	t.counts[key]++
	return false
}

// onResolved is invoked by the action that resolved id out of the scope's
// bucket (accept, decline, revoke, cancel). It decrements only if this record
// incremented the badge in the first place.
func (t *counterTracker) onResolved(scope Scope, id string) {
	key := scope.Key()
	set := t.counted[key]
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	remaining := t.counts[key] - 1
	if remaining < 0 {
		t.logger.Printf("counter underflow for %s; clamping to zero", key)
		remaining = 0
	}
	t.counts[key] = remaining
}

// setViewing records the active scope. Switching in never retroactively
// decrements; it only changes how deltas arriving afterwards are handled.
// The bulk mark-seen of records already in the scope is the caller's job.
func (t *counterTracker) setViewing(scope *Scope) {
	if scope == nil {
		t.viewing = nil
		return
	}
	s := *scope
	t.viewing = &s
}

func (t *counterTracker) currentlyViewing() *Scope {
	if t.viewing == nil {
		return nil
	}
	s := *t.viewing
	return &s
}

func (t *counterTracker) snapshot() (map[string]int, map[string][]string) {
	counts := make(map[string]int, len(t.counts))
	for key, count := range t.counts {
		counts[key] = count
	}
	counted := make(map[string][]string, len(t.counted))
	for key, set := range t.counted {
		if len(set) == 0 {
			continue
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		counted[key] = ids
	}
	return counts, counted
}

func (t *counterTracker) restore(counts map[string]int, counted map[string][]string) {
	t.counts = map[string]int{}
	t.counted = map[string]map[string]struct{}{}
	for key, count := range counts {
		if count > 0 {
			t.counts[key] = count
		}
	}
	for key, ids := range counted {
		if len(ids) == 0 {
			continue
		}
		set := map[string]struct{}{}
		for _, id := range ids {
			set[id] = struct{}{}
		}
		t.counted[key] = set
	}
}
