package recsync

import (
	"time"
)

// DeltaKind names the shapes an inbound change can take once decoded.
// Wire-level status deltas (accepted, declined, revoked, statusChanged)
// all normalize to DeltaStatusChanged with the new status attached.
type DeltaKind string

const (
	DeltaCreated       DeltaKind = "created"
	DeltaStatusChanged DeltaKind = "statusChanged"
	DeltaRemoved       DeltaKind = "removed"
)

type ViewRecord struct {
	Record
	Derived
}

type CollectionView struct {
	Category Category     `json:"category"`
	Filter   Filter       `json:"filter"`
	Records  []ViewRecord `json:"records"`
	Page     int          `json:"page"`
	Limit    int          `json:"limit"`
	Total    int          `json:"total"`
	HasMore  bool         `json:"hasMore"`
}

// filterChange reports a record joining or leaving a filter's backing set as
// the result of one applied mutation. The reconciler turns these into cursor
// and counter updates so the whole ingress unit lands as a single step.
type filterChange struct {
	Filter Filter
	Joined bool
}

type deltaResult struct {
	Applied       bool
	Duplicate     bool
	UnknownID     bool
	Conflicting   bool
	Inserted      bool
	Removed       bool
	Prev          Record
	Current       Record
	FilterChanges []filterChange
}

// entityStore holds, per category, an ordered collection of records keyed by
// id plus the per-filter backing sets hydration pages establish. It never
// stores a derived value; reads project through DeriveStatus at call time.
// Callers serialize access; the store itself carries no lock.
type entityStore struct {
	categories map[Category]*categoryState
	logger     Logger
}

type categoryState struct {
	records   map[string]Record
	filterIDs map[Filter][]string
}

func newEntityStore(logger Logger) *entityStore {
	if logger == nil {
		logger = nopLogger{}
	}
	store := &entityStore{
		categories: map[Category]*categoryState{},
		logger:     logger,
	}
	return store
}

func (s *entityStore) category(category Category) *categoryState {
	state, ok := s.categories[category]
	if !ok {
		state = &categoryState{
			records:   map[string]Record{},
			filterIDs: map[Filter][]string{},
		}
		s.categories[category] = state
	}
	return state
}

// hydrate merges one retrieved page into the store. Page 1 replaces the
// filter's backing id set; later pages append ids not already present. For
// any id already known with a causally newer local value, the local value is
// kept: a push delta that resolved before the paginated response is more
// recent even though it arrived first. Filter membership always follows the
// surviving value, not the page's filter: a record a newer local delta
// already resolved out of the requested filter must not re-enter it just
// because a stale page still lists it there.
func (s *entityStore) hydrate(category Category, filter Filter, page int, records []Record) {
	state := s.category(category)
	incoming := make([]string, 0, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		record.Category = category
		surviving := record
		if existing, ok := state.records[record.ID]; ok {
			if existing.NewerThan(record) {
				s.logger.Printf("hydrate %s/%s: keeping newer local value for %s", category, filter, record.ID)
				surviving = existing
			} else {
				// Seen is session-local and monotonic; a page carrying a stale
				// seen=false must not flip a locally seen record back.
				surviving.Seen = record.Seen || existing.Seen
			}
		}
		state.records[surviving.ID] = surviving
		if MatchesFilter(surviving, filter) {
			incoming = append(incoming, surviving.ID)
			continue
		}
		s.removeFromFilter(state, filter, surviving.ID)
		for _, other := range Filters() {
			if other != filter && MatchesFilter(surviving, other) {
				s.prependToFilter(state, other, surviving.ID)
			}
		}
	}

	if page <= 1 {
		state.filterIDs[filter] = incoming
		return
	}
	existing := state.filterIDs[filter]
	known := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}
	for _, id := range incoming {
		if _, ok := known[id]; ok {
			continue
		}
		existing = append(existing, id)
		known[id] = struct{}{}
	}
	state.filterIDs[filter] = existing
}

// applyDelta applies one push delta or optimistic mutation. Creates are
// idempotent; status changes and removals for unmodeled ids are dropped and
// reported, since there is nothing local to update. A status delta that moves
// a record out of a locally terminal state is still applied when the caller
// marks it authoritative: the server is the source of truth and local
// terminality assumptions may be stale.
func (s *entityStore) applyDelta(category Category, id string, kind DeltaKind, record *Record, status Status, at time.Time, version int64, authoritative bool) deltaResult {
	state := s.category(category)
	result := deltaResult{}

	switch kind {
	case DeltaCreated:
		if record == nil || record.ID == "" {
			return result
		}
		if _, ok := state.records[record.ID]; ok {
			result.Duplicate = true
			result.Current = state.records[record.ID]
			return result
		}
		created := *record
		created.Category = category
		state.records[created.ID] = created
		result.Applied = true
		result.Inserted = true
		result.Current = created
		for _, filter := range Filters() {
			if MatchesFilter(created, filter) {
				s.prependToFilter(state, filter, created.ID)
				result.FilterChanges = append(result.FilterChanges, filterChange{Filter: filter, Joined: true})
			}
		}
		return result

	case DeltaStatusChanged:
		prev, ok := state.records[id]
		if !ok {
			result.UnknownID = true
			return result
		}
		if prev.Version != 0 && version != 0 && version <= prev.Version {
			// Already at or beyond this version; duplicate or reordered delivery.
			result.Duplicate = true
			result.Current = prev
			return result
		}
		if IsTerminal(category, prev.Status) || !ValidTransition(category, prev.Status, status) {
			if !authoritative {
				result.Conflicting = true
				result.Current = prev
				return result
			}
			result.Conflicting = true
		}
		next := prev
		next.Status = status
		if !at.IsZero() {
			next.UpdatedAt = at
			responded := at
			next.RespondedAt = &responded
		}
		if version != 0 {
			next.Version = version
		}
		state.records[id] = next
		result.Applied = true
		result.Prev = prev
		result.Current = next
		result.FilterChanges = s.reindexFilters(state, prev, next)
		return result

	case DeltaRemoved:
		prev, ok := state.records[id]
		if !ok {
			result.UnknownID = true
			return result
		}
		delete(state.records, id)
		result.Applied = true
		result.Removed = true
		result.Prev = prev
		for _, filter := range Filters() {
			if s.removeFromFilter(state, filter, id) {
				result.FilterChanges = append(result.FilterChanges, filterChange{Filter: filter, Joined: false})
			}
		}
		return result
	}
	return result
}

// replace overwrites a record wholesale, keeping filter sets consistent.
// Used for optimistic mutations, their rollbacks, and confirmed action
// responses, where the caller already holds the full next value.
func (s *entityStore) replace(category Category, next Record) deltaResult {
	state := s.category(category)
	result := deltaResult{}
	prev, ok := state.records[next.ID]
	if !ok {
		result.UnknownID = true
		return result
	}
	next.Category = category
	state.records[next.ID] = next
	result.Applied = true
	result.Prev = prev
	result.Current = next
	result.FilterChanges = s.reindexFilters(state, prev, next)
	return result
}

func (s *entityStore) reindexFilters(state *categoryState, prev, next Record) []filterChange {
	changes := []filterChange(nil)
	for _, filter := range Filters() {
		was := MatchesFilter(prev, filter)
		is := MatchesFilter(next, filter)
		switch {
		case was && !is:
			if s.removeFromFilter(state, filter, next.ID) {
				changes = append(changes, filterChange{Filter: filter, Joined: false})
			}
		case !was && is:
			s.prependToFilter(state, filter, next.ID)
			changes = append(changes, filterChange{Filter: filter, Joined: true})
		}
	}
	return changes
}

func (s *entityStore) prependToFilter(state *categoryState, filter Filter, id string) {
	ids := state.filterIDs[filter]
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	state.filterIDs[filter] = append([]string{id}, ids...)
}

func (s *entityStore) removeFromFilter(state *categoryState, filter Filter, id string) bool {
	ids := state.filterIDs[filter]
	for i, existing := range ids {
		if existing == id {
			state.filterIDs[filter] = append(ids[:i:i], ids[i+1:]...)
			return true
		}
	}
	return false
}

func (s *entityStore) get(category Category, id string) (Record, bool) {
	state, ok := s.categories[category]
	if !ok {
		return Record{}, false
	}
	record, ok := state.records[id]
	return record, ok
}

func (s *entityStore) set(category Category, record Record) {
	state := s.category(category)
	state.records[record.ID] = record
}

// read projects a filter's backing set through DeriveStatus, in order.
func (s *entityStore) read(category Category, filter Filter, now time.Time) []ViewRecord {
	state, ok := s.categories[category]
	if !ok {
		return []ViewRecord{}
	}
	ids := state.filterIDs[filter]
	out := make([]ViewRecord, 0, len(ids))
	for _, id := range ids {
		record, ok := state.records[id]
		if !ok {
			continue
		}
		out = append(out, ViewRecord{Record: record, Derived: DeriveStatus(record, now)})
	}
	return out
}

// unseenIn lists the records in a scope still marked unseen, for the bulk
// mark-seen acknowledgment a viewing-context switch triggers.
func (s *entityStore) unseenIn(scope Scope) []Record {
	state, ok := s.categories[scope.Category]
	if !ok {
		return nil
	}
	out := []Record(nil)
	for _, id := range state.filterIDs[scope.Filter] {
		record, ok := state.records[id]
		if ok && !record.Seen {
			out = append(out, record)
		}
	}
	return out
}

func (s *entityStore) snapshot() map[Category]categorySnapshot {
	out := map[Category]categorySnapshot{}
	for category, state := range s.categories {
		records := make([]Record, 0, len(state.records))
		for _, record := range state.records {
			records = append(records, record)
		}
		filters := map[Filter][]string{}
		for filter, ids := range state.filterIDs {
			filters[filter] = append([]string(nil), ids...)
		}
		out[category] = categorySnapshot{Records: records, FilterIDs: filters}
	}
	return out
}

func (s *entityStore) restore(snapshot map[Category]categorySnapshot) {
	s.categories = map[Category]*categoryState{}
	for category, snap := range snapshot {
		state := s.category(category)
		for _, record := range snap.Records {
			if record.ID == "" {
				continue
			}
			state.records[record.ID] = record
		}
		for filter, ids := range snap.FilterIDs {
			state.filterIDs[filter] = append([]string(nil), ids...)
		}
	}
}

type categorySnapshot struct {
	Records   []Record            `json:"records"`
	FilterIDs map[Filter][]string `json:"filterIds"`
}
