package recsync

type Cursor struct {
	Category Category `json:"category"`
	Filter   Filter   `json:"filter"`
	Page     int      `json:"page"`
	Limit    int      `json:"limit"`
	Total    int      `json:"total"`
	HasMore  bool     `json:"hasMore"`
}

// cursorTracker keeps one Cursor per (category, filter) pair a view has
// requested. Push-inserted records matching an active filter bump the total
// optimistically without invalidating already-retrieved later pages; this can
// drift from server truth under heavy concurrent multi-client inserts and is
// an accepted approximation, corrected by the next page-1 hydration.
type cursorTracker struct {
	cursors map[string]*Cursor
}

func newCursorTracker() *cursorTracker {
	return &cursorTracker{cursors: map[string]*Cursor{}}
}

func (t *cursorTracker) cursor(scope Scope) *Cursor {
	cursor, ok := t.cursors[scope.Key()]
	if !ok {
		cursor = &Cursor{Category: scope.Category, Filter: scope.Filter}
		t.cursors[scope.Key()] = cursor
	}
	return cursor
}

func (t *cursorTracker) onHydrate(scope Scope, page, limit, total int) {
	cursor := t.cursor(scope)
	if page > cursor.Page {
		cursor.Page = page
	}
	if limit > 0 {
		cursor.Limit = limit
	}
	cursor.Total = total
	cursor.HasMore = cursor.Limit > 0 && cursor.Page*cursor.Limit < total
}

func (t *cursorTracker) onPushInsert(scope Scope) {
	cursor := t.cursor(scope)
	cursor.Total++
	cursor.HasMore = cursor.Limit > 0 && cursor.Page*cursor.Limit < cursor.Total
}

func (t *cursorTracker) onPushRemove(scope Scope) {
	cursor := t.cursor(scope)
	if cursor.Total > 0 {
		cursor.Total--
	}
	cursor.HasMore = cursor.Limit > 0 && cursor.Page*cursor.Limit < cursor.Total
}

func (t *cursorTracker) get(scope Scope) Cursor {
	if cursor, ok := t.cursors[scope.Key()]; ok {
		return *cursor
	}
	return Cursor{Category: scope.Category, Filter: scope.Filter}
}

func (t *cursorTracker) snapshot() []Cursor {
	out := make([]Cursor, 0, len(t.cursors))
	for _, cursor := range t.cursors {
		out = append(out, *cursor)
	}
	return out
}

func (t *cursorTracker) restore(cursors []Cursor) {
	t.cursors = map[string]*Cursor{}
	for _, cursor := range cursors {
		c := cursor
		t.cursors[Scope{Category: c.Category, Filter: c.Filter}.Key()] = &c
	}
}
