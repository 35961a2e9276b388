package recsync

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryReservation   Category = "reservation"
	CategoryInvitation    Category = "invitation"
	CategoryFriendRequest Category = "friend_request"
)

func ParseCategory(raw string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryReservation:
		return CategoryReservation, true
	case CategoryInvitation:
		return CategoryInvitation, true
	case CategoryFriendRequest:
		return CategoryFriendRequest, true
	default:
		return "", false
	}
}

func Categories() []Category {
	return []Category{CategoryReservation, CategoryInvitation, CategoryFriendRequest}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// Allowed stored-status edges per category. Terminal statuses have no
// outgoing edges. The server may still move a record out of a state we
// consider terminal; that is accepted and logged, never rejected.
var allowedTransitions = map[Category]map[Status][]Status{
	CategoryReservation: {
		StatusPending:   {StatusConfirmed, StatusCancelled},
		StatusConfirmed: {StatusCompleted, StatusCancelled},
	},
	CategoryInvitation: {
		StatusPending: {StatusAccepted, StatusDeclined, StatusRevoked, StatusExpired},
	},
	CategoryFriendRequest: {
		StatusPending: {StatusAccepted, StatusDeclined, StatusRevoked, StatusExpired},
	},
}

func ValidTransition(category Category, from, to Status) bool {
	edges, ok := allowedTransitions[category]
	if !ok {
		return false
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(category Category, status Status) bool {
	edges, ok := allowedTransitions[category]
	if !ok {
		return true
	}
	return len(edges[status]) == 0
}

type Record struct {
	ID             string     `json:"id"`
	Category       Category   `json:"category"`
	Status         Status     `json:"status"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty"`
	Seen           bool       `json:"seen"`
	CounterpartyID string     `json:"counterpartyId"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Version        int64      `json:"version,omitempty"`
}

// NewerThan reports whether r is causally newer than other. Versions are
// compared when both sides carry one; otherwise UpdatedAt decides. Arrival
// order is never consulted, since transport latency can reorder arrival
// versus causal order.
func (r Record) NewerThan(other Record) bool {
	if r.Version != 0 && other.Version != 0 {
		return r.Version > other.Version
	}
	return r.UpdatedAt.After(other.UpdatedAt)
}

type Filter string

const (
	FilterCurrent Filter = "current"
	FilterOld     Filter = "old"
)

func ParseFilter(raw string) (Filter, bool) {
	switch Filter(strings.ToLower(strings.TrimSpace(raw))) {
	case FilterCurrent:
		return FilterCurrent, true
	case FilterOld:
		return FilterOld, true
	default:
		return "", false
	}
}

func Filters() []Filter {
	return []Filter{FilterCurrent, FilterOld}
}

// MatchesFilter decides CollectionView membership from the stored status
// alone: current holds records still awaiting an outcome, old holds records
// whose stored status is terminal. Wall-clock expiry affects the display
// status only, not membership.
func MatchesFilter(record Record, filter Filter) bool {
	switch filter {
	case FilterCurrent:
		return !IsTerminal(record.Category, record.Status)
	case FilterOld:
		return IsTerminal(record.Category, record.Status)
	default:
		return false
	}
}

// Scope identifies a (category, filter) pair for badge counters and
// viewing-context tracking.
type Scope struct {
	Category Category `json:"category"`
	Filter   Filter   `json:"filter"`
}

func (s Scope) Key() string {
	return string(s.Category) + "|" + string(s.Filter)
}

// ScopeForRecord is the scope whose badge a freshly created record targets.
// New records arrive pending, so this is always the current bucket.
func ScopeForRecord(record Record) Scope {
	return Scope{Category: record.Category, Filter: FilterCurrent}
}

type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionRevoke  Action = "revoke"
	ActionCancel  Action = "cancel"
)

func ParseAction(raw string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionAccept:
		return ActionAccept, true
	case ActionDecline:
		return ActionDecline, true
	case ActionRevoke:
		return ActionRevoke, true
	case ActionCancel:
		return ActionCancel, true
	default:
		return "", false
	}
}

// TargetStatus is the stored status an action drives a record toward when it
// is applied optimistically ahead of server confirmation.
func (a Action) TargetStatus() (Status, bool) {
	switch a {
	case ActionAccept:
		return StatusAccepted, true
	case ActionDecline:
		return StatusDeclined, true
	case ActionRevoke:
		return StatusRevoked, true
	case ActionCancel:
		return StatusCancelled, true
	default:
		return "", false
	}
}
