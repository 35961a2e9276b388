package recsync

import "time"

// CancelCutoff is the minimum lead time before a confirmed reservation's
// start at which cancellation is still allowed.
const CancelCutoff = 48 * time.Hour

type Derived struct {
	DisplayStatus Status `json:"displayStatus"`
	CanCancel     bool   `json:"canCancel"`
	IsExpired     bool   `json:"isExpired"`
}

// DeriveStatus maps a stored record and the current time to its UI-facing
// status and action eligibility. It is pure: identical inputs always yield
// identical output, and no derived value is ever written back to a store.
//
// A confirmed reservation whose start time has passed displays as completed;
// a pending one past its start displays as cancelled. Pending invitations and
// friend requests with an elapsed start time display as expired.
func DeriveStatus(record Record, now time.Time) Derived {
	derived := Derived{DisplayStatus: record.Status}
	started := record.StartTime != nil && record.StartTime.Before(now)

	switch record.Category {
	case CategoryReservation:
		if started && record.Status == StatusConfirmed {
			derived.DisplayStatus = StatusCompleted
		}
		if started && record.Status == StatusPending {
			derived.DisplayStatus = StatusCancelled
			derived.IsExpired = true
		}
		derived.CanCancel = canCancelReservation(record, now)
	case CategoryInvitation, CategoryFriendRequest:
		if started && record.Status == StatusPending {
			derived.DisplayStatus = StatusExpired
			derived.IsExpired = true
		}
		derived.CanCancel = record.Status == StatusPending && !started
	}
	return derived
}

func canCancelReservation(record Record, now time.Time) bool {
	switch record.Status {
	case StatusPending:
		return record.StartTime == nil || record.StartTime.After(now)
	case StatusConfirmed:
		return record.StartTime != nil && record.StartTime.Sub(now) > CancelCutoff
	default:
		return false
	}
}
