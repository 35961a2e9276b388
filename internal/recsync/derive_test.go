package recsync

import (
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestDeriveStatusCancellationCutoff(t *testing.T) {
	cases := []struct {
		name      string
		status    Status
		startIn   time.Duration
		canCancel bool
	}{
		{"confirmed 40h out", StatusConfirmed, 40 * time.Hour, false},
		{"confirmed 60h out", StatusConfirmed, 60 * time.Hour, true},
		{"confirmed exactly 48h out", StatusConfirmed, 48 * time.Hour, false},
		{"pending 1h out", StatusPending, time.Hour, true},
		{"cancelled 60h out", StatusCancelled, 60 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record := Record{
				ID:        "r1",
				Category:  CategoryReservation,
				Status:    tc.status,
				StartTime: timePtr(testNow.Add(tc.startIn)),
			}
			derived := DeriveStatus(record, testNow)
			if derived.CanCancel != tc.canCancel {
				t.Fatalf("expected canCancel=%v, got %v", tc.canCancel, derived.CanCancel)
			}
		})
	}
}

func TestDeriveStatusPastStart(t *testing.T) {
	confirmed := Record{
		ID:        "r1",
		Category:  CategoryReservation,
		Status:    StatusConfirmed,
		StartTime: timePtr(testNow.Add(-2 * time.Hour)),
	}
	derived := DeriveStatus(confirmed, testNow)
	if derived.DisplayStatus != StatusCompleted {
		t.Fatalf("expected past confirmed reservation to display completed, got %s", derived.DisplayStatus)
	}
	if derived.IsExpired {
		t.Fatalf("completed reservation should not be flagged expired")
	}

	pending := confirmed
	pending.Status = StatusPending
	derived = DeriveStatus(pending, testNow)
	if derived.DisplayStatus != StatusCancelled {
		t.Fatalf("expected past pending reservation to display cancelled, got %s", derived.DisplayStatus)
	}
	if !derived.IsExpired {
		t.Fatalf("expected past pending reservation to be flagged expired")
	}
	if derived.CanCancel {
		t.Fatalf("expired reservation must not be cancellable")
	}
}

func TestDeriveStatusInvitationExpiry(t *testing.T) {
	record := Record{
		ID:        "i1",
		Category:  CategoryInvitation,
		Status:    StatusPending,
		StartTime: timePtr(testNow.Add(-time.Minute)),
	}
	derived := DeriveStatus(record, testNow)
	if derived.DisplayStatus != StatusExpired {
		t.Fatalf("expected past pending invitation to display expired, got %s", derived.DisplayStatus)
	}
	if !derived.IsExpired || derived.CanCancel {
		t.Fatalf("expected isExpired=true canCancel=false, got %+v", derived)
	}
}

func TestDeriveStatusDeterministic(t *testing.T) {
	record := Record{
		ID:        "r1",
		Category:  CategoryReservation,
		Status:    StatusConfirmed,
		StartTime: timePtr(testNow.Add(60 * time.Hour)),
	}
	first := DeriveStatus(record, testNow)
	second := DeriveStatus(record, testNow)
	if first != second {
		t.Fatalf("expected identical inputs to derive identical output: %+v vs %+v", first, second)
	}
}

func TestDeriveStatusLeavesStoredStatusAlone(t *testing.T) {
	record := Record{
		ID:        "r1",
		Category:  CategoryReservation,
		Status:    StatusConfirmed,
		StartTime: timePtr(testNow.Add(-time.Hour)),
	}
	_ = DeriveStatus(record, testNow)
	if record.Status != StatusConfirmed {
		t.Fatalf("derivation must not mutate the stored status")
	}
}
