package recsync

import (
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		category Category
		from, to Status
		want     bool
	}{
		{CategoryReservation, StatusPending, StatusConfirmed, true},
		{CategoryReservation, StatusConfirmed, StatusCompleted, true},
		{CategoryReservation, StatusConfirmed, StatusPending, false},
		{CategoryReservation, StatusCancelled, StatusConfirmed, false},
		{CategoryInvitation, StatusPending, StatusAccepted, true},
		{CategoryInvitation, StatusPending, StatusConfirmed, false},
		{CategoryInvitation, StatusAccepted, StatusDeclined, false},
		{CategoryFriendRequest, StatusPending, StatusRevoked, true},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.category, tc.from, tc.to); got != tc.want {
			t.Fatalf("ValidTransition(%s, %s, %s) = %v, want %v", tc.category, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(CategoryReservation, StatusPending) {
		t.Fatalf("pending reservation should not be terminal")
	}
	if IsTerminal(CategoryReservation, StatusConfirmed) {
		t.Fatalf("confirmed reservation should not be terminal")
	}
	if !IsTerminal(CategoryReservation, StatusCancelled) {
		t.Fatalf("cancelled reservation should be terminal")
	}
	if !IsTerminal(CategoryInvitation, StatusAccepted) {
		t.Fatalf("accepted invitation should be terminal")
	}
}

func TestNewerThanPrefersVersionOverTimestamp(t *testing.T) {
	older := Record{UpdatedAt: testNow.Add(time.Hour), Version: 2}
	newer := Record{UpdatedAt: testNow, Version: 3}
	if !newer.NewerThan(older) {
		t.Fatalf("version 3 should beat version 2 regardless of timestamps")
	}
	if older.NewerThan(newer) {
		t.Fatalf("version 2 must not beat version 3")
	}
}

func TestNewerThanFallsBackToUpdatedAt(t *testing.T) {
	a := Record{UpdatedAt: testNow, Version: 4}
	b := Record{UpdatedAt: testNow.Add(time.Minute)}
	if !b.NewerThan(a) {
		t.Fatalf("later updatedAt should win when one side has no version")
	}
}

func TestMatchesFilterTracksTerminality(t *testing.T) {
	pending := Record{Category: CategoryInvitation, Status: StatusPending}
	accepted := Record{Category: CategoryInvitation, Status: StatusAccepted}
	if !MatchesFilter(pending, FilterCurrent) || MatchesFilter(pending, FilterOld) {
		t.Fatalf("pending invitation belongs to current only")
	}
	if MatchesFilter(accepted, FilterCurrent) || !MatchesFilter(accepted, FilterOld) {
		t.Fatalf("accepted invitation belongs to old only")
	}
}

func TestParseHelpers(t *testing.T) {
	if category, ok := ParseCategory(" Friend_Request "); !ok || category != CategoryFriendRequest {
		t.Fatalf("ParseCategory failed: %q %v", category, ok)
	}
	if _, ok := ParseCategory("meeting"); ok {
		t.Fatalf("unknown category should not parse")
	}
	if filter, ok := ParseFilter("OLD"); !ok || filter != FilterOld {
		t.Fatalf("ParseFilter failed: %q %v", filter, ok)
	}
	if action, ok := ParseAction("cancel"); !ok || action != ActionCancel {
		t.Fatalf("ParseAction failed: %q %v", action, ok)
	}
	if _, ok := ParseAction("approve"); ok {
		t.Fatalf("unknown action should not parse")
	}
}

func TestActionTargetStatus(t *testing.T) {
	status, ok := ActionDecline.TargetStatus()
	if !ok || status != StatusDeclined {
		t.Fatalf("decline should target declined, got %q %v", status, ok)
	}
	if _, ok := Action("nudge").TargetStatus(); ok {
		t.Fatalf("unknown action has no target status")
	}
}
