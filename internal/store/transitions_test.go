package store

import (
	"testing"

	"ivalet/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		target string
		from   string
		valid  bool
	}{
		{models.StatusRequested, models.StatusRunning, true},
		{models.StatusRequested, models.StatusRequested, false},
		{models.StatusRequested, models.StatusAssigned, false},
		{models.StatusAssigned, models.StatusRequested, true},
		{models.StatusAssigned, models.StatusRunning, false},
		{models.StatusCompleted, models.StatusAssigned, true},
		{models.StatusCompleted, models.StatusRequested, false},
		{models.StatusCompleted, models.StatusRunning, false},
		{models.StatusCancelled, models.StatusRunning, true},
		{models.StatusCancelled, models.StatusRequested, true},
		{models.StatusCancelled, models.StatusAssigned, true},
		{models.StatusCancelled, models.StatusCompleted, false},
		{models.StatusCancelled, models.StatusExpired, false},
		{models.StatusExpired, models.StatusRunning, true},
		{models.StatusExpired, models.StatusRequested, false},
		{models.StatusExpired, models.StatusCancelled, false},
		{models.StatusRunning, models.StatusRunning, false},
		{"unknown", models.StatusRunning, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.target, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.target, tt.from, got, tt.valid)
		}
	}
}

func TestNoTransitionOutOfTerminalStates(t *testing.T) {
	terminals := []string{models.StatusCompleted, models.StatusCancelled, models.StatusExpired}
	targets := []string{
		models.StatusRequested, models.StatusAssigned, models.StatusCompleted,
		models.StatusCancelled, models.StatusExpired,
	}
	for _, from := range terminals {
		for _, target := range targets {
			if ValidTransition(target, from) {
				t.Fatalf("transition %s -> %s should not be allowed", from, target)
			}
		}
	}
}

func TestKnownStatus(t *testing.T) {
	if KnownStatus(models.StatusRunning) {
		t.Fatal("running is the initial status, not a transition target")
	}
	if !KnownStatus(models.StatusExpired) {
		t.Fatal("expired should be a known target")
	}
	if KnownStatus("parked") {
		t.Fatal("unexpected status accepted")
	}
}

func TestEventTypeForTarget(t *testing.T) {
	if got := EventTypeForTarget(models.StatusAssigned); got != EventTicketAssigned {
		t.Fatalf("unexpected event type %q", got)
	}
	if got := EventTypeForTarget("bogus"); got != "" {
		t.Fatalf("expected empty event type, got %q", got)
	}
}
