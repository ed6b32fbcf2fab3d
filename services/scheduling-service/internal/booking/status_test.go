package booking

import (
	"errors"
	"testing"
)

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},

		{StatusPending, StatusCompleted, false},
		{StatusActive, StatusPending, false},
		{StatusCompleted, StatusActive, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusActive, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusCancelled, StatusPending, false},
		{StatusActive, StatusActive, false},
	}

	for _, tc := range cases {
		got, err := Transition(tc.from, tc.to)
		if tc.ok {
			if err != nil {
				t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
			}
			if got != tc.to {
				t.Errorf("%s -> %s: got status %s", tc.from, tc.to, got)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
		if got != tc.from {
			t.Errorf("%s -> %s: failed transition must not change status, got %s", tc.from, tc.to, got)
		}
	}
}

func TestTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusActive.Terminal() {
		t.Fatal("pending/active must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("completed/cancelled must be terminal")
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("active"); err != nil {
		t.Fatalf("ParseStatus(active): %v", err)
	}
	if _, err := ParseStatus("booked"); err == nil {
		t.Fatal("ParseStatus must reject unknown statuses")
	}
}
