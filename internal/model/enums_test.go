package model

import "testing"

func TestStatusCodeRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusComplete, StatusFailed} {
		code := s.Code()
		if code == "" {
			t.Fatalf("status %s has no code", s)
		}
		got, err := StatusFromCode(code)
		if err != nil {
			t.Fatalf("StatusFromCode(%q): %v", code, err)
		}
		if got != s {
			t.Fatalf("round trip %s -> %q -> %s", s, code, got)
		}
	}

	if _, err := StatusFromCode("x"); err == nil {
		t.Fatal("expected error for unknown code")
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusComplete, true},
		{StatusPending, StatusFailed, true},
		{StatusRunning, StatusRunning, false},
		{StatusRunning, StatusComplete, true},
		{StatusRunning, StatusFailed, true},
		{StatusComplete, StatusRunning, false},
		{StatusComplete, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusFailed, StatusComplete, false},
		{StatusFailed, StatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Fatal("pending/running must not be terminal")
	}
	if !StatusComplete.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("complete/failed must be terminal")
	}
}
