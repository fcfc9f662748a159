package ids

import (
	"testing"
	"time"
)

func TestNewIDs_Shape(t *testing.T) {
	for i := 0; i < 50; i++ {
		if id := NewMessageID(); !ValidMessageID(id) {
			t.Fatalf("bad message id %q", id)
		}
		if id := NewThreadID(); !ValidThreadID(id) {
			t.Fatalf("bad thread id %q", id)
		}
		if id := NewTransferID(); !ValidTransferID(id) {
			t.Fatalf("bad transfer id %q", id)
		}
	}
}

func TestNewIDs_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValidOwner(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"stefan", true},
		{"stefan-hq-primary", true},
		{"a1", true},
		{"a", false},             // too short
		{"-leading", false},
		{"trailing-", false},
		{"UPPER", false},
		{"has_underscore", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidOwner(c.in); got != c.ok {
			t.Errorf("ValidOwner(%q) = %v, want %v", c.in, got, c.ok)
		}
	}
}

func TestValidAddress(t *testing.T) {
	if !ValidAddress("stefan/architect") {
		t.Error("expected stefan/architect to be valid")
	}
	for _, bad := range []string{"stefan", "stefan/", "/architect", "a/b/c", "Stefan/architect"} {
		if ValidAddress(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}

func TestTimestamp_NoSubsecond(t *testing.T) {
	ts := Timestamp(time.Date(2026, 3, 14, 9, 26, 53, 987654321, time.FixedZone("X", 3600)))
	if ts != "2026-03-14T08:26:53Z" {
		t.Fatalf("Timestamp = %q", ts)
	}
	parsed, err := ParseTimestamp(ts)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(time.Date(2026, 3, 14, 8, 26, 53, 0, time.UTC)) {
		t.Fatalf("round-trip mismatch: %v", parsed)
	}
}
