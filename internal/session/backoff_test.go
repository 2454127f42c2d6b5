package session

import (
	"testing"
	"time"
)

func TestBackoffWithinSchedule(t *testing.T) {
	b := NewBackoffSchedule(nil)

	// The first three attempts reconnect immediately.
	for i := 0; i < 3; i++ {
		if got := b.Next(); got != 0 {
			t.Errorf("attempt %d wait = %s, want 0", i, got)
		}
	}

	// Subsequent attempts are jittered within the scheduled ceiling.
	ceilings := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}
	for i, max := range ceilings {
		got := b.Next()
		if got < 0 || got > max {
			t.Errorf("attempt %d wait = %s, want within [0, %s]", i+3, got, max)
		}
	}

	// Past the end of the schedule the last ceiling holds.
	for i := 0; i < 5; i++ {
		got := b.Next()
		if got < 0 || got > 30*time.Second {
			t.Errorf("overflow attempt wait = %s, want within [0, 30s]", got)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoffSchedule([]time.Duration{0, time.Minute})
	if b.Next() != 0 {
		t.Fatal("first attempt should be immediate")
	}
	if b.Attempt() != 1 {
		t.Fatalf("attempt = %d, want 1", b.Attempt())
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("attempt after reset = %d, want 0", b.Attempt())
	}
	if b.Next() != 0 {
		t.Fatal("reset must restart the schedule from the beginning")
	}
}

func TestBackoffJitterVaries(t *testing.T) {
	b := NewBackoffSchedule([]time.Duration{time.Hour})
	seen := make(map[time.Duration]bool)
	for i := 0; i < 32; i++ {
		seen[b.Next()] = true
	}
	// Uniform draws over an hour virtually never collide 32 times.
	if len(seen) < 2 {
		t.Error("expected jittered waits to vary")
	}
}
