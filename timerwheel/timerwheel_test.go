package timerwheel_test

import (
	"testing"

	"github.com/connlayer/nftraffic/timerwheel"
)

func TestWheel_releasesOnlyExpired(t *testing.T) {
	w := timerwheel.NewDefault(100)
	w.Schedule(0, 1000, "a")
	w.Schedule(0, 2000, "b")

	got := w.ReleaseTimeouts(500, nil)
	if len(got) != 0 {
		t.Fatalf("expected no tokens released before first deadline, got %v", got)
	}
}

func TestWheel_releasesAtDeadline(t *testing.T) {
	w := timerwheel.NewDefault(100)
	w.Schedule(0, 1000, "a")

	got := w.ReleaseTimeouts(1000, nil)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected token 'a' released at deadline, got %v", got)
	}
	if w.Len() != 0 {
		t.Fatalf("expected wheel empty after release, got len=%d", w.Len())
	}
}

func TestWheel_removeBeforeExpiry(t *testing.T) {
	w := timerwheel.NewDefault(100)
	w.Schedule(0, 1000, uint16(42))
	if !w.Remove(uint16(42)) {
		t.Fatal("expected Remove to find scheduled token")
	}
	got := w.ReleaseTimeouts(2000, nil)
	if len(got) != 0 {
		t.Fatalf("expected no release after Remove, got %v", got)
	}
}

func TestWheel_clockNeverGoesBackwards(t *testing.T) {
	w := timerwheel.NewDefault(100)
	w.Schedule(0, 500, "a")
	w.ReleaseTimeouts(1000, nil)
	// A stale, smaller nowCycles must not re-release or panic.
	got := w.ReleaseTimeouts(200, nil)
	if len(got) != 0 {
		t.Fatalf("expected no tokens on stale tick, got %v", got)
	}
}
