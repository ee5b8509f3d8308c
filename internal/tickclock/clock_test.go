package tickclock

import "testing"

func TestClock_TickAt(t *testing.T) {
	c := New(0, 100)

	if got := c.TickAt(-1); got != NotStarted {
		t.Fatalf("expected NotStarted, got %d", got)
	}
	if got := c.TickAt(0); got != 0 {
		t.Fatalf("expected tick 0, got %d", got)
	}
	if got := c.TickAt(199); got != 1 {
		t.Fatalf("expected tick 1, got %d", got)
	}
	if got := c.TickAt(200); got != 2 {
		t.Fatalf("expected tick 2, got %d", got)
	}
}

func TestClock_DeadlineAndStart(t *testing.T) {
	c := New(1000, 50)

	if got := c.StartOf(3); got != 1150 {
		t.Fatalf("expected start 1150, got %d", got)
	}
	if got := c.DeadlineOf(3); got != 1200 {
		t.Fatalf("expected deadline 1200, got %d", got)
	}
}

func TestClock_Warp(t *testing.T) {
	c := New(0, 100)
	c.Warp(550, 10)

	if got := c.TickAt(550); got != 10 {
		t.Fatalf("expected tick 10 after warp, got %d", got)
	}
	if c.T0Ms() != -450 {
		t.Fatalf("expected t0Ms -450, got %d", c.T0Ms())
	}
}
