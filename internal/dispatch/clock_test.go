package dispatch

import (
	"testing"
	"time"
)

func TestManualClockFiresInOrder(t *testing.T) {
	t.Parallel()
	c := NewManualClock(time.Time{})
	start := c.Now()
	var got []string
	c.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	c.AfterFunc(time.Second, func() { got = append(got, "a") })
	c.AfterFunc(2*time.Second, func() { got = append(got, "c") })
	stopped := c.AfterFunc(time.Second, func() { got = append(got, "x") })
	if !stopped.Stop() {
		t.Fatal("Stop() = false on an armed timer")
	}

	c.Advance(1500 * time.Millisecond)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("fired = %v, want [a]", got)
	}
	c.Advance(time.Second)
	if want := "abc"; len(got) != 3 || got[0]+got[1]+got[2] != want {
		t.Fatalf("fired = %v, want [a b c]", got)
	}
	if d := c.Now().Sub(start); d != 2500*time.Millisecond {
		t.Fatalf("elapsed = %v, want 2.5s", d)
	}
	if stopped.Stop() {
		t.Fatal("Stop() = true on a stopped timer")
	}
}

func TestManualClockChainsWithinAdvance(t *testing.T) {
	t.Parallel()
	c := NewManualClock(time.Time{})
	n := 0
	var tick func()
	tick = func() {
		n++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(3 * time.Second)
	if n != 3 {
		t.Fatalf("ticks = %d, want 3", n)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending())
	}
}
