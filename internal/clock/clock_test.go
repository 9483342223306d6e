package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	c.AfterFunc(1*time.Minute, func() { fired = append(fired, "a") })
	c.AfterFunc(10*time.Minute, func() { fired = append(fired, "late") })

	c.Advance(5 * time.Minute)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("expected [a b], got %v", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(5 * time.Minute)) {
		t.Errorf("expected clock at +5m, got %v", got)
	}
	if c.Pending() != 1 {
		t.Errorf("expected 1 pending timer, got %d", c.Pending())
	}
}

func TestFake_CallbackSeesDeadline(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var at time.Time
	c.AfterFunc(time.Minute, func() { at = c.Now() })
	c.Advance(time.Hour)

	if !at.Equal(start.Add(time.Minute)) {
		t.Errorf("callback saw %v, expected %v", at, start.Add(time.Minute))
	}
}

func TestFake_ChainedTimersFireWithinWindow(t *testing.T) {
	c := NewFake(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))

	count := 0
	var rearm func()
	rearm = func() {
		count++
		if count < 3 {
			c.AfterFunc(10*time.Second, rearm)
		}
	}
	c.AfterFunc(10*time.Second, rearm)
	c.Advance(time.Minute)

	if count != 3 {
		t.Errorf("expected 3 chained firings, got %d", count)
	}
}

func TestFake_Stop(t *testing.T) {
	c := NewFake(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("expected Stop to report an armed timer")
	}
	if tm.Stop() {
		t.Error("second Stop should return false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}
