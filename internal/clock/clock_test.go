package clock

import (
	"testing"
	"time"
)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(1500*time.Millisecond, func() { fired = append(fired, "x") })

	if !stopped.Stop() {
		t.Fatalf("Stop=false, want true")
	}
	if stopped.Stop() {
		t.Fatalf("second Stop=true, want false")
	}

	c.Advance(999 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("fired=%v, want none", fired)
	}
	c.Advance(5 * time.Second)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired=%v, want [a b]", fired)
	}
	if got := c.Now(); !got.Equal(time.Unix(0, 0).Add(5999 * time.Millisecond)) {
		t.Fatalf("Now=%v", got)
	}
}

func TestFake_TimerScheduledFromCallbackFiresInSameAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("count=%d, want 3", count)
	}
	if got := c.Scheduled(); len(got) != 3 {
		t.Fatalf("Scheduled=%v, want 3 entries", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending=%d, want 0", c.Pending())
	}
}
