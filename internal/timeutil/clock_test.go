package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	if got.Before(before) {
		t.Errorf("RealClock.Now() = %v, want >= %v", got, before)
	}
}

func TestMockClockSleepRecords(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	c.Sleep(time.Second)
	c.Sleep(2 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.Sleeps())
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2025, 10, 23, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(3 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired too early")
	default:
	}

	c.Advance(3 * time.Second)
	select {
	case now := <-ch:
		assert.Equal(t, start.Add(6*time.Second), now)
	default:
		t.Fatal("After did not fire after deadline")
	}

	assert.Equal(t, 6*time.Second, c.Since(start))
}
