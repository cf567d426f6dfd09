package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_AfterFunc(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	fired := 0
	c.AfterFunc(10*time.Second, func() { fired++ })
	assert.Equal(t, 1, c.Pending())

	c.Advance(9 * time.Second)
	assert.Equal(t, 0, fired)

	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, start.Add(10*time.Second), c.Now())
}

func TestMockClock_TimerStop(t *testing.T) {
	c := NewMockClock(time.Now())

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestMockClock_Ticker(t *testing.T) {
	c := NewMockClock(time.Now())
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(time.Minute)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected a tick after one period")
	}

	// Ticks are dropped rather than queued when nobody reads
	c.Advance(3 * time.Minute)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected a tick after three periods")
	}
	select {
	case <-ticker.C():
		t.Fatal("expected a single buffered tick")
	default:
	}
}

func TestMockClock_FiresInDeadlineOrder(t *testing.T) {
	c := NewMockClock(time.Now())

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestMockClock_After(t *testing.T) {
	c := NewMockClock(time.Now())
	ch := c.After(time.Second)

	c.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("expected After channel to receive")
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}

	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}

	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
