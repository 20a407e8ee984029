package timeutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClockIsUTC(t *testing.T) {
	now := RealClock{}.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
	assert.GreaterOrEqual(t, RealClock{}.Since(now), time.Duration(0))
}

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, c.Since(start))
	assert.Equal(t, 90*time.Second, c.Since(start), "Since does not advance")

	c.Set(start)
	c.AutoStep(time.Millisecond)
	first, second := c.Now(), c.Now()
	assert.Equal(t, time.Millisecond, second.Sub(first))
}

func TestMockClockConcurrentSteps(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	c.AutoStep(time.Second)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, start.Add(50*time.Second), c.Now())
}
