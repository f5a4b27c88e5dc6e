package retry_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/retry"
	"github.com/stretchr/testify/assert"
)

func TestPublishStrategy_Delay(t *testing.T) {
	s := retry.PublishStrategy()

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 15 * time.Second}, // Would be 16s, capped at 15s.
		{100, 15 * time.Second},
		{-3, 1 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, s.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestStrategy_Delay_Shapes(t *testing.T) {
	uncapped := retry.Strategy{BaseDelay: time.Millisecond, Multiplier: 2}
	assert.Equal(t, 8*time.Millisecond, uncapped.Delay(3))

	constant := retry.Strategy{BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second, Multiplier: 1}
	assert.Equal(t, 5*time.Millisecond, constant.Delay(0))
	assert.Equal(t, 5*time.Millisecond, constant.Delay(7))

	floorAboveCeiling := retry.Strategy{BaseDelay: time.Hour, MaxDelay: time.Minute, Multiplier: 2}
	assert.Equal(t, time.Minute, floorAboveCeiling.Delay(0))
}

func TestStrategy_JitterStaysWithinBounds(t *testing.T) {
	s := retry.Strategy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Jitter:     0.5,
	}
	for i := 0; i < 200; i++ {
		d := s.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, s.Delay(10), time.Second)
	}
}

func TestBackoff_NextAndReset(t *testing.T) {
	b := retry.NewBackoff(retry.ConnectStrategy())

	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next(), "should be capped at the ceiling")
	assert.Equal(t, 5*time.Second, b.Next(), "should stay at the ceiling")

	b.Reset()
	assert.Equal(t, 1*time.Second, b.Next(), "reset should return to the floor")
}

func TestSleep(t *testing.T) {
	t.Run("Full delay elapses", func(t *testing.T) {
		assert.True(t, retry.Sleep(context.Background(), 5*time.Millisecond))
	})

	t.Run("Cancelled context interrupts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		assert.False(t, retry.Sleep(ctx, 10*time.Second))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Zero delay reports context state", func(t *testing.T) {
		assert.True(t, retry.Sleep(context.Background(), 0))
	})
}
