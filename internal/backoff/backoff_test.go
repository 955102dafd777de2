package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_GrowsExponentiallyWithinJitterBand(t *testing.T) {
	c := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2.0, Jitter: 0}
	assert.Equal(t, 100*time.Millisecond, c.Delay(1))
	assert.Equal(t, 200*time.Millisecond, c.Delay(2))
	assert.Equal(t, 400*time.Millisecond, c.Delay(3))
}

func TestDelay_CapsAtMaxBackoff(t *testing.T) {
	c := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond, BackoffMultiplier: 2.0, Jitter: 0}
	assert.Equal(t, 250*time.Millisecond, c.Delay(5))
}

func TestDelay_JitterStaysWithinBounds(t *testing.T) {
	c := Config{InitialBackoff: time.Second, MaxBackoff: time.Minute, BackoffMultiplier: 1.0, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := c.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestExhaustedError_UnwrapsLastErr(t *testing.T) {
	inner := errors.New("transport down")
	err := &ExhaustedError{Attempts: 3, LastErr: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestDefaultConfig_HasSaneBounds(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Greater(t, c.MaxBackoff, c.InitialBackoff)
}
