package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_RespectsJitteredCap(t *testing.T) {
	min := 100 * time.Millisecond
	max := time.Second

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(min, max, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		// MaxInterval caps the *undamped* curve; with 50% jitter a later
		// attempt can still occasionally land below an earlier one, so we
		// only assert the delay never exceeds roughly max plus its jitter.
		assert.LessOrEqual(t, d, max+max/2)
		prev = d
	}
	_ = prev
}

func TestBackoffDelay_NeverNegative(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		assert.GreaterOrEqual(t, backoffDelay(10*time.Millisecond, time.Minute, attempt), time.Duration(0))
	}
}

func TestDerefOrZero(t *testing.T) {
	assert.Equal(t, int64(0), derefOrZero(nil))
	v := int64(42)
	assert.Equal(t, int64(42), derefOrZero(&v))
}
