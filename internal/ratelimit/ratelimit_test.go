package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gravelmoss/grapevine/internal/ratelimit"
)

// TestScenarioFiveBackoff exercises spec.md scenario 5 exactly: after a
// failure at time t with tries=1, a retry at t+29s is refused without
// network I/O, a retry at t+31s proceeds, and after a second failure the
// next retry is refused until t+120s (30s·2²).
func TestScenarioFiveBackoff(t *testing.T) {
	clock := time.Now()
	now := func() time.Time { return clock }

	l := ratelimit.New(ratelimit.DefaultBackoff).WithClock(now)
	l.RecordFailure("dest:D")

	clock = clock.Add(29 * time.Second)
	assert.False(t, l.Allowed("dest:D"), "t+29s must still be refused")

	clock = clock.Add(2 * time.Second) // now t+31s
	assert.True(t, l.Allowed("dest:D"), "t+31s must be allowed (30s*1^2)")

	l.RecordFailure("dest:D")
	assert.Equal(t, uint32(2), l.Tries("dest:D"))

	clock = clock.Add(119 * time.Second)
	assert.False(t, l.Allowed("dest:D"), "before t+120s must still be refused")

	clock = clock.Add(2 * time.Second)
	assert.True(t, l.Allowed("dest:D"), "after t+120s (30s*2^2) must be allowed")

	l.RecordSuccess("dest:D")
	assert.True(t, l.Allowed("dest:D"))
	assert.Equal(t, uint32(0), l.Tries("dest:D"))
}

func TestUnknownKeyIsAllowed(t *testing.T) {
	l := ratelimit.New(nil)
	assert.True(t, l.Allowed("never-failed"))
}
