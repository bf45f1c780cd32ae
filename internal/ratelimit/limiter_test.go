package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_UnpaidAlwaysAllowed(t *testing.T) {
	l := New()
	for i := 0; i < 50; i++ {
		r := l.Check("u1", false)
		assert.True(t, r.Allowed)
		assert.Equal(t, ReasonOK, r.Reason)
	}
}

func TestLimiter_Cooldown(t *testing.T) {
	l := New()

	r := l.Check("u1", true)
	assert.True(t, r.Allowed)
	l.RecordGeneration("u1")

	r = l.Check("u1", true)
	assert.False(t, r.Allowed)
	assert.Equal(t, ReasonCooldown, r.Reason)
	assert.Greater(t, r.WaitSeconds, 0.0)
}

func TestLimiter_MinuteLimit(t *testing.T) {
	l := New()

	for i := 0; i < MaxPerMinute; i++ {
		// Push lastGeneration back past the cooldown so each call is
		// judged by the minute window alone.
		uw := l.users["u1"]
		if uw != nil {
			uw.lastGeneration = time.Now().Add(-CooldownSeconds * time.Second * 2)
		}
		r := l.Check("u1", true)
		assert.True(t, r.Allowed, "generation %d should be allowed", i)
		l.RecordGeneration("u1")
	}

	uw := l.users["u1"]
	uw.lastGeneration = time.Now().Add(-CooldownSeconds * time.Second * 2)
	r := l.Check("u1", true)
	assert.False(t, r.Allowed)
	assert.Equal(t, ReasonMinuteLimit, r.Reason)
}

func TestLimiter_WindowTrimsStaleTimestamps(t *testing.T) {
	l := New()
	uw := &userWindows{}
	l.users["u1"] = uw

	old := time.Now().Add(-2 * time.Minute)
	uw.minuteStamps = []time.Time{old, old, old}

	r := l.Check("u1", true)
	assert.Equal(t, 0, r.MinuteUsed, "timestamps older than the window should be trimmed")
}
