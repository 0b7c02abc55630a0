package utils

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", FormatDuration(5*time.Second))
	assert.Equal(t, "2m 3s", FormatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h 0m 1s", FormatDuration(time.Hour+time.Second))
}

func TestSince(t *testing.T) {
	now := time.UnixMilli(10_000)
	assert.Equal(t, 4*time.Second, Since(6_000, now))
	assert.Equal(t, time.Duration(0), Since(0, now))
}

func TestConversions(t *testing.T) {
	assert.InDelta(t, 100.0, MetersToFeet(30.48), 1e-9)
	assert.InDelta(t, 30.48, FeetToMeters(100), 1e-9)
	assert.True(t, IsFinite(1))
	assert.False(t, IsFinite(math.NaN()))
	assert.False(t, IsFinite(math.Inf(-1)))
	assert.Equal(t, "35.13", FormatFloat(35.1300, 2))
	assert.Equal(t, "42", FormatFloat(42.0, 2))
}
