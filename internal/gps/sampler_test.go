package gps

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorwatch/internal/models"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestNormalize(t *testing.T) {
	s := NewSampler(NewMockSource(Fix{}), fixedClock)

	got, err := s.Normalize(Fix{Latitude: 10, Longitude: 20, Accuracy: 3})
	require.NoError(t, err)
	want := models.Position{Latitude: 10, Longitude: 20, AccuracyMeters: 3, TimestampMs: fixedNow.UnixMilli()}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Normalize() mismatch (-got +want):\n%s", diff)
	}

	stamped := fixedNow.Add(-time.Minute)
	got, err = s.Normalize(Fix{Latitude: 10, Longitude: 20, Time: stamped})
	require.NoError(t, err)
	assert.Equal(t, stamped.UnixMilli(), got.TimestampMs)

	bad := []Fix{
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: -181},
		{Latitude: math.NaN(), Longitude: 0},
		{Latitude: 0, Longitude: math.Inf(1)},
		{Latitude: 0, Longitude: 0, Accuracy: math.Inf(1)},
		{Latitude: 0, Longitude: 0, Accuracy: -1},
	}
	for _, f := range bad {
		_, err := s.Normalize(f)
		assert.ErrorIs(t, err, ErrNoFix, "fix %+v", f)
	}
}

func TestAcquireFix(t *testing.T) {
	src := NewMockSource(Fix{Latitude: 1, Longitude: 2, Accuracy: 5})
	s := NewSampler(src, fixedClock)

	pos, err := s.AcquireFix(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.Latitude)
	assert.Equal(t, 5.0, pos.AccuracyMeters)
}

func TestAcquireFixErrors(t *testing.T) {
	src := NewMockSource(Fix{})
	s := NewSampler(src, fixedClock)

	src.SetBlocking(true)
	_, err := s.AcquireFix(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrFixTimeout)

	src.SetBlocking(false)
	src.SetFix(Fix{}, ErrPermissionDenied)
	_, err = s.AcquireFix(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	src.SetFix(Fix{}, errors.New("receiver exploded"))
	_, err = s.AcquireFix(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNoFix)

	src.SetFix(Fix{Latitude: 200}, nil)
	_, err = s.AcquireFix(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNoFix)
}

type recorder struct {
	mu      sync.Mutex
	samples []models.Position
	errs    []error
}

func (r *recorder) onSample(p models.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, p)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples), len(r.errs)
}

func TestStartDeliversInOrder(t *testing.T) {
	src := NewMockSource(Fix{})
	s := NewSampler(src, fixedClock)
	rec := &recorder{}

	require.NoError(t, s.Start(context.Background(), rec.onSample, rec.onError))
	defer s.Stop()
	assert.True(t, s.Running())

	for i := 0; i < 5; i++ {
		src.Emit(Fix{Latitude: float64(i), Longitude: 1})
	}
	src.Emit(Fix{Latitude: 95})
	src.EmitError(errors.New("glitch"))

	assert.Eventually(t, func() bool {
		n, e := rec.counts()
		return n == 5 && e == 2
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, p := range rec.samples {
		assert.Equal(t, float64(i), p.Latitude)
	}
	assert.ErrorIs(t, rec.errs[0], ErrNoFix)
}

func TestStopHaltsCallbacks(t *testing.T) {
	src := NewMockSource(Fix{})
	s := NewSampler(src, fixedClock)
	rec := &recorder{}

	require.NoError(t, s.Start(context.Background(), rec.onSample, rec.onError))
	src.Emit(Fix{Latitude: 1})
	s.Stop()
	assert.False(t, s.Running())

	assert.Eventually(t, func() bool { return src.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	src.Emit(Fix{Latitude: 2})

	n, _ := rec.counts()
	assert.LessOrEqual(t, n, 1)

	// Stop is idempotent
	s.Stop()
}

func TestSourceClosedIsReported(t *testing.T) {
	src := NewMockSource(Fix{})
	s := NewSampler(src, fixedClock)
	rec := &recorder{}

	require.NoError(t, s.Start(context.Background(), rec.onSample, rec.onError))
	src.Close()

	assert.Eventually(t, func() bool {
		_, e := rec.counts()
		return e == 1
	}, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.ErrorIs(t, rec.errs[0], ErrSourceClosed)
	rec.mu.Unlock()
	s.Stop()
}

func TestStartFailsWhenUpdatesFail(t *testing.T) {
	src := NewMockSource(Fix{})
	src.SetUpdatesError(ErrPermissionDenied)
	s := NewSampler(src, fixedClock)

	err := s.Start(context.Background(), func(models.Position) {}, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, s.Running())
}
