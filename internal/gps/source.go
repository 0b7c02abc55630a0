// Package gps turns raw receiver fixes into validated positions.
package gps

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the receiver cannot be opened
	ErrPermissionDenied = errors.New("gps permission denied")
	// ErrFixTimeout is returned when no fix arrives within the allowed time
	ErrFixTimeout = errors.New("gps fix timeout")
	// ErrNoFix is returned when the receiver reports no usable fix
	ErrNoFix = errors.New("gps has no fix")
	// ErrSourceClosed is reported when the update stream ends
	ErrSourceClosed = errors.New("gps source closed")
)

// Fix is a raw fix as reported by a receiver. A zero Time means the receiver
// did not provide one.
type Fix struct {
	Latitude  float64
	Longitude float64
	// Accuracy is the estimated horizontal error in meters
	Accuracy float64
	Time     time.Time
}

// Source produces fixes. CurrentFix blocks until a fresh fix is available or
// ctx is done. Updates streams fixes until ctx is done; the error channel
// carries receiver faults that do not end the stream.
type Source interface {
	CurrentFix(ctx context.Context) (Fix, error)
	Updates(ctx context.Context) (<-chan Fix, <-chan error, error)
}
