package epoch

import "errors"

var (
	// ErrInvalidEpochLength indicates a non-positive epoch length.
	ErrInvalidEpochLength = errors.New("epoch: epoch length must be positive")
	// ErrInvalidEpochStart indicates a negative system start time.
	ErrInvalidEpochStart = errors.New("epoch: start time must not be negative")
)

// Clock maps wall-clock seconds to a monotonically increasing, 1-indexed
// epoch counter on a fixed cadence. It carries no state beyond the start
// offset and epoch length.
type Clock struct {
	startSec  int64
	lengthSec int64
}

// NewClock validates the cadence parameters and returns a Clock.
func NewClock(startSec, lengthSec int64) (Clock, error) {
	if lengthSec <= 0 {
		return Clock{}, ErrInvalidEpochLength
	}
	if startSec < 0 {
		return Clock{}, ErrInvalidEpochStart
	}
	return Clock{startSec: startSec, lengthSec: lengthSec}, nil
}

// EpochAt returns the epoch containing the given unix timestamp.
// Timestamps before the system start map to epoch 0.
func (c Clock) EpochAt(tsSec int64) int64 {
	if tsSec < c.startSec {
		return 0
	}
	return (tsSec-c.startSec)/c.lengthSec + 1
}

// StartOf returns the unix timestamp at which the given epoch begins.
// Epochs at or below zero map to 0.
func (c Clock) StartOf(epoch int64) int64 {
	if epoch <= 0 {
		return 0
	}
	return c.startSec + (epoch-1)*c.lengthSec
}

// LengthSec exposes the configured epoch length in seconds.
func (c Clock) LengthSec() int64 {
	return c.lengthSec
}

// StartSec exposes the configured system start in unix seconds.
func (c Clock) StartSec() int64 {
	return c.startSec
}
