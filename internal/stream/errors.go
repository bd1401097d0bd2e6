// Package stream moves whole frames between a host buffer and a datagram
// transport.
//
// Ownership boundary:
// - InputStream: frame chunking, pacing through a ratelimit.Limiter, sync injection
// - OutputStream: reassembly, sync detection, leftover carry, timeout resync
// - activation, abort, and per-stream counters shared by both directions
package stream

import (
	"errors"
	"fmt"

	"github.com/danmuck/ethstream/internal/ratelimit"
	"github.com/danmuck/ethstream/internal/transport"
)

var (
	ErrTransport            = errors.New("stream: transport failure")
	ErrTimeout              = errors.New("stream: timeout")
	ErrAborted              = errors.New("stream: aborted")
	ErrSyncMismatch         = errors.New("stream: sync index mismatch")
	ErrLimiterConstruction  = errors.New("stream: limiter construction failed")
	ErrLimiter              = errors.New("stream: rate limiter failure")
	ErrInvalidConfiguration = errors.New("stream: invalid configuration")
	ErrInvalidState         = errors.New("stream: invalid state")
	ErrInvalidArgument      = errors.New("stream: invalid argument")
)

// IsRecoverable reports whether err leaves the stream usable with the data it
// returned. Only sync mismatches qualify.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrSyncMismatch)
}

func transportError(err error) error {
	switch {
	case errors.Is(err, transport.ErrInterrupted), errors.Is(err, transport.ErrClosed):
		return fmt.Errorf("%w: %w", ErrAborted, err)
	case transport.IsTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

func limiterError(err error) error {
	if errors.Is(err, ratelimit.ErrInvalidConfiguration) {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return fmt.Errorf("%w: %w", ErrLimiter, err)
}
