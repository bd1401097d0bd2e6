package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// TokenBucket is a user-space limiter with a fixed capacity and refill rate.
// Tokens refill lazily at Consume time and the bucket starts full.
type TokenBucket struct {
	lim      *rate.Limiter
	capacity int
}

var _ Limiter = (*TokenBucket)(nil)

func NewTokenBucket(refillBytesPerSec float64, capacity int) (*TokenBucket, error) {
	if refillBytesPerSec <= 0 {
		return nil, fmt.Errorf("%w: refill rate must be positive, got %v", ErrInvalidConfiguration, refillBytesPerSec)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfiguration, capacity)
	}
	return &TokenBucket{
		lim:      rate.NewLimiter(rate.Limit(refillBytesPerSec), capacity),
		capacity: capacity,
	}, nil
}

// Consume blocks until n tokens are available, then takes them. A request
// larger than the capacity could never be satisfied and is rejected.
func (b *TokenBucket) Consume(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > b.capacity {
		return fmt.Errorf("%w: consume %d exceeds capacity %d", ErrInvalidConfiguration, n, b.capacity)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.lim.WaitN(ctx, n); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Tokens returns the current budget in bytes.
func (b *TokenBucket) Tokens() float64 {
	return b.lim.Tokens()
}

func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Rate returns the refill rate in bytes per second.
func (b *TokenBucket) Rate() float64 {
	return float64(b.lim.Limit())
}

func (b *TokenBucket) Close() error { return nil }
