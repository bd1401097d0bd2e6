// Package ratelimit paces the input side of a stream to a byte rate.
//
// Ownership boundary:
// - the Limiter capability consumed by input streams
// - user-space token bucket pacing
// - OS egress shaping rules bound to a stream's source port
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/ethstream/internal/tools"
)

var (
	ErrInvalidConfiguration = errors.New("ratelimit: invalid configuration")
	ErrLimiterConstruction  = errors.New("ratelimit: limiter construction failed")
	ErrUnsupportedPlatform  = errors.New("ratelimit: traffic control unsupported on this platform")
)

// Limiter paces byte consumption. Consume blocks until n bytes of budget are
// available or ctx is done.
type Limiter interface {
	Consume(ctx context.Context, n int) error
	Close() error
}

// Strategy selects a Limiter implementation.
type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategyTokenBucket    Strategy = "token_bucket"
	StrategyTrafficControl Strategy = "traffic_control"
)

// ParseStrategy normalises a configured strategy name. Empty means none.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StrategyNone:
		return StrategyNone, nil
	case StrategyTokenBucket:
		return StrategyTokenBucket, nil
	case StrategyTrafficControl:
		return StrategyTrafficControl, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfiguration, raw)
	}
}

// Config selects and parameterises a limiter for one input stream.
type Config struct {
	Strategy        Strategy
	RateBytesPerSec uint32
	// Burst is the token bucket capacity and the shaping burst ceiling.
	// It must equal one max packet so the rate is never exceeded.
	Burst int

	// Traffic control only.
	Interface string
	LockDir   string
	UseSudo   bool
}

// Endpoint is the stream socket a shaping rule is scoped to.
type Endpoint struct {
	LocalIP   net.IP
	LocalPort int
}

// Deps injects host collaborators. Zero values select the real host.
type Deps struct {
	Runner tools.CommandRunner
	Shaper Shaper
}

// New builds the limiter cfg asks for. Any failure returns an error wrapping
// ErrLimiterConstruction and leaves no OS state behind.
func New(cfg Config, ep Endpoint, deps Deps) (Limiter, error) {
	switch cfg.Strategy {
	case "", StrategyNone:
		return Unlimited{}, nil
	case StrategyTokenBucket:
		b, err := NewTokenBucket(float64(cfg.RateBytesPerSec), cfg.Burst)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLimiterConstruction, err)
		}
		return b, nil
	case StrategyTrafficControl:
		tc, err := NewTrafficControl(cfg, ep, deps)
		if err != nil {
			return nil, err
		}
		return tc, nil
	default:
		return nil, fmt.Errorf("%w: %w: strategy %q", ErrLimiterConstruction, ErrInvalidConfiguration, cfg.Strategy)
	}
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Consume(ctx context.Context, _ int) error {
	return ctx.Err()
}

func (Unlimited) Close() error { return nil }
