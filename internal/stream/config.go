package stream

import (
	"fmt"

	"github.com/danmuck/ethstream/internal/protocol"
	"github.com/danmuck/ethstream/internal/protocol/frame"
	"github.com/danmuck/ethstream/internal/ratelimit"
)

// DefaultMaxTimeoutRetries bounds consecutive receive timeouts per Read.
const DefaultMaxTimeoutRetries = 3

// InputConfig is fixed once the stream is constructed.
type InputConfig struct {
	MaxPayloadSize     int
	UseDataflowPadding bool
	SyncEnabled        bool
	FramesPerSync      uint32
	// PacketsPerFrame is checked against the layout when non-zero.
	PacketsPerFrame  uint32
	SyncSize         int
	BuffersThreshold uint32
	RateLimit        ratelimit.Config
}

// OutputConfig is fixed once the stream is constructed. SyncSize and
// FramesPerSync must match the peer writer.
type OutputConfig struct {
	MaxPayloadSize    int
	SyncEnabled       bool
	SyncSize          int
	FramesPerSync     uint32
	BuffersThreshold  uint32
	// MaxTimeoutRetries is the number of consecutive receive timeouts a Read
	// tolerates. Nil selects DefaultMaxTimeoutRetries; zero fails on the
	// first timeout.
	MaxTimeoutRetries *int
}

// Retries returns a MaxTimeoutRetries value.
func Retries(n int) *int {
	return &n
}

// WithDefaults fills zero fields.
func (c InputConfig) WithDefaults() InputConfig {
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = frame.DefaultPayloadSize
	}
	if c.SyncSize == 0 {
		c.SyncSize = protocol.DefaultSyncSize
	}
	if c.RateLimit.Strategy == "" {
		c.RateLimit.Strategy = ratelimit.StrategyNone
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.MaxPayloadSize
	}
	return c
}

func (c InputConfig) Validate(frameSize int) error {
	layout := frame.Layout{FrameSize: frameSize, MaxPayloadSize: c.MaxPayloadSize, Padding: c.UseDataflowPadding}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := layout.CheckPacketsPerFrame(c.PacketsPerFrame); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if c.SyncEnabled {
		if err := validateSyncSize(c.SyncSize, c.MaxPayloadSize); err != nil {
			return err
		}
	}
	if c.RateLimit.Strategy == ratelimit.StrategyTokenBucket && c.RateLimit.Burst < c.MaxPayloadSize {
		return fmt.Errorf("%w: token bucket burst %d below max payload %d", ErrInvalidConfiguration,
			c.RateLimit.Burst, c.MaxPayloadSize)
	}
	return nil
}

func (c OutputConfig) WithDefaults() OutputConfig {
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = frame.DefaultPayloadSize
	}
	if c.SyncSize == 0 {
		c.SyncSize = protocol.DefaultSyncSize
	}
	if c.MaxTimeoutRetries == nil {
		c.MaxTimeoutRetries = Retries(DefaultMaxTimeoutRetries)
	}
	return c
}

func (c OutputConfig) Validate(frameSize int) error {
	layout := frame.Layout{FrameSize: frameSize, MaxPayloadSize: c.MaxPayloadSize}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if c.SyncEnabled {
		if err := validateSyncSize(c.SyncSize, c.MaxPayloadSize); err != nil {
			return err
		}
	}
	if c.MaxTimeoutRetries != nil && *c.MaxTimeoutRetries < 0 {
		return fmt.Errorf("%w: max_timeout_retries must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

func (c OutputConfig) timeoutRetries() int {
	if c.MaxTimeoutRetries == nil {
		return DefaultMaxTimeoutRetries
	}
	return *c.MaxTimeoutRetries
}

func validateSyncSize(size, maxPayload int) error {
	if err := protocol.ValidateSyncSize(size); err != nil {
		return fmt.Errorf("%w: %w: %d", ErrInvalidConfiguration, err, size)
	}
	if size > maxPayload {
		return fmt.Errorf("%w: sync size %d exceeds max payload %d", ErrInvalidConfiguration, size, maxPayload)
	}
	return nil
}
