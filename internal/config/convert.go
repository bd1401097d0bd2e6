package config

import (
	"github.com/danmuck/ethstream/internal/ratelimit"
	"github.com/danmuck/ethstream/internal/stream"
	"github.com/danmuck/ethstream/internal/transport"
)

// InputConfig maps an input layer onto the stream configuration. The token
// bucket burst is one max payload so the configured rate is never exceeded.
func (l LayerConfig) InputConfig(dev DeviceConfig) stream.InputConfig {
	strategy, _ := ratelimit.ParseStrategy(l.RateLimit)
	cfg := stream.InputConfig{
		MaxPayloadSize:     l.MaxPayloadSize,
		UseDataflowPadding: l.UseDataflowPadding,
		SyncEnabled:        l.SyncEnabled,
		FramesPerSync:      l.FramesPerSync,
		PacketsPerFrame:    l.PacketsPerFrame,
		SyncSize:           l.SyncSize,
		BuffersThreshold:   l.BuffersThreshold,
		RateLimit: ratelimit.Config{
			Strategy:        strategy,
			RateBytesPerSec: l.RateBytesPerSec,
			LockDir:         dev.LockDir,
			UseSudo:         dev.UseSudo,
		},
	}
	cfg = cfg.WithDefaults()
	cfg.RateLimit.Burst = cfg.MaxPayloadSize
	return cfg
}

func (l LayerConfig) OutputConfig() stream.OutputConfig {
	return stream.OutputConfig{
		MaxPayloadSize:    l.MaxPayloadSize,
		SyncEnabled:       l.SyncEnabled,
		SyncSize:          l.SyncSize,
		FramesPerSync:     l.FramesPerSync,
		BuffersThreshold:  l.BuffersThreshold,
		MaxTimeoutRetries: l.MaxTimeoutRetries,
	}.WithDefaults()
}

// TransportOptions returns the socket options shared by every layer.
func (d DeviceConfig) TransportOptions() transport.Options {
	timeout, err := d.TimeoutDuration()
	if err != nil {
		timeout = DefaultTimeout
	}
	return transport.Options{
		Timeout:     timeout,
		ReadBuffer:  d.SocketBuffer,
		WriteBuffer: d.SocketBuffer,
		TOS:         d.TOS,
	}.WithDefaults()
}
