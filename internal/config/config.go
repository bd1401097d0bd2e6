package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/ethstream/internal/ratelimit"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

const (
	DefaultDeviceName = "ethstream"
	DefaultTimeout    = 10 * time.Second
	DefaultAdminAddr  = "127.0.0.1:7400"
)

// HostConfig is the host side description of one device and its layers.
type HostConfig struct {
	Device  DeviceConfig  `toml:"device"`
	Inputs  []LayerConfig `toml:"inputs"`
	Outputs []LayerConfig `toml:"outputs"`
}

type DeviceConfig struct {
	Name         string   `toml:"name"`
	Address      string   `toml:"address"`
	LocalAddress string   `toml:"local_address"`
	Timeout      string   `toml:"timeout"`
	CaptureDir   string   `toml:"capture_dir"`
	AdminAddr    string   `toml:"admin_addr"`
	CorsOrigins  []string `toml:"cors_origins"`
	LockDir      string   `toml:"lock_dir"`
	UseSudo      bool     `toml:"use_sudo"`
	TOS          int      `toml:"tos"`
	SocketBuffer int      `toml:"socket_buffer"`
}

// LayerConfig describes one input or output layer. Direction-specific fields
// are ignored on the other side.
type LayerConfig struct {
	Name             string `toml:"name"`
	FrameSize        int    `toml:"frame_size"`
	LocalPort        int    `toml:"local_port"`
	RemotePort       int    `toml:"remote_port"`
	MaxPayloadSize   int    `toml:"max_payload_size"`
	SyncEnabled      bool   `toml:"sync_enabled"`
	FramesPerSync    uint32 `toml:"frames_per_sync"`
	SyncSize         int    `toml:"sync_size"`
	PacketsPerFrame  uint32 `toml:"packets_per_frame"`
	BuffersThreshold uint32 `toml:"buffers_threshold"`

	// Input only.
	UseDataflowPadding bool   `toml:"use_dataflow_padding"`
	RateLimit          string `toml:"rate_limit"`
	RateBytesPerSec    uint32 `toml:"rate_bytes_per_sec"`

	// Output only. Unset selects the stream default; 0 fails on the first
	// receive timeout.
	MaxTimeoutRetries *int `toml:"max_timeout_retries"`
}

func Load(path string) (HostConfig, error) {
	var cfg HostConfig
	if err := loadToml(path, &cfg); err != nil {
		return HostConfig{}, err
	}
	return Resolve(cfg)
}

func Parse(data []byte) (HostConfig, error) {
	var cfg HostConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return HostConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	return Resolve(cfg)
}

// Resolve applies defaults and validates.
func Resolve(cfg HostConfig) (HostConfig, error) {
	if strings.TrimSpace(cfg.Device.Name) == "" {
		cfg.Device.Name = DefaultDeviceName
	}
	if strings.TrimSpace(cfg.Device.LocalAddress) == "" {
		cfg.Device.LocalAddress = "0.0.0.0"
	}
	if strings.TrimSpace(cfg.Device.Timeout) == "" {
		cfg.Device.Timeout = DefaultTimeout.String()
	}
	if strings.TrimSpace(cfg.Device.AdminAddr) == "" {
		cfg.Device.AdminAddr = DefaultAdminAddr
	}
	if err := Validate(cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg HostConfig) error {
	if net.ParseIP(strings.TrimSpace(cfg.Device.Address)) == nil {
		return fmt.Errorf("%w: device address %q is not an IP", ErrInvalidConfig, cfg.Device.Address)
	}
	if cfg.Device.LocalAddress != "" && net.ParseIP(strings.TrimSpace(cfg.Device.LocalAddress)) == nil {
		return fmt.Errorf("%w: local address %q is not an IP", ErrInvalidConfig, cfg.Device.LocalAddress)
	}
	if cfg.Device.Timeout != "" {
		if _, err := cfg.Device.TimeoutDuration(); err != nil {
			return err
		}
	}
	if cfg.Device.TOS < 0 || cfg.Device.TOS > 0xff {
		return fmt.Errorf("%w: tos %d out of range", ErrInvalidConfig, cfg.Device.TOS)
	}
	if len(cfg.Inputs)+len(cfg.Outputs) == 0 {
		return fmt.Errorf("%w: no layers configured", ErrInvalidConfig)
	}

	seen := make(map[string]struct{})
	for i, layer := range cfg.Inputs {
		if err := validateLayer(layer, seen); err != nil {
			return fmt.Errorf("inputs[%d] invalid: %w", i, err)
		}
		strategy, err := ratelimit.ParseStrategy(layer.RateLimit)
		if err != nil {
			return fmt.Errorf("inputs[%d] invalid: %w: %w", i, ErrInvalidConfig, err)
		}
		if strategy != ratelimit.StrategyNone && layer.RateBytesPerSec == 0 {
			return fmt.Errorf("inputs[%d] invalid: %w: rate_limit %q needs rate_bytes_per_sec", i, ErrInvalidConfig, strategy)
		}
	}
	for i, layer := range cfg.Outputs {
		if err := validateLayer(layer, seen); err != nil {
			return fmt.Errorf("outputs[%d] invalid: %w", i, err)
		}
		if layer.MaxTimeoutRetries != nil && *layer.MaxTimeoutRetries < 0 {
			return fmt.Errorf("outputs[%d] invalid: %w: max_timeout_retries must not be negative", i, ErrInvalidConfig)
		}
	}
	return nil
}

func validateLayer(layer LayerConfig, seen map[string]struct{}) error {
	name := strings.TrimSpace(layer.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if _, dup := seen[name]; dup {
		return fmt.Errorf("%w: duplicate layer name %q", ErrInvalidConfig, name)
	}
	seen[name] = struct{}{}
	if layer.FrameSize <= 0 {
		return fmt.Errorf("%w: frame_size must be positive", ErrInvalidConfig)
	}
	if layer.RemotePort <= 0 || layer.RemotePort > 0xffff {
		return fmt.Errorf("%w: remote_port %d out of range", ErrInvalidConfig, layer.RemotePort)
	}
	if layer.LocalPort < 0 || layer.LocalPort > 0xffff {
		return fmt.Errorf("%w: local_port %d out of range", ErrInvalidConfig, layer.LocalPort)
	}
	return nil
}

func (d DeviceConfig) TimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(d.Timeout)
	if raw == "" {
		return DefaultTimeout, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: parse timeout: %w", ErrInvalidConfig, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return v, nil
}
