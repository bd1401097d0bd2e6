package ratelimit

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/danmuck/ethstream/internal/fsutil"
	"github.com/danmuck/ethstream/internal/tools"
	"github.com/rs/zerolog/log"
)

// Rule is one egress shaping rule for a single source port.
type Rule struct {
	Interface       string
	SourcePort      int
	RateBytesPerSec uint32
	BurstBytes      int
}

// Shaper installs and removes OS egress shaping rules.
type Shaper interface {
	Install(rule Rule) error
	Remove(rule Rule) error
}

// ShaperFactory builds the shaper for one platform.
type ShaperFactory func(runner tools.CommandRunner) Shaper

var platformShapers = map[string]ShaperFactory{
	"linux": func(runner tools.CommandRunner) Shaper { return NewTCShaper(runner) },
}

// ShaperForPlatform returns the shaper registered for goos.
func ShaperForPlatform(goos string, runner tools.CommandRunner) (Shaper, error) {
	factory, ok := platformShapers[goos]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return factory(runner), nil
}

// TrafficControl delegates pacing to an OS shaping rule installed at
// construction and removed on Close. Consume does no bookkeeping.
type TrafficControl struct {
	shaper  Shaper
	rule    Rule
	lockDir string

	closeOnce sync.Once
	closeErr  error
}

var _ Limiter = (*TrafficControl)(nil)

func NewTrafficControl(cfg Config, ep Endpoint, deps Deps) (*TrafficControl, error) {
	if cfg.RateBytesPerSec == 0 {
		return nil, fmt.Errorf("%w: %w: rate_bytes_per_sec is required", ErrLimiterConstruction, ErrInvalidConfiguration)
	}
	if cfg.Burst <= 0 {
		return nil, fmt.Errorf("%w: %w: burst must be positive", ErrLimiterConstruction, ErrInvalidConfiguration)
	}
	if ep.LocalPort <= 0 || ep.LocalPort > 0xffff {
		return nil, fmt.Errorf("%w: %w: invalid source port %d", ErrLimiterConstruction, ErrInvalidConfiguration, ep.LocalPort)
	}

	iface := strings.TrimSpace(cfg.Interface)
	if iface == "" {
		name, err := InterfaceForIP(ep.LocalIP)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLimiterConstruction, err)
		}
		iface = name
	}

	shaper := deps.Shaper
	if shaper == nil {
		runner := deps.Runner
		if runner == nil {
			runner = tools.ExecRunner{}
		}
		if cfg.UseSudo {
			runner = tools.PrefixRunner{Prefix: []string{"sudo", "-n"}, Runner: runner}
		}
		s, err := ShaperForPlatform(runtime.GOOS, runner)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLimiterConstruction, err)
		}
		shaper = s
	}

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	tc := &TrafficControl{
		shaper:  shaper,
		lockDir: lockDir,
		rule: Rule{
			Interface:       iface,
			SourcePort:      ep.LocalPort,
			RateBytesPerSec: cfg.RateBytesPerSec,
			BurstBytes:      cfg.Burst,
		},
	}
	if err := tc.withLock(func() error { return shaper.Install(tc.rule) }); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLimiterConstruction, err)
	}
	log.Info().
		Str("interface", iface).
		Int("sport", ep.LocalPort).
		Uint32("rate_bytes_per_sec", cfg.RateBytesPerSec).
		Msg("traffic control rule installed")
	return tc, nil
}

// withLock serialises rule changes on one interface across processes.
func (tc *TrafficControl) withLock(fn func() error) error {
	lock, err := fsutil.LockFile(filepath.Join(tc.lockDir, "ethstream-tc-"+tc.rule.Interface+".lock"), true)
	if err != nil {
		return err
	}
	defer lock.Close()
	return fn()
}

func (tc *TrafficControl) Rule() Rule {
	return tc.rule
}

func (tc *TrafficControl) Consume(ctx context.Context, _ int) error {
	return ctx.Err()
}

func (tc *TrafficControl) Close() error {
	tc.closeOnce.Do(func() {
		tc.closeErr = tc.withLock(func() error { return tc.shaper.Remove(tc.rule) })
		if tc.closeErr != nil {
			log.Warn().Err(tc.closeErr).Str("interface", tc.rule.Interface).Int("sport", tc.rule.SourcePort).
				Msg("traffic control rule removal failed")
		}
	})
	return tc.closeErr
}

// InterfaceForIP returns the name of the interface that owns ip.
func InterfaceForIP(ip net.IP) (string, error) {
	if ip == nil || ip.IsUnspecified() {
		return "", fmt.Errorf("%w: traffic control needs a concrete local address", ErrInvalidConfiguration)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate != nil && candidate.Equal(ip) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no interface owns %s", ErrInvalidConfiguration, ip)
}
