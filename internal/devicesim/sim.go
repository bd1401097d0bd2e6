// Package devicesim stands in for an accelerator on localhost: every route
// receives a host input stream and forwards it to a host output port, with
// optional loss and dataflow padding removal.
package devicesim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ethstream/internal/protocol"
	"github.com/danmuck/ethstream/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("devicesim: invalid config")

const maxDatagram = 65507

type Route struct {
	Name string
	// Listen is where the host input stream sends.
	Listen string
	// Source is the local address frames are forwarded from.
	Source string
	// Forward is the host output stream address.
	Forward string

	FrameSize int
	SyncSize  int
	// StripPadding drops dataflow padding from the last chunk of each frame.
	// It assumes per-frame chunking, which input streams use with sync enabled.
	StripPadding bool
}

type Config struct {
	Routes   []Route
	LossRate float64
	Seed     uint64
	Timeout  time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 200 * time.Millisecond, Seed: 1}
}

type RouteStats struct {
	Name      string `json:"name"`
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

type route struct {
	cfg     Route
	in      *transport.UDP
	out     *transport.UDP
	frameAt int

	received  atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

type Simulator struct {
	cfg    Config
	routes []*route
	log    zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New binds every route. Nothing is forwarded until Run.
func New(cfg Config) (*Simulator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.LossRate < 0 || cfg.LossRate >= 1 {
		return nil, fmt.Errorf("%w: loss rate %v outside [0,1)", ErrInvalidConfig, cfg.LossRate)
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("%w: no routes", ErrInvalidConfig)
	}
	s := &Simulator{
		cfg: cfg,
		log: log.Logger.With().Str("component", "devicesim").Logger(),
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for _, rc := range cfg.Routes {
		r, err := s.bind(rc)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.routes = append(s.routes, r)
	}
	return s, nil
}

func (s *Simulator) bind(rc Route) (*route, error) {
	if rc.Name == "" || rc.Listen == "" || rc.Forward == "" {
		return nil, fmt.Errorf("%w: route needs name, listen, forward", ErrInvalidConfig)
	}
	if rc.StripPadding && rc.FrameSize <= 0 {
		return nil, fmt.Errorf("%w: route %s strips padding without a frame size", ErrInvalidConfig, rc.Name)
	}
	if rc.SyncSize == 0 {
		rc.SyncSize = protocol.DefaultSyncSize
	}
	if rc.Source == "" {
		rc.Source = "127.0.0.1:0"
	}
	opts := transport.Options{Timeout: s.cfg.Timeout}
	// Accept input from any host; the forward side targets one.
	in, err := transport.ListenUDP(rc.Listen, "0.0.0.0:0", opts)
	if err != nil {
		return nil, err
	}
	out, err := transport.ListenUDP(rc.Source, rc.Forward, opts)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	return &route{cfg: rc, in: in, out: out}, nil
}

// ListenAddr returns the bound ingress address of a route.
func (s *Simulator) ListenAddr(name string) (string, bool) {
	for _, r := range s.routes {
		if r.cfg.Name == name {
			return r.in.LocalAddr().String(), true
		}
	}
	return "", false
}

// Run forwards on every route until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.routes {
		g.Go(func() error { return s.forward(ctx, r) })
	}
	g.Go(func() error {
		<-ctx.Done()
		for _, r := range s.routes {
			_ = r.in.Interrupt()
		}
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Simulator) forward(ctx context.Context, r *route) error {
	buf := make([]byte, maxDatagram)
	s.log.Info().Str("route", r.cfg.Name).Str("listen", r.in.LocalAddr().String()).
		Str("forward", r.out.RemoteAddr().String()).Msg("route up")
	for {
		n, err := r.in.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return fmt.Errorf("route %s: %w", r.cfg.Name, err)
		}
		r.received.Add(1)
		pkt := r.shape(buf[:n])
		if s.lose() {
			r.dropped.Add(1)
			continue
		}
		if _, err := r.out.Send(pkt); err != nil {
			return fmt.Errorf("route %s: %w", r.cfg.Name, err)
		}
		r.forwarded.Add(1)
	}
}

// shape strips padding past the frame boundary when enabled.
func (r *route) shape(pkt []byte) []byte {
	if !r.cfg.StripPadding {
		return pkt
	}
	if protocol.IsSyncPacket(pkt, 0, len(pkt), r.cfg.SyncSize) {
		return pkt
	}
	remaining := r.cfg.FrameSize - r.frameAt
	if len(pkt) > remaining {
		pkt = pkt[:remaining]
	}
	r.frameAt = (r.frameAt + len(pkt)) % r.cfg.FrameSize
	return pkt
}

func (s *Simulator) lose() bool {
	if s.cfg.LossRate == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.LossRate
}

func (s *Simulator) Stats() []RouteStats {
	out := make([]RouteStats, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, RouteStats{
			Name:      r.cfg.Name,
			Received:  r.received.Load(),
			Forwarded: r.forwarded.Load(),
			Dropped:   r.dropped.Load(),
		})
	}
	return out
}

func (s *Simulator) Close() error {
	var errs []error
	for _, r := range s.routes {
		errs = append(errs, r.in.Close(), r.out.Close())
	}
	return errors.Join(errs...)
}
