// Package device owns the streams of one accelerator: it opens a transport
// per layer, builds input and output streams, and drives their activation as
// a network group.
package device

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/danmuck/ethstream/internal/config"
	"github.com/danmuck/ethstream/internal/ratelimit"
	"github.com/danmuck/ethstream/internal/stream"
	"github.com/danmuck/ethstream/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownStream = errors.New("device: unknown stream")
	ErrClosed        = errors.New("device: closed")
)

// ListenFunc opens the transport for one layer.
type ListenFunc func(local, remote string, opts transport.Options) (transport.Transport, error)

func listenUDP(local, remote string, opts transport.Options) (transport.Transport, error) {
	return transport.ListenUDP(local, remote, opts)
}

type Options struct {
	Listen ListenFunc
	// Limiters is passed to every rate limiter; zero selects the host.
	Limiters ratelimit.Deps
}

type Device struct {
	id       string
	cfg      config.HostConfig
	inputs   []*stream.InputStream
	outputs  []*stream.OutputStream
	registry *Registry
	log      zerolog.Logger

	mu        sync.Mutex
	active    bool
	batchSize uint16
	closed    bool
}

// Open builds every configured stream. On failure nothing stays open.
func Open(cfg config.HostConfig, opts Options) (*Device, error) {
	if opts.Listen == nil {
		opts.Listen = listenUDP
	}
	d := &Device{
		id:       uuid.NewString(),
		cfg:      cfg,
		registry: NewRegistry(),
	}
	d.log = log.Logger.With().Str("device", cfg.Device.Name).Str("session", d.id).Logger()

	topts := cfg.Device.TransportOptions()
	for _, layer := range cfg.Inputs {
		in, err := d.openInput(layer, topts, opts)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("input %s: %w", layer.Name, err)
		}
		d.inputs = append(d.inputs, in)
		d.registry.Register(in)
	}
	for _, layer := range cfg.Outputs {
		out, err := d.openOutput(layer, topts, opts)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("output %s: %w", layer.Name, err)
		}
		d.outputs = append(d.outputs, out)
		d.registry.Register(out)
	}
	d.log.Info().Int("inputs", len(d.inputs)).Int("outputs", len(d.outputs)).Msg("device opened")
	return d, nil
}

func (d *Device) addrs(layer config.LayerConfig) (string, string) {
	local := net.JoinHostPort(d.cfg.Device.LocalAddress, strconv.Itoa(layer.LocalPort))
	remote := net.JoinHostPort(d.cfg.Device.Address, strconv.Itoa(layer.RemotePort))
	return local, remote
}

func (d *Device) openInput(layer config.LayerConfig, topts transport.Options, opts Options) (*stream.InputStream, error) {
	local, remote := d.addrs(layer)
	tr, err := opts.Listen(local, remote, topts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrTransport, err)
	}
	cfg := layer.InputConfig(d.cfg.Device)
	if err := cfg.Validate(layer.FrameSize); err != nil {
		_ = tr.Close()
		return nil, err
	}
	ep := ratelimit.Endpoint{LocalIP: net.ParseIP(d.cfg.Device.LocalAddress), LocalPort: localPort(tr)}
	lim, err := ratelimit.New(cfg.RateLimit, ep, opts.Limiters)
	if err != nil {
		_ = tr.Close()
		d.log.Error().Err(err).Str("stream", layer.Name).Msg("limiter construction failed")
		return nil, fmt.Errorf("%w: %w", stream.ErrLimiterConstruction, err)
	}
	in, err := stream.NewInputStream(layer.Name, layer.FrameSize, cfg, tr, lim)
	if err != nil {
		_ = lim.Close()
		_ = tr.Close()
		return nil, err
	}
	return in, nil
}

func (d *Device) openOutput(layer config.LayerConfig, topts transport.Options, opts Options) (*stream.OutputStream, error) {
	local, remote := d.addrs(layer)
	tr, err := opts.Listen(local, remote, topts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrTransport, err)
	}
	out, err := stream.NewOutputStream(layer.Name, layer.FrameSize, layer.OutputConfig(), tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return out, nil
}

func localPort(tr transport.Transport) int {
	if addr, ok := tr.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

func (d *Device) ID() string                      { return d.id }
func (d *Device) Name() string                    { return d.cfg.Device.Name }
func (d *Device) Config() config.HostConfig       { return d.cfg }
func (d *Device) Registry() *Registry             { return d.registry }
func (d *Device) Inputs() []*stream.InputStream   { return d.inputs }
func (d *Device) Outputs() []*stream.OutputStream { return d.outputs }

func (d *Device) Input(name string) (*stream.InputStream, error) {
	for _, in := range d.inputs {
		if in.Name() == name {
			return in, nil
		}
	}
	return nil, fmt.Errorf("%w: input %q", ErrUnknownStream, name)
}

func (d *Device) Output(name string) (*stream.OutputStream, error) {
	for _, out := range d.outputs {
		if out.Name() == name {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: output %q", ErrUnknownStream, name)
}

// RemotePort returns the device side port a stream exchanges datagrams with.
func (d *Device) RemotePort(name string) (int, error) {
	s, ok := d.registry.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	if addr, ok := s.Transport().RemoteAddr().(*net.UDPAddr); ok {
		return addr.Port, nil
	}
	return 0, fmt.Errorf("%w: %q has no UDP peer", ErrUnknownStream, name)
}

// Active reports whether a network group is running.
func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// BatchSize returns the batch size of the running network group.
func (d *Device) BatchSize() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batchSize
}

// ActivateNetworkGroup activates every stream with one batch size. A failure
// deactivates the streams already activated.
func (d *Device) ActivateNetworkGroup(batchSize uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.active {
		return fmt.Errorf("%w: network group already active", stream.ErrInvalidState)
	}
	all := d.registry.All()
	for i, s := range all {
		if err := s.Activate(batchSize, false); err != nil {
			for _, done := range all[:i] {
				_ = done.Deactivate()
			}
			return fmt.Errorf("activate %s: %w", s.Name(), err)
		}
	}
	d.active = true
	d.batchSize = batchSize
	d.log.Info().Uint16("batch_size", batchSize).Msg("network group activated")
	return nil
}

// DeactivateNetworkGroup deactivates every stream. Blocked reads and writes
// are interrupted and return ErrInvalidState.
func (d *Device) DeactivateNetworkGroup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deactivateLocked()
}

func (d *Device) deactivateLocked() error {
	if !d.active {
		return nil
	}
	var errs []error
	for _, s := range d.registry.All() {
		if err := s.Deactivate(); err != nil {
			errs = append(errs, fmt.Errorf("deactivate %s: %w", s.Name(), err))
		}
	}
	d.active = false
	d.log.Info().Msg("network group deactivated")
	return errors.Join(errs...)
}

// AbortAll aborts every stream; blocked reads and writes return promptly.
func (d *Device) AbortAll() error {
	var errs []error
	for _, s := range d.registry.All() {
		if err := s.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("abort %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Device) ClearAbortAll() error {
	var errs []error
	for _, s := range d.registry.All() {
		if err := s.ClearAbort(); err != nil {
			errs = append(errs, fmt.Errorf("clear abort %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot for every stream ordered by name.
func (d *Device) Stats() []stream.Stats {
	all := d.registry.All()
	out := make([]stream.Stats, 0, len(all))
	for _, s := range all {
		out = append(out, s.Stats())
	}
	return out
}

// Close tears down every stream, removing any shaping rules. Streams are
// aborted first so blocked reads and writes return before deactivation.
func (d *Device) Close() error {
	if err := d.AbortAll(); err != nil {
		d.log.Warn().Err(err).Msg("abort on close")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.deactivateLocked()
	var errs []error
	for _, s := range d.registry.All() {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	d.log.Info().Msg("device closed")
	return errors.Join(errs...)
}
