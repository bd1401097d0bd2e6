package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ethstream/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stream is the lifecycle surface shared by both directions.
type Stream interface {
	Name() string
	Direction() Direction
	FrameSize() int
	State() State
	Activate(dynamicBatchSize uint16, resumePendingTransfers bool) error
	Deactivate() error
	Abort() error
	ClearAbort() error
	Timeout() time.Duration
	SetTimeout(d time.Duration) error
	Stats() Stats
	Transport() transport.Transport
	Close() error
}

// Stats is a point-in-time snapshot of stream counters.
type Stats struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	State     State     `json:"state"`
	FrameSize int       `json:"frame_size"`
	Aborted   bool      `json:"aborted"`

	Packets     uint64 `json:"packets"`
	SyncPackets uint64 `json:"sync_packets"`
	Bytes       uint64 `json:"bytes"`
	Frames      uint64 `json:"frames"`
	// SyncIndex is the next index to send on input and the last index seen
	// on output.
	SyncIndex      uint32 `json:"sync_index"`
	SyncMismatches uint64 `json:"sync_mismatches"`
	Losses         uint64 `json:"losses"`
	Timeouts       uint64 `json:"timeouts"`
	DiscardedBytes uint64 `json:"discarded_bytes"`
	LeftoverBytes  int    `json:"leftover_bytes"`
}

type counters struct {
	packets     atomic.Uint64
	syncPackets atomic.Uint64
	bytes       atomic.Uint64
	frames      atomic.Uint64
	mismatches  atomic.Uint64
	losses      atomic.Uint64
	timeouts    atomic.Uint64
	discarded   atomic.Uint64
	syncIndex   atomic.Uint32
	leftover    atomic.Int64
}

// base carries the lifecycle and abort machinery shared by both directions.
type base struct {
	name      string
	direction Direction
	frameSize int
	tr        transport.Transport
	log       zerolog.Logger
	stats     counters

	// io serialises Read/Write with Activate/Deactivate.
	io sync.Mutex

	mu      sync.Mutex
	state   State
	active  bool
	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func (b *base) init(name string, dir Direction, frameSize int, tr transport.Transport) {
	b.name = name
	b.direction = dir
	b.frameSize = frameSize
	b.tr = tr
	b.log = log.Logger.With().Str("stream", name).Str("direction", string(dir)).Logger()
	b.state = StateCreated
}

func (b *base) Name() string           { return b.name }
func (b *base) Direction() Direction   { return b.direction }
func (b *base) FrameSize() int         { return b.frameSize }
func (b *base) Timeout() time.Duration { return b.tr.Timeout() }

// Transport exposes the underlying endpoint, e.g. for port queries.
func (b *base) Transport() transport.Transport { return b.tr }

func (b *base) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidArgument, d)
	}
	if err := b.tr.SetTimeout(d); err != nil {
		return transportError(err)
	}
	return nil
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState applies s only while the stream is active, so a Read finishing
// after Deactivate cannot overwrite Deactivated.
func (b *base) setState(s State) {
	b.mu.Lock()
	if b.active {
		b.state = s
	}
	b.mu.Unlock()
}

func (b *base) isActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// stopped returns the error an interrupted Read or Write reports once Abort
// or Deactivate has run, or nil while the stream is still running.
func (b *base) stopped(cause error) error {
	if b.aborted.Load() {
		if cause == nil {
			return ErrAborted
		}
		return fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	if !b.isActive() {
		return fmt.Errorf("%w: %s deactivated", ErrInvalidState, b.name)
	}
	return nil
}

// activate moves the stream to Activated and runs reset under the io lock.
func (b *base) activate(reset func()) error {
	b.io.Lock()
	defer b.io.Unlock()

	b.mu.Lock()
	if b.active {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is already active (%s)", ErrInvalidState, b.name, state)
	}
	b.active = true
	b.state = StateActivated
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	reset()
	return nil
}

// deactivate cancels in-flight limiter waits and interrupts the transport so
// a blocked Read or Write returns, then resets under the io lock.
func (b *base) deactivate(reset func()) error {
	b.mu.Lock()
	wasActive := b.active
	if b.cancel != nil {
		b.cancel()
	}
	b.active = false
	b.state = StateDeactivated
	b.mu.Unlock()

	if wasActive {
		if err := b.tr.Interrupt(); err != nil {
			b.log.Warn().Err(err).Msg("interrupt on deactivate")
		}
	}
	b.io.Lock()
	reset()
	// An abort keeps its interrupt until ClearAbort.
	if wasActive && !b.aborted.Load() {
		b.tr.ClearInterrupt()
	}
	b.io.Unlock()
	if wasActive {
		b.log.Debug().Msg("deactivated")
	}
	return nil
}

// begin admits one Read or Write. A TimedOut stream resumes here.
func (b *base) begin() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted.Load() {
		return nil, ErrAborted
	}
	if !b.active {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, b.name, b.state)
	}
	if b.state == StateTimedOut {
		b.state = StateActivated
	}
	return b.ctx, nil
}

// Abort makes any blocked or future Read/Write return ErrAborted until
// ClearAbort. Safe from any goroutine.
func (b *base) Abort() error {
	b.aborted.Store(true)
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.active {
		b.state = StateAborted
	}
	b.mu.Unlock()

	if err := b.tr.Interrupt(); err != nil {
		return transportError(err)
	}
	b.log.Info().Msg("aborted")
	return nil
}

func (b *base) ClearAbort() error {
	b.tr.ClearInterrupt()
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	if b.state == StateAborted {
		b.state = StateActivated
	}
	b.mu.Unlock()
	b.aborted.Store(false)
	b.log.Info().Msg("abort cleared")
	return nil
}

// Flush is advisory: datagrams leave on Send.
func (b *base) Flush() error {
	if b.aborted.Load() {
		return ErrAborted
	}
	return nil
}

func (b *base) snapshot() Stats {
	return Stats{
		Name:           b.name,
		Direction:      b.direction,
		State:          b.State(),
		FrameSize:      b.frameSize,
		Aborted:        b.aborted.Load(),
		Packets:        b.stats.packets.Load(),
		SyncPackets:    b.stats.syncPackets.Load(),
		Bytes:          b.stats.bytes.Load(),
		Frames:         b.stats.frames.Load(),
		SyncIndex:      b.stats.syncIndex.Load(),
		SyncMismatches: b.stats.mismatches.Load(),
		Losses:         b.stats.losses.Load(),
		Timeouts:       b.stats.timeouts.Load(),
		DiscardedBytes: b.stats.discarded.Load(),
		LeftoverBytes:  int(b.stats.leftover.Load()),
	}
}

func (b *base) checkBuffer(buf []byte) (int, error) {
	if len(buf) == 0 || len(buf)%b.frameSize != 0 {
		return 0, fmt.Errorf("%w: buffer of %d bytes is not a whole number of %d byte frames",
			ErrInvalidArgument, len(buf), b.frameSize)
	}
	return len(buf) / b.frameSize, nil
}
