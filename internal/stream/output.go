package stream

import (
	"errors"
	"fmt"

	"github.com/danmuck/ethstream/internal/observability"
	"github.com/danmuck/ethstream/internal/protocol"
	"github.com/danmuck/ethstream/internal/transport"
)

// OutputStream reassembles frames from datagrams. With sync enabled it uses
// the sync markers to find frame boundaries again after loss or timeouts.
type OutputStream struct {
	base
	cfg OutputConfig

	// Guarded by base.io.
	scratch       []byte
	leftover      []byte
	framesPerSync uint32
	period        int
	// pos counts frame bytes since the last sync marker.
	pos        int
	lastSeen   protocol.SyncIndex
	needResync bool
}

var _ Stream = (*OutputStream)(nil)

func NewOutputStream(name string, frameSize int, cfg OutputConfig, tr transport.Transport) (*OutputStream, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidArgument)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(frameSize); err != nil {
		return nil, err
	}
	s := &OutputStream{
		cfg:      cfg,
		scratch:  make([]byte, cfg.MaxPayloadSize),
		leftover: make([]byte, 0, cfg.MaxPayloadSize),
	}
	s.base.init(name, DirectionOutput, frameSize, tr)
	s.reset(0)
	return s, nil
}

func (s *OutputStream) Config() OutputConfig { return s.cfg }

func (s *OutputStream) Activate(dynamicBatchSize uint16, resumePendingTransfers bool) error {
	err := s.activate(func() { s.reset(dynamicBatchSize) })
	if err != nil {
		return err
	}
	s.log.Debug().
		Bool("sync", s.cfg.SyncEnabled).
		Uint32("frames_per_sync", s.framesPerSync).
		Bool("resume_pending", resumePendingTransfers).
		Msg("activated")
	return nil
}

func (s *OutputStream) Deactivate() error {
	return s.deactivate(func() { s.reset(0) })
}

func (s *OutputStream) reset(dynamicBatchSize uint16) {
	s.framesPerSync = protocol.FramesPerSync(dynamicBatchSize, s.cfg.FramesPerSync)
	s.period = s.frameSize * int(s.framesPerSync)
	s.pos = 0
	s.lastSeen = protocol.LastSeenSentinel
	s.needResync = false
	s.setLeftover(s.leftover[:0])
	s.stats.syncIndex.Store(uint32(s.lastSeen))
}

func (s *OutputStream) setLeftover(b []byte) {
	s.leftover = b
	s.stats.leftover.Store(int64(len(b)))
}

// Read fills buf, which must hold a whole number of frames. Bytes carried
// over from the previous Read come first. A sync index mismatch still fills
// buf and is reported as a recoverable ErrSyncMismatch.
func (s *OutputStream) Read(buf []byte) error {
	s.io.Lock()
	defer s.io.Unlock()

	if _, err := s.begin(); err != nil {
		return err
	}
	frames, err := s.checkBuffer(buf)
	if err != nil {
		return err
	}

	off := copy(buf, s.leftover)
	s.setLeftover(append(s.leftover[:0], s.leftover[off:]...))

	timeouts := 0
	if s.needResync && off < len(buf) {
		if err := s.getLastSync(&timeouts); err != nil {
			return err
		}
	}

	var mismatch error
	for off < len(buf) {
		n, err := s.recv()
		if err != nil {
			if !errors.Is(err, ErrTimeout) {
				return err
			}
			if off, err = s.handleTimeout(buf, off, &timeouts); err != nil {
				return err
			}
			continue
		}
		timeouts = 0
		pkt := s.scratch[:n]

		if s.cfg.SyncEnabled {
			if protocol.IsSyncPacket(pkt, 0, n, s.cfg.SyncSize) {
				var syncErr error
				off, syncErr = s.onSync(buf, off, pkt)
				if syncErr != nil && mismatch == nil {
					mismatch = syncErr
				}
				continue
			}
			if s.pos >= s.period {
				s.onMissingSync()
			}
			s.pos += n
		}
		s.stats.packets.Add(1)
		observability.RecordPacket(s.name, string(s.direction), "data", n)
		off += s.deliver(buf, off, pkt)
	}

	s.stats.frames.Add(uint64(frames))
	observability.RecordFrames(s.name, string(s.direction), frames)
	return mismatch
}

// deliver copies pkt into buf at off and parks the excess as leftover.
func (s *OutputStream) deliver(buf []byte, off int, pkt []byte) int {
	n := copy(buf[off:], pkt)
	if n < len(pkt) {
		s.setLeftover(append(s.leftover[:0], pkt[n:]...))
	}
	return n
}

func (s *OutputStream) recv() (int, error) {
	if err := s.stopped(nil); err != nil {
		return 0, err
	}
	n, err := s.tr.Recv(s.scratch)
	if err != nil {
		if stopErr := s.stopped(err); stopErr != nil {
			return 0, stopErr
		}
		return 0, transportError(err)
	}
	s.stats.bytes.Add(uint64(n))
	return n, nil
}

// onSync handles a sync marker. At the expected offset the index is checked;
// anywhere else the partial frame is zero padded and the period restarts.
func (s *OutputStream) onSync(buf []byte, off int, pkt []byte) (int, error) {
	idx, err := protocol.DecodeSyncIndex(pkt, 0)
	if err != nil {
		return off, nil
	}
	s.stats.syncPackets.Add(1)
	observability.RecordPacket(s.name, string(s.direction), "sync", len(pkt))

	want := protocol.NextSyncIndex(s.lastSeen)
	var mismatch error
	if protocol.IsSyncExpected(s.pos, 0, s.period) {
		if idx != want {
			skipped := uint32(idx - want)
			s.stats.mismatches.Add(1)
			observability.RecordSyncLoss(s.name, "mismatch")
			s.log.Warn().
				Uint32("expected", uint32(want)).
				Uint32("got", uint32(idx)).
				Uint64("dropped_frames", uint64(skipped)*uint64(s.framesPerSync)).
				Msg("sync index mismatch")
			mismatch = fmt.Errorf("%w: expected index %d, got %d", ErrSyncMismatch, want, idx)
		}
	} else {
		s.stats.losses.Add(1)
		observability.RecordSyncLoss(s.name, "early_sync")
		s.log.Debug().
			Int("pos", s.pos).
			Int("period", s.period).
			Uint32("index", uint32(idx)).
			Msg("unaligned sync, padding partial frame")
		off = s.padFrame(buf, off)
	}
	s.lastSeen = idx
	s.stats.syncIndex.Store(uint32(idx))
	s.pos = 0
	return off, mismatch
}

// onMissingSync restarts the period when data arrives where a sync was due.
func (s *OutputStream) onMissingSync() {
	s.lastSeen = protocol.NextSyncIndex(s.lastSeen)
	s.stats.syncIndex.Store(uint32(s.lastSeen))
	s.pos = 0
	s.stats.losses.Add(1)
	observability.RecordSyncLoss(s.name, "missing_sync")
	s.log.Debug().Uint32("assumed_index", uint32(s.lastSeen)).Msg("sync missing at period boundary")
}

// padFrame zero fills buf from off to the next frame boundary.
func (s *OutputStream) padFrame(buf []byte, off int) int {
	partial := off % s.frameSize
	if partial == 0 {
		return off
	}
	end := off + s.frameSize - partial
	clear(buf[off:end])
	s.pos += end - off
	return end
}

// handleTimeout accounts one receive timeout. With sync enabled a partial
// frame is padded and the stream skips ahead to the next sync marker.
func (s *OutputStream) handleTimeout(buf []byte, off int, timeouts *int) (int, error) {
	if err := s.noteTimeout(timeouts); err != nil {
		return off, err
	}
	if !s.cfg.SyncEnabled || off%s.frameSize == 0 {
		return off, nil
	}
	off = s.padFrame(buf, off)
	s.stats.losses.Add(1)
	observability.RecordSyncLoss(s.name, "timeout")
	return off, s.getLastSync(timeouts)
}

// noteTimeout counts a timeout and fails the Read once the retry cap is spent.
func (s *OutputStream) noteTimeout(timeouts *int) error {
	*timeouts++
	s.stats.timeouts.Add(1)
	observability.RecordTimeout(s.name)
	s.log.Debug().Int("consecutive", *timeouts).Int("max_retries", s.cfg.timeoutRetries()).Msg("receive timeout")
	if *timeouts <= s.cfg.timeoutRetries() {
		return nil
	}
	s.setState(StateTimedOut)
	if s.cfg.SyncEnabled {
		s.needResync = true
	}
	return fmt.Errorf("%w: %d consecutive receive timeouts", ErrTimeout, *timeouts)
}

// getLastSync discards datagrams until a sync marker arrives and adopts its
// index as the last seen.
func (s *OutputStream) getLastSync(timeouts *int) error {
	for {
		n, err := s.recv()
		if err != nil {
			if !errors.Is(err, ErrTimeout) {
				return err
			}
			if err := s.noteTimeout(timeouts); err != nil {
				return err
			}
			continue
		}
		*timeouts = 0
		pkt := s.scratch[:n]
		if !protocol.IsSyncPacket(pkt, 0, n, s.cfg.SyncSize) {
			s.stats.discarded.Add(uint64(n))
			continue
		}
		idx, err := protocol.DecodeSyncIndex(pkt, 0)
		if err != nil {
			continue
		}
		s.stats.syncPackets.Add(1)
		s.lastSeen = idx
		s.stats.syncIndex.Store(uint32(idx))
		s.pos = 0
		s.needResync = false
		s.log.Info().Uint32("index", uint32(idx)).Msg("resynchronised on sync marker")
		return nil
	}
}

func (s *OutputStream) Stats() Stats {
	return s.snapshot()
}

func (s *OutputStream) Close() error {
	_ = s.Abort()
	_ = s.Deactivate()
	if err := s.tr.Close(); err != nil {
		return transportError(err)
	}
	return nil
}
