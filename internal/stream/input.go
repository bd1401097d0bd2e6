package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/ethstream/internal/observability"
	"github.com/danmuck/ethstream/internal/protocol"
	"github.com/danmuck/ethstream/internal/protocol/frame"
	"github.com/danmuck/ethstream/internal/ratelimit"
	"github.com/danmuck/ethstream/internal/transport"
)

// InputStream slices host frames into datagrams, paces them through its
// Limiter, and injects sync packets between frame groups.
type InputStream struct {
	base
	cfg     InputConfig
	limiter ratelimit.Limiter

	// Guarded by base.io.
	framesPerSync   uint32
	framesSinceSync uint32
	nextIndex       protocol.SyncIndex
	syncBuf         []byte
}

var _ Stream = (*InputStream)(nil)

// NewInputStream binds a stream to tr. A nil limiter means unpaced. The
// stream owns both and closes them in Close.
func NewInputStream(name string, frameSize int, cfg InputConfig, tr transport.Transport, limiter ratelimit.Limiter) (*InputStream, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidArgument)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(frameSize); err != nil {
		return nil, err
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	s := &InputStream{
		cfg:     cfg,
		limiter: limiter,
		syncBuf: make([]byte, cfg.SyncSize),
	}
	s.base.init(name, DirectionInput, frameSize, tr)
	s.resetSync(0)
	return s, nil
}

func (s *InputStream) Config() InputConfig { return s.cfg }

// Activate starts a new transfer session. The dynamic batch size, when
// non-zero, overrides the configured frames per sync. Ethernet has no queued
// transfers, so resumePendingTransfers has nothing to resume.
func (s *InputStream) Activate(dynamicBatchSize uint16, resumePendingTransfers bool) error {
	err := s.activate(func() { s.resetSync(dynamicBatchSize) })
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

func (s *InputStream) Deactivate() error {
	return s.deactivate(func() { s.resetSync(0) })
}

func (s *InputStream) resetSync(dynamicBatchSize uint16) {
	s.framesPerSync = protocol.FramesPerSync(dynamicBatchSize, s.cfg.FramesPerSync)
	s.framesSinceSync = 0
	s.nextIndex = 0
	s.stats.syncIndex.Store(0)
}

// Write sends buf, which must hold a whole number of frames. It blocks on
// the limiter and returns ErrAborted promptly once Abort is called. Frames
// already sent when an error occurs are not rolled back.
func (s *InputStream) Write(buf []byte) error {
	s.io.Lock()
	defer s.io.Unlock()

	ctx, err := s.begin()
	if err != nil {
		return err
	}
	frames, err := s.checkBuffer(buf)
	if err != nil {
		return err
	}

	if !s.cfg.SyncEnabled {
		if err := s.sendChunks(ctx, buf); err != nil {
			return err
		}
		s.recordFrames(frames)
		return nil
	}

	for i := 0; i < frames; i++ {
		if err := s.sendChunks(ctx, buf[i*s.frameSize:(i+1)*s.frameSize]); err != nil {
			return err
		}
		s.recordFrames(1)
		s.framesSinceSync++
		if s.framesSinceSync < s.framesPerSync {
			continue
		}
		if err := s.sendSync(ctx); err != nil {
			return err
		}
		s.framesSinceSync = 0
	}
	return nil
}

func (s *InputStream) sendChunks(ctx context.Context, data []byte) error {
	chunks := frame.NewChunker(data, s.cfg.MaxPayloadSize, s.cfg.UseDataflowPadding)
	for {
		chunk, ok := chunks.Next()
		if !ok {
			return nil
		}
		if err := s.send(ctx, chunk); err != nil {
			return err
		}
		s.stats.packets.Add(1)
		observability.RecordPacket(s.name, string(s.direction), "data", len(chunk))
	}
}

func (s *InputStream) sendSync(ctx context.Context) error {
	pkt, err := protocol.EncodeSync(s.syncBuf, s.cfg.SyncSize, s.nextIndex)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := s.send(ctx, pkt); err != nil {
		return err
	}
	s.log.Trace().Uint32("index", uint32(s.nextIndex)).Msg("sync sent")
	s.nextIndex = protocol.NextSyncIndex(s.nextIndex)
	s.stats.syncIndex.Store(uint32(s.nextIndex))
	s.stats.syncPackets.Add(1)
	observability.RecordPacket(s.name, string(s.direction), "sync", len(pkt))
	return nil
}

// send paces one datagram and hands it to the transport.
func (s *InputStream) send(ctx context.Context, pkt []byte) error {
	if err := s.stopped(nil); err != nil {
		return err
	}
	start := time.Now()
	if err := s.limiter.Consume(ctx, len(pkt)); err != nil {
		if stopErr := s.stopped(err); stopErr != nil {
			return stopErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		return limiterError(err)
	}
	observability.RecordLimiterWait(s.name, string(s.cfg.RateLimit.Strategy), time.Since(start))

	if _, err := s.tr.Send(pkt); err != nil {
		if stopErr := s.stopped(err); stopErr != nil {
			return stopErr
		}
		return transportError(err)
	}
	s.stats.bytes.Add(uint64(len(pkt)))
	return nil
}

func (s *InputStream) recordFrames(n int) {
	s.stats.frames.Add(uint64(n))
	observability.RecordFrames(s.name, string(s.direction), n)
}

func (s *InputStream) Stats() Stats {
	return s.snapshot()
}

// Close deactivates the stream and releases its limiter and transport.
func (s *InputStream) Close() error {
	_ = s.Abort()
	_ = s.Deactivate()
	limErr := s.limiter.Close()
	trErr := s.tr.Close()
	if limErr != nil {
		return limiterError(limErr)
	}
	if trErr != nil {
		return transportError(trErr)
	}
	return nil
}
