package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/ethstream/internal/capture"
	"github.com/danmuck/ethstream/internal/device"
	"github.com/danmuck/ethstream/internal/stream"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// driver pushes a test pattern through every input and reads it back from
// every output.
type driver struct {
	dev        *device.Device
	frames     int
	capture    bool
	captureDir string
}

func (d driver) run(ctx context.Context) error {
	// Abort unblocks the remaining streams when the operator interrupts or a
	// stream fails.
	stop := context.AfterFunc(ctx, d.abort)
	defer stop()

	var g errgroup.Group
	for i, in := range d.dev.Inputs() {
		g.Go(func() error { return d.abortOnError(d.write(in, byte(i))) })
	}
	for _, out := range d.dev.Outputs() {
		g.Go(func() error { return d.abortOnError(d.read(out)) })
	}
	return g.Wait()
}

func (d driver) abort() {
	if err := d.dev.AbortAll(); err != nil {
		log.Warn().Err(err).Msg("abort streams")
	}
}

func (d driver) abortOnError(err error) error {
	if err != nil {
		d.abort()
	}
	return err
}

func (d driver) write(in *stream.InputStream, seed byte) error {
	frame := make([]byte, in.FrameSize())
	for i := 0; i < d.frames; i++ {
		fillFrame(frame, seed, i)
		if err := in.Write(frame); err != nil {
			return fmt.Errorf("%s: frame %d: %w", in.Name(), i, err)
		}
	}
	if err := in.Flush(); err != nil {
		return fmt.Errorf("%s: flush: %w", in.Name(), err)
	}
	log.Info().Str("stream", in.Name()).Int("frames", d.frames).Msg("input done")
	return nil
}

func (d driver) read(out *stream.OutputStream) (err error) {
	var rec *capture.Writer
	if d.capture && d.captureDir != "" {
		rec, err = capture.Create(d.captureDir, out.Name(), out.FrameSize())
		if err != nil {
			return err
		}
		defer func() {
			if err == nil {
				_, err = rec.Commit()
			}
			_ = rec.Close()
		}()
	}

	frame := make([]byte, out.FrameSize())
	mismatches := 0
	for i := 0; i < d.frames; i++ {
		if err := out.Read(frame); err != nil {
			if !errors.Is(err, stream.ErrSyncMismatch) {
				return fmt.Errorf("%s: frame %d: %w", out.Name(), i, err)
			}
			mismatches++
			log.Warn().Err(err).Str("stream", out.Name()).Int("frame", i).Msg("sync mismatch, frame kept")
		}
		if rec != nil {
			if _, err := rec.Write(frame); err != nil {
				return err
			}
		}
	}
	log.Info().Str("stream", out.Name()).Int("frames", d.frames).Int("sync_mismatches", mismatches).Msg("output done")
	return nil
}

// fillFrame writes a pattern that identifies the stream and the frame.
func fillFrame(frame []byte, seed byte, n int) {
	for i := range frame {
		frame[i] = seed ^ byte(n) ^ byte(i*31)
	}
}
