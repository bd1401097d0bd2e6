// Package capture records frames read from output streams into files under a
// capture directory. A capture is written to a temp file and only appears
// under its final name once committed.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/ethstream/internal/fsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// Ext is the file extension of committed captures.
	Ext = ".frames"

	headerSize = 8
)

var magic = [4]byte{'E', 'S', 'C', 'P'}

var (
	ErrBadHeader = errors.New("capture: bad header")
	ErrFrameSize = errors.New("capture: frame size mismatch")
)

// Writer appends fixed size frames to one capture file.
type Writer struct {
	tmp       *fsutil.TempFile
	bw        *bufio.Writer
	id        string
	stream    string
	frameSize int
	frames    int
}

// Create starts a capture of stream in dir.
func Create(dir, stream string, frameSize int) (*Writer, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, frameSize)
	}
	stream = strings.TrimSpace(stream)
	if stream == "" || strings.ContainsAny(stream, `/\`) {
		return nil, fmt.Errorf("capture: invalid stream name %q", stream)
	}
	tmp, err := fsutil.CreateTempFile(dir, stream+"-")
	if err != nil {
		return nil, err
	}
	w := &Writer{
		tmp:       tmp,
		bw:        bufio.NewWriter(tmp),
		id:        uuid.NewString(),
		stream:    stream,
		frameSize: frameSize,
	}
	var hdr [headerSize]byte
	copy(hdr[:4], magic[:])
	binary.BigEndian.PutUint32(hdr[4:], uint32(frameSize))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) ID() string  { return w.id }
func (w *Writer) Frames() int { return w.frames }

// Write appends whole frames; len(p) must be a multiple of the frame size.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p)%w.frameSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrFrameSize, len(p), w.frameSize)
	}
	n, err := w.bw.Write(p)
	w.frames += n / w.frameSize
	return n, err
}

// Commit flushes the capture and names it <stream>-<id>.frames.
func (w *Writer) Commit() (string, error) {
	if err := w.bw.Flush(); err != nil {
		_ = w.tmp.Close()
		return "", err
	}
	path, err := w.tmp.Commit(w.stream + "-" + w.id + Ext)
	if err != nil {
		_ = w.tmp.Close()
		return "", err
	}
	log.Info().Str("stream", w.stream).Str("path", path).Int("frames", w.frames).Msg("capture committed")
	return path, nil
}

// Close discards an uncommitted capture.
func (w *Writer) Close() error {
	return w.tmp.Close()
}

// Info describes a committed capture on disk.
type Info struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// List returns the captures in dir modified within window of now.
func List(dir string, window time.Duration, now time.Time) ([]Info, error) {
	files, err := fsutil.LatestFilesInDir(dir, window, now)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(files))
	for _, path := range files {
		if filepath.Ext(path) != Ext {
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, Info{Name: filepath.Base(path), Size: st.Size(), Modified: st.ModTime()})
	}
	return out, nil
}

// Read loads every frame of a capture.
func Read(path string) (frameSize int, frames [][]byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if [4]byte(hdr[:4]) != magic {
		return 0, nil, ErrBadHeader
	}
	frameSize = int(binary.BigEndian.Uint32(hdr[4:]))
	if frameSize <= 0 {
		return 0, nil, ErrBadHeader
	}
	for {
		frame := make([]byte, frameSize)
		_, err := io.ReadFull(r, frame)
		if errors.Is(err, io.EOF) {
			return frameSize, frames, nil
		}
		if err != nil {
			return frameSize, frames, fmt.Errorf("%w: truncated frame: %w", ErrFrameSize, err)
		}
		frames = append(frames, frame)
	}
}
