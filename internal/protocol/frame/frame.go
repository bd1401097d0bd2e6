package frame

import (
	"errors"
	"fmt"
)

const (
	// MaxUDPPayloadSize bounds one datagram payload on a standard 1500 byte MTU.
	MaxUDPPayloadSize = 1472
	// DefaultPayloadSize is the payload size used when a layer does not set one.
	DefaultPayloadSize = 1400
)

var (
	ErrInvalidPayloadSize = errors.New("frame: invalid max payload size")
	ErrInvalidFrameSize   = errors.New("frame: invalid frame size")
	ErrPartialFrame       = errors.New("frame: buffer is not a whole number of frames")
	ErrPacketsPerFrame    = errors.New("frame: packets_per_frame does not match layout")
)

// Layout describes how one layer's frames are cut into packets.
type Layout struct {
	FrameSize      int
	MaxPayloadSize int
	Padding        bool
}

func (l Layout) Validate() error {
	if l.MaxPayloadSize <= 0 || l.MaxPayloadSize > MaxUDPPayloadSize {
		return fmt.Errorf("%w: %d", ErrInvalidPayloadSize, l.MaxPayloadSize)
	}
	if l.FrameSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFrameSize, l.FrameSize)
	}
	return nil
}

// PacketsPerFrame is the number of data packets one frame occupies.
func (l Layout) PacketsPerFrame() int {
	return PacketCount(l.FrameSize, l.MaxPayloadSize)
}

// CheckPacketsPerFrame validates a configured packets-per-frame value. Zero
// means "derive from the layout".
func (l Layout) CheckPacketsPerFrame(configured uint32) error {
	if configured == 0 {
		return nil
	}
	if int(configured) != l.PacketsPerFrame() {
		return fmt.Errorf("%w: configured=%d layout=%d", ErrPacketsPerFrame, configured, l.PacketsPerFrame())
	}
	return nil
}

// FrameCount returns how many whole frames size bytes holds.
func (l Layout) FrameCount(size int) (int, error) {
	if l.FrameSize <= 0 {
		return 0, ErrInvalidFrameSize
	}
	if size%l.FrameSize != 0 {
		return 0, fmt.Errorf("%w: size=%d frame_size=%d", ErrPartialFrame, size, l.FrameSize)
	}
	return size / l.FrameSize, nil
}

// PacketCount returns ceil(size / payload).
func PacketCount(size, payload int) int {
	if payload <= 0 || size <= 0 {
		return 0
	}
	return (size + payload - 1) / payload
}

// Chunker walks a buffer in payload sized chunks. The final partial chunk is
// returned as-is, or zero padded into scratch when padding is enabled.
type Chunker struct {
	buf     []byte
	payload int
	padding bool
	scratch []byte
	offset  int
}

func NewChunker(buf []byte, payload int, padding bool) *Chunker {
	c := &Chunker{buf: buf, payload: payload, padding: padding}
	if padding {
		c.scratch = make([]byte, payload)
	}
	return c
}

// Next returns the next chunk and false once the buffer is exhausted.
// The returned slice is only valid until the following call.
func (c *Chunker) Next() ([]byte, bool) {
	if c.payload <= 0 || c.offset >= len(c.buf) {
		return nil, false
	}
	end := c.offset + c.payload
	if end > len(c.buf) {
		end = len(c.buf)
	}
	chunk := c.buf[c.offset:end]
	c.offset = end
	if c.padding && len(chunk) < c.payload {
		n := copy(c.scratch, chunk)
		clear(c.scratch[n:])
		return c.scratch, true
	}
	return chunk, true
}

// Offset returns how many source bytes have been consumed.
func (c *Chunker) Offset() int {
	return c.offset
}

// Split returns the chunk sizes Chunker would produce for size bytes.
func Split(size, payload int, padding bool) []int {
	count := PacketCount(size, payload)
	out := make([]int, 0, count)
	for remaining := size; remaining > 0; remaining -= payload {
		n := payload
		if remaining < payload && !padding {
			n = remaining
		}
		out = append(out, n)
	}
	return out
}
