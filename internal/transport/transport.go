// Package transport owns unreliable datagram delivery between the host and
// the device.
//
// Ownership boundary:
// - send/receive of single datagrams with a bounded timeout
// - prompt interruption of blocked calls (stream abort)
// - endpoint binding
package transport

import (
	"errors"
	"net"
	"time"
)

var (
	ErrTimeout     = errors.New("transport: timeout")
	ErrInterrupted = errors.New("transport: interrupted")
	ErrClosed      = errors.New("transport: closed")
	ErrIO          = errors.New("transport: io failure")
	ErrShortWrite  = errors.New("transport: short write")
)

// Transport is one bound datagram endpoint talking to one remote endpoint.
// Send and Recv may be called from one goroutine while Interrupt is called
// from another.
type Transport interface {
	// Send writes p as one datagram.
	Send(p []byte) (int, error)
	// Recv reads one datagram into p, waiting at most Timeout().
	Recv(p []byte) (int, error)

	SetTimeout(d time.Duration) error
	Timeout() time.Duration

	// Interrupt unblocks pending and future Send/Recv with ErrInterrupted
	// until ClearInterrupt is called.
	Interrupt() error
	ClearInterrupt()

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Options configures endpoint defaults.
type Options struct {
	Timeout     time.Duration
	ReadBuffer  int
	WriteBuffer int
	// TOS marks outgoing IPv4 datagrams when non-zero.
	TOS int
}

func DefaultOptions() Options {
	return Options{
		Timeout: 10 * time.Second,
	}
}

func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
