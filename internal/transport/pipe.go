package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DropFunc decides whether the n-th datagram (0-based) sent through a Pipe
// endpoint is lost.
type DropFunc func(n int, p []byte) bool

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// Pipe is an in-memory datagram endpoint. Sends never block: when the peer
// queue is full the datagram is dropped, as a saturated receive buffer would.
type Pipe struct {
	name string
	in   chan []byte
	peer *Pipe

	mu      sync.Mutex
	timeout time.Duration
	intr    chan struct{}
	drop    DropFunc

	sent    atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool
}

var _ Transport = (*Pipe)(nil)

// NewPipe returns two connected endpoints, each able to queue capacity datagrams.
func NewPipe(capacity int) (*Pipe, *Pipe) {
	if capacity <= 0 {
		capacity = 1024
	}
	a := &Pipe{name: "pipe-a", in: make(chan []byte, capacity), timeout: DefaultOptions().Timeout, intr: make(chan struct{})}
	b := &Pipe{name: "pipe-b", in: make(chan []byte, capacity), timeout: DefaultOptions().Timeout, intr: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SetDrop installs a loss function applied to datagrams sent from p.
func (p *Pipe) SetDrop(fn DropFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = fn
}

func (p *Pipe) Send(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if p.isInterrupted() {
		return 0, ErrInterrupted
	}
	n := int(p.sent.Add(1) - 1)
	p.mu.Lock()
	drop := p.drop
	p.mu.Unlock()
	if drop != nil && drop(n, b) {
		p.dropped.Add(1)
		return len(b), nil
	}
	pkt := make([]byte, len(b))
	copy(pkt, b)
	select {
	case p.peer.in <- pkt:
	default:
		p.dropped.Add(1)
	}
	return len(b), nil
}

func (p *Pipe) Recv(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	p.mu.Lock()
	intr := p.intr
	timeout := p.timeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-intr:
		return 0, ErrInterrupted
	default:
	}
	select {
	case pkt, ok := <-p.in:
		if !ok {
			return 0, ErrClosed
		}
		if len(pkt) > len(b) {
			return 0, fmt.Errorf("%w: datagram %d bytes exceeds buffer %d", ErrIO, len(pkt), len(b))
		}
		return copy(b, pkt), nil
	case <-intr:
		return 0, ErrInterrupted
	case <-timer.C:
		return 0, ErrTimeout
	}
}

func (p *Pipe) isInterrupted() bool {
	p.mu.Lock()
	intr := p.intr
	p.mu.Unlock()
	select {
	case <-intr:
		return true
	default:
		return false
	}
}

// Drain returns every datagram currently queued for p without blocking.
func (p *Pipe) Drain() [][]byte {
	var out [][]byte
	for {
		select {
		case pkt := <-p.in:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

// Inject queues a datagram for p as if the peer had sent it.
func (p *Pipe) Inject(b []byte) {
	pkt := make([]byte, len(b))
	copy(pkt, b)
	p.in <- pkt
}

// Stats returns sent and dropped datagram counts for p.
func (p *Pipe) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

func (p *Pipe) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("transport: invalid timeout %v", d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func (p *Pipe) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

func (p *Pipe) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.intr:
	default:
		close(p.intr)
	}
	return nil
}

func (p *Pipe) ClearInterrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.intr:
		p.intr = make(chan struct{})
	default:
	}
}

func (p *Pipe) LocalAddr() net.Addr  { return pipeAddr(p.name) }
func (p *Pipe) RemoteAddr() net.Addr { return pipeAddr(p.peer.name) }

func (p *Pipe) Close() error {
	p.closed.Store(true)
	return nil
}
