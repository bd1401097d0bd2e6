package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
)

// UDP is a Transport over one bound UDP socket. Datagrams from peers other
// than the remote endpoint are dropped on receive.
type UDP struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	mu          sync.RWMutex
	timeout     time.Duration
	interrupted atomic.Bool
	closed      atomic.Bool
}

var _ Transport = (*UDP)(nil)

// ListenUDP binds local and targets remote.
func ListenUDP(local, remote string, opts Options) (*UDP, error) {
	opts = opts.WithDefaults()
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve local %q: %v", ErrIO, local, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve remote %q: %v", ErrIO, remote, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrIO, local, err)
	}
	u := &UDP{conn: conn, remote: raddr, timeout: opts.Timeout}
	if err := u.applyOptions(opts); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return u, nil
}

func (u *UDP) applyOptions(opts Options) error {
	if opts.ReadBuffer > 0 {
		if err := u.conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			return fmt.Errorf("%w: set read buffer: %v", ErrIO, err)
		}
	}
	if opts.WriteBuffer > 0 {
		if err := u.conn.SetWriteBuffer(opts.WriteBuffer); err != nil {
			return fmt.Errorf("%w: set write buffer: %v", ErrIO, err)
		}
	}
	if opts.TOS > 0 && u.remote.IP.To4() != nil {
		if err := ipv4.NewConn(u.conn).SetTOS(opts.TOS); err != nil {
			return fmt.Errorf("%w: set tos: %v", ErrIO, err)
		}
	}
	return nil
}

func (u *UDP) Send(p []byte) (int, error) {
	if u.closed.Load() {
		return 0, ErrClosed
	}
	if err := u.conn.SetWriteDeadline(time.Now().Add(u.Timeout())); err != nil {
		return 0, u.classify(err)
	}
	if u.interrupted.Load() {
		return 0, ErrInterrupted
	}
	n, err := u.conn.WriteToUDP(p, u.remote)
	if err != nil {
		return n, u.classify(err)
	}
	if n != len(p) {
		return n, ErrShortWrite
	}
	return n, nil
}

func (u *UDP) Recv(p []byte) (int, error) {
	for {
		if u.closed.Load() {
			return 0, ErrClosed
		}
		// Deadline is armed before the interrupt check so a concurrent
		// Interrupt always lands after it.
		if err := u.conn.SetReadDeadline(time.Now().Add(u.Timeout())); err != nil {
			return 0, u.classify(err)
		}
		if u.interrupted.Load() {
			return 0, ErrInterrupted
		}
		n, from, err := u.conn.ReadFromUDP(p)
		if err != nil {
			return 0, u.classify(err)
		}
		if !u.fromRemote(from) {
			continue
		}
		return n, nil
	}
}

func (u *UDP) fromRemote(from *net.UDPAddr) bool {
	if from == nil {
		return false
	}
	if u.remote.IP != nil && !u.remote.IP.IsUnspecified() && !u.remote.IP.Equal(from.IP) {
		return false
	}
	return true
}

func (u *UDP) classify(err error) error {
	if u.interrupted.Load() {
		return ErrInterrupted
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

func (u *UDP) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("transport: invalid timeout %v", d)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.timeout = d
	return nil
}

func (u *UDP) Timeout() time.Duration {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.timeout
}

func (u *UDP) Interrupt() error {
	u.interrupted.Store(true)
	past := time.Now().Add(-time.Second)
	if err := u.conn.SetReadDeadline(past); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	if err := u.conn.SetWriteDeadline(past); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (u *UDP) ClearInterrupt() {
	u.interrupted.Store(false)
}

func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) RemoteAddr() net.Addr {
	return u.remote
}

// LocalPort returns the bound source port.
func (u *UDP) LocalPort() int {
	if addr, ok := u.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// RemotePort returns the device side port.
func (u *UDP) RemotePort() int {
	return u.remote.Port
}

func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	return u.conn.Close()
}
