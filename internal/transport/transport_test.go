package transport

import (
	"testing"
	"time"

	"github.com/danmuck/ethstream/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversAndTimesOut(t *testing.T) {
	testlog.Start(t)
	a, b := NewPipe(4)
	require.NoError(t, b.SetTimeout(20*time.Millisecond))
	_, err := a.Send([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), buf[:n])

	_, err = b.Recv(buf)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPipeDropFuncAndOverflow(t *testing.T) {
	testlog.Start(t)
	a, b := NewPipe(2)
	a.SetDrop(func(n int, _ []byte) bool { return n == 0 })
	for i := 0; i < 4; i++ {
		_, err := a.Send([]byte{byte(i)})
		require.NoError(t, err, "send %d", i)
	}
	require.Equal(t, [][]byte{{1}, {2}}, b.Drain())
	sent, dropped := a.Stats()
	require.Equal(t, int64(4), sent)
	require.Equal(t, int64(2), dropped)
}

func TestPipeInterruptUnblocksRecv(t *testing.T) {
	testlog.Start(t)
	_, b := NewPipe(1)
	require.NoError(t, b.SetTimeout(5*time.Second))
	done := make(chan error, 1)
	go func() {
		_, err := b.Recv(make([]byte, 8))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = b.Interrupt()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("interrupt did not unblock recv")
	}
	b.ClearInterrupt()
	b.Inject([]byte{1})
	_, err := b.Recv(make([]byte, 8))
	require.NoError(t, err, "recv after clear")
}

func TestUDPLoopbackSendRecv(t *testing.T) {
	testlog.Start(t)
	host, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9", Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer host.Close()
	dev, err := ListenUDP("127.0.0.1:0", host.LocalAddr().String(), Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Send([]byte("frame-bytes"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := host.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "frame-bytes", string(buf[:n]))

	_, err = host.Recv(buf)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestUDPInterruptIsPrompt(t *testing.T) {
	testlog.Start(t)
	u, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9", Options{Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer u.Close()
	done := make(chan error, 1)
	go func() {
		_, err := u.Recv(make([]byte, 64))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, u.Interrupt())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("interrupt did not unblock recv")
	}
}
