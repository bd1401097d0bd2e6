package stream

import (
	"math"
	"testing"
	"time"

	"github.com/danmuck/ethstream/internal/protocol"
	"github.com/danmuck/ethstream/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestReadCarriesLeftoverAcrossCalls(t *testing.T) {
	testlog.Start(t)
	p := newPair(t, 1000, InputConfig{MaxPayloadSize: 1400}, OutputConfig{MaxPayloadSize: 1400}, nil)
	src := pattern(2000, 5)
	require.NoError(t, p.in.Write(src))

	first := make([]byte, 1000)
	require.NoError(t, p.out.Read(first))
	require.Equal(t, src[:1000], first)
	require.Equal(t, 400, p.out.Stats().LeftoverBytes)

	second := make([]byte, 1000)
	require.NoError(t, p.out.Read(second))
	require.Equal(t, src[1000:], second)
	require.Equal(t, 0, p.out.Stats().LeftoverBytes)
}

func TestReadLeftoverIsIdempotentWithSingleRead(t *testing.T) {
	testlog.Start(t)
	src := pattern(6000, 11)

	split := newPair(t, 1000, InputConfig{MaxPayloadSize: 1400}, OutputConfig{MaxPayloadSize: 1400}, nil)
	require.NoError(t, split.in.Write(src))
	var joined []byte
	for i := 0; i < 3; i++ {
		buf := make([]byte, 2000)
		require.NoError(t, split.out.Read(buf))
		joined = append(joined, buf...)
	}

	whole := newPair(t, 1000, InputConfig{MaxPayloadSize: 1400}, OutputConfig{MaxPayloadSize: 1400}, nil)
	require.NoError(t, whole.in.Write(src))
	buf := make([]byte, 6000)
	require.NoError(t, whole.out.Read(buf))

	require.Equal(t, buf, joined)
	require.Equal(t, src, joined)
}

func TestReadSkipsSyncPackets(t *testing.T) {
	testlog.Start(t)
	cfg := OutputConfig{MaxPayloadSize: 1400, SyncEnabled: true, FramesPerSync: 2}
	p := newPair(t, 1000, InputConfig{MaxPayloadSize: 1400, SyncEnabled: true, FramesPerSync: 2}, cfg, nil)
	src := pattern(4000, 2)
	require.NoError(t, p.in.Write(src))
	require.NoError(t, p.in.Write(src[:1000]))

	buf := make([]byte, 5000)
	require.NoError(t, p.out.Read(buf))
	require.Equal(t, append(append([]byte{}, src...), src[:1000]...), buf)

	st := p.out.Stats()
	require.Equal(t, uint64(2), st.SyncPackets)
	require.Equal(t, uint32(1), st.SyncIndex)
	require.Zero(t, st.SyncMismatches)
	require.Zero(t, st.Losses)
}

func TestSyncMismatchIsRecoverable(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{SyncEnabled: true, FramesPerSync: 1}, 200*time.Millisecond)
	a, b, c := pattern(100, 1), pattern(100, 2), pattern(100, 3)
	dev.Inject(a)
	dev.Inject(syncPacket(t, 0))
	dev.Inject(b)
	dev.Inject(syncPacket(t, 5))
	dev.Inject(c)

	buf := make([]byte, 300)
	err := out.Read(buf)
	require.ErrorIs(t, err, ErrSyncMismatch)
	require.True(t, IsRecoverable(err))
	require.Equal(t, a, buf[:100])
	require.Equal(t, b, buf[100:200])
	require.Equal(t, c, buf[200:])

	st := out.Stats()
	require.Equal(t, uint64(1), st.SyncMismatches)
	require.Equal(t, uint32(5), st.SyncIndex)
	require.Equal(t, StateActivated, out.State())
}

func TestEarlySyncPadsPartialFrame(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 1000, OutputConfig{MaxPayloadSize: 400, SyncEnabled: true, FramesPerSync: 1}, 200*time.Millisecond)
	partial := pattern(400, 1)
	next := pattern(1000, 2)
	dev.Inject(partial)
	dev.Inject(syncPacket(t, 0))
	dev.Inject(next[:400])
	dev.Inject(next[400:800])
	dev.Inject(next[800:])

	buf := make([]byte, 2000)
	require.NoError(t, out.Read(buf))
	require.Equal(t, partial, buf[:400])
	require.Equal(t, make([]byte, 600), buf[400:1000])
	require.Equal(t, next, buf[1000:])
	require.Equal(t, uint64(1), out.Stats().Losses)
	require.Equal(t, uint32(0), out.Stats().SyncIndex)
}

func TestMissingSyncRestartsPeriod(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{SyncEnabled: true, FramesPerSync: 1}, 200*time.Millisecond)
	a, b, c := pattern(100, 1), pattern(100, 2), pattern(100, 3)
	dev.Inject(a)
	// sync 0 lost
	dev.Inject(b)
	dev.Inject(syncPacket(t, 1))
	dev.Inject(c)

	buf := make([]byte, 300)
	require.NoError(t, out.Read(buf))
	require.Equal(t, append(append(append([]byte{}, a...), b...), c...), buf)
	st := out.Stats()
	require.Equal(t, uint64(1), st.Losses)
	require.Zero(t, st.SyncMismatches)
	require.Equal(t, uint32(1), st.SyncIndex)
}

func TestSyncIndexWrapsFromSentinel(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{SyncEnabled: true, FramesPerSync: 1}, 200*time.Millisecond)
	require.Equal(t, uint32(math.MaxUint32), out.Stats().SyncIndex)

	out.lastSeen = math.MaxUint32 - 1
	dev.Inject(pattern(100, 1))
	dev.Inject(syncPacket(t, math.MaxUint32))
	dev.Inject(pattern(100, 2))
	dev.Inject(syncPacket(t, 0))
	dev.Inject(pattern(100, 3))

	require.NoError(t, out.Read(make([]byte, 300)))
	require.Equal(t, uint32(0), out.Stats().SyncIndex)
	require.Zero(t, out.Stats().SyncMismatches)
}

func TestFirstSyncAfterActivationIsIndexZero(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{SyncEnabled: true, FramesPerSync: 1}, 200*time.Millisecond)
	dev.Inject(pattern(100, 1))
	dev.Inject(syncPacket(t, 0))
	dev.Inject(pattern(100, 2))
	require.NoError(t, out.Read(make([]byte, 200)))
	require.Zero(t, out.Stats().SyncMismatches)
}

func TestTimeoutPadsAndResyncsOnNextMarker(t *testing.T) {
	testlog.Start(t)
	cfg := OutputConfig{MaxPayloadSize: 400, SyncEnabled: true, FramesPerSync: 1, MaxTimeoutRetries: Retries(20)}
	out, dev := newOutput(t, 1000, cfg, 20*time.Millisecond)
	partial := pattern(400, 1)
	next := pattern(1000, 2)
	dev.Inject(partial)

	done := make(chan error, 1)
	buf := make([]byte, 2000)
	go func() { done <- out.Read(buf) }()

	require.Eventually(t, func() bool { return out.Stats().Timeouts >= 1 }, time.Second, 5*time.Millisecond)
	dev.Inject(pattern(400, 9)) // tail of the torn frame, discarded
	dev.Inject(syncPacket(t, 0))
	dev.Inject(next[:400])
	dev.Inject(next[400:800])
	dev.Inject(next[800:])

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not complete")
	}
	require.Equal(t, partial, buf[:400])
	require.Equal(t, make([]byte, 600), buf[400:1000])
	require.Equal(t, next, buf[1000:])
	st := out.Stats()
	require.Equal(t, uint64(400), st.DiscardedBytes)
	require.Equal(t, uint32(0), st.SyncIndex)
}

func TestTimeoutRetryCapThenResume(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{MaxTimeoutRetries: Retries(2)}, 10*time.Millisecond)

	start := time.Now()
	err := out.Read(make([]byte, 100))
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, IsRecoverable(err))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, StateTimedOut, out.State())
	require.Equal(t, uint64(3), out.Stats().Timeouts)

	frame := pattern(100, 4)
	dev.Inject(frame)
	buf := make([]byte, 100)
	require.NoError(t, out.Read(buf))
	require.Equal(t, frame, buf)
	require.Equal(t, StateActivated, out.State())
}

func TestTimeoutCapWithSyncResyncsOnNextRead(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{SyncEnabled: true, FramesPerSync: 1, MaxTimeoutRetries: Retries(1)}, 10*time.Millisecond)
	require.ErrorIs(t, out.Read(make([]byte, 100)), ErrTimeout)

	frame := pattern(100, 6)
	dev.Inject(pattern(100, 1))
	dev.Inject(syncPacket(t, 3))
	dev.Inject(frame)
	buf := make([]byte, 100)
	require.NoError(t, out.Read(buf))
	require.Equal(t, frame, buf)
	require.Equal(t, uint32(3), out.Stats().SyncIndex)
}

func TestAbortUnblocksRead(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{}, 5*time.Second)

	done := make(chan error, 1)
	go func() { done <- out.Read(make([]byte, 100)) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, out.Abort())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("read did not return after abort")
	}
	require.Equal(t, StateAborted, out.State())
	require.ErrorIs(t, out.Read(make([]byte, 100)), ErrAborted)

	require.NoError(t, out.ClearAbort())
	frame := pattern(100, 8)
	dev.Inject(frame)
	buf := make([]byte, 100)
	require.NoError(t, out.Read(buf))
	require.Equal(t, frame, buf)
}

func TestDeactivateClearsLeftoverAndSyncState(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{SyncEnabled: true, FramesPerSync: 1}, 200*time.Millisecond)
	dev.Inject(pattern(150, 1))
	require.NoError(t, out.Read(make([]byte, 100)))
	require.Equal(t, 50, out.Stats().LeftoverBytes)

	require.NoError(t, out.Deactivate())
	st := out.Stats()
	require.Equal(t, 0, st.LeftoverBytes)
	require.Equal(t, uint32(protocol.LastSeenSentinel), st.SyncIndex)
	require.ErrorIs(t, out.Read(make([]byte, 100)), ErrInvalidState)
	require.NoError(t, out.Activate(4, false))
	require.Equal(t, 400, out.period)
}

func TestReadRejectsPartialFrameBuffer(t *testing.T) {
	testlog.Start(t)
	out, _ := newOutput(t, 100, OutputConfig{}, 50*time.Millisecond)
	require.ErrorIs(t, out.Read(make([]byte, 99)), ErrInvalidArgument)
	require.ErrorIs(t, out.SetTimeout(0), ErrInvalidArgument)
	require.NoError(t, out.SetTimeout(time.Second))
	require.Equal(t, time.Second, out.Timeout())
}

func TestDeactivateUnblocksReadAndKeepsState(t *testing.T) {
	testlog.Start(t)
	out, dev := newOutput(t, 100, OutputConfig{SyncEnabled: true, FramesPerSync: 1}, 200*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- out.Read(make([]byte, 100)) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, out.Deactivate())
	require.Less(t, time.Since(start), 150*time.Millisecond)
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInvalidState)
	case <-time.After(time.Second):
		t.Fatal("read did not return after deactivate")
	}
	require.Equal(t, StateDeactivated, out.State())
	require.Zero(t, out.Stats().Timeouts)

	// The interrupt is cleared, so a reactivated stream reads again.
	require.NoError(t, out.Activate(0, false))
	frame := pattern(100, 3)
	dev.Inject(frame)
	dev.Inject(syncPacket(t, 0))
	buf := make([]byte, 100)
	require.NoError(t, out.Read(buf))
	require.Equal(t, frame, buf)
}

func TestZeroTimeoutRetriesFailsOnFirstTimeout(t *testing.T) {
	testlog.Start(t)
	out, _ := newOutput(t, 100, OutputConfig{MaxTimeoutRetries: Retries(0)}, 10*time.Millisecond)

	require.ErrorIs(t, out.Read(make([]byte, 100)), ErrTimeout)
	require.Equal(t, uint64(1), out.Stats().Timeouts)
	require.Equal(t, StateTimedOut, out.State())

	cfg := OutputConfig{}.WithDefaults()
	require.NotNil(t, cfg.MaxTimeoutRetries)
	require.Equal(t, DefaultMaxTimeoutRetries, *cfg.MaxTimeoutRetries)
	require.ErrorIs(t, OutputConfig{MaxTimeoutRetries: Retries(-1)}.Validate(100), ErrInvalidConfiguration)
}
