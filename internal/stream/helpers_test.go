package stream

import (
	"testing"
	"time"

	"github.com/danmuck/ethstream/internal/protocol"
	"github.com/danmuck/ethstream/internal/ratelimit"
	"github.com/danmuck/ethstream/internal/transport"
	"github.com/stretchr/testify/require"
)

type pair struct {
	in     *InputStream
	out    *OutputStream
	wire   *transport.Pipe // writer side
	device *transport.Pipe // reader side; Drain/Inject here
}

func newPair(t *testing.T, frameSize int, inCfg InputConfig, outCfg OutputConfig, lim ratelimit.Limiter) *pair {
	t.Helper()
	a, b := transport.NewPipe(4096)
	require.NoError(t, b.SetTimeout(200*time.Millisecond))
	in, err := NewInputStream("in0", frameSize, inCfg, a, lim)
	require.NoError(t, err)
	out, err := NewOutputStream("out0", frameSize, outCfg, b)
	require.NoError(t, err)
	require.NoError(t, in.Activate(0, false))
	require.NoError(t, out.Activate(0, false))
	t.Cleanup(func() {
		_ = in.Close()
		_ = out.Close()
	})
	return &pair{in: in, out: out, wire: a, device: b}
}

func newOutput(t *testing.T, frameSize int, cfg OutputConfig, timeout time.Duration) (*OutputStream, *transport.Pipe) {
	t.Helper()
	_, b := transport.NewPipe(4096)
	require.NoError(t, b.SetTimeout(timeout))
	out, err := NewOutputStream("out0", frameSize, cfg, b)
	require.NoError(t, err)
	require.NoError(t, out.Activate(0, false))
	t.Cleanup(func() { _ = out.Close() })
	return out, b
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func syncPacket(t *testing.T, idx protocol.SyncIndex) []byte {
	t.Helper()
	pkt, err := protocol.NewSyncPacket(protocol.DefaultSyncSize, idx)
	require.NoError(t, err)
	return pkt
}

func sizes(pkts [][]byte) []int {
	out := make([]int, len(pkts))
	for i, p := range pkts {
		out[i] = len(p)
	}
	return out
}
