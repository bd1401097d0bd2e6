package ratelimit

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ethstream/internal/testutil/testlog"
	"github.com/danmuck/ethstream/internal/tools"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketSecondPacketWaitsForRefill(t *testing.T) {
	testlog.Start(t)
	b, err := NewTokenBucket(1400, 1400)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.Consume(context.Background(), 1400))
	require.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, b.Consume(context.Background(), 1400))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestTokenBucketBoundsConsumptionOverWindow(t *testing.T) {
	testlog.Start(t)
	const rateBps, capacity = 20000, 500
	b, err := NewTokenBucket(rateBps, capacity)
	require.NoError(t, err)

	window := 250 * time.Millisecond
	start := time.Now()
	consumed := 0
	for time.Since(start) < window {
		require.NoError(t, b.Consume(context.Background(), 100))
		consumed += 100
	}
	elapsed := time.Since(start).Seconds()
	// capacity + rate*elapsed, plus one request of slack for the loop exit.
	limit := float64(capacity) + rateBps*elapsed + 100
	require.LessOrEqual(t, float64(consumed), limit)
}

func TestTokenBucketRejectsOversizedConsume(t *testing.T) {
	testlog.Start(t)
	b, err := NewTokenBucket(1000, 100)
	require.NoError(t, err)
	err = b.Consume(context.Background(), 101)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	require.NoError(t, b.Consume(context.Background(), 0))
}

func TestTokenBucketConsumeHonoursCancel(t *testing.T) {
	testlog.Start(t)
	b, err := NewTokenBucket(1, 10)
	require.NoError(t, err)
	require.NoError(t, b.Consume(context.Background(), 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, 10) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consume did not return after cancel")
	}
}

func TestNewTokenBucketValidates(t *testing.T) {
	testlog.Start(t)
	_, err := NewTokenBucket(0, 10)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = NewTokenBucket(10, 0)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestParseStrategy(t *testing.T) {
	testlog.Start(t)
	cases := map[string]Strategy{
		"":                 StrategyNone,
		"none":             StrategyNone,
		"Token_Bucket":     StrategyTokenBucket,
		" traffic_control": StrategyTrafficControl,
	}
	for raw, want := range cases {
		got, err := ParseStrategy(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseStrategy("leaky")
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewSelectsLimiter(t *testing.T) {
	testlog.Start(t)
	l, err := New(Config{}, Endpoint{}, Deps{})
	require.NoError(t, err)
	require.IsType(t, Unlimited{}, l)

	l, err = New(Config{Strategy: StrategyTokenBucket, RateBytesPerSec: 1000, Burst: 100}, Endpoint{}, Deps{})
	require.NoError(t, err)
	require.IsType(t, &TokenBucket{}, l)

	_, err = New(Config{Strategy: StrategyTokenBucket}, Endpoint{}, Deps{})
	require.ErrorIs(t, err, ErrLimiterConstruction)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = New(Config{Strategy: "bogus"}, Endpoint{}, Deps{})
	require.ErrorIs(t, err, ErrLimiterConstruction)
}

type fakeShaper struct {
	installed []Rule
	removed   []Rule
	failWith  error
}

func (f *fakeShaper) Install(rule Rule) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.installed = append(f.installed, rule)
	return nil
}

func (f *fakeShaper) Remove(rule Rule) error {
	f.removed = append(f.removed, rule)
	return nil
}

func TestTrafficControlInstallsAndRemovesRule(t *testing.T) {
	testlog.Start(t)
	shaper := &fakeShaper{}
	cfg := Config{
		Strategy:        StrategyTrafficControl,
		RateBytesPerSec: 125000,
		Burst:           1472,
		Interface:       "eth0",
		LockDir:         t.TempDir(),
	}
	l, err := New(cfg, Endpoint{LocalIP: net.IPv4(10, 0, 0, 1), LocalPort: 50000}, Deps{Shaper: shaper})
	require.NoError(t, err)
	require.Len(t, shaper.installed, 1)
	require.Equal(t, Rule{Interface: "eth0", SourcePort: 50000, RateBytesPerSec: 125000, BurstBytes: 1472}, shaper.installed[0])

	require.NoError(t, l.Consume(context.Background(), 1<<20))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.Len(t, shaper.removed, 1)
}

func TestTrafficControlConstructionFailure(t *testing.T) {
	testlog.Start(t)
	shaper := &fakeShaper{failWith: errors.New("permission denied")}
	cfg := Config{RateBytesPerSec: 1000, Burst: 100, Interface: "eth0", LockDir: t.TempDir()}
	_, err := NewTrafficControl(cfg, Endpoint{LocalPort: 4000}, Deps{Shaper: shaper})
	require.ErrorIs(t, err, ErrLimiterConstruction)

	_, err = NewTrafficControl(Config{RateBytesPerSec: 1000, Burst: 100}, Endpoint{LocalIP: net.IPv4zero, LocalPort: 4000}, Deps{Shaper: &fakeShaper{}})
	require.ErrorIs(t, err, ErrLimiterConstruction)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestShaperForPlatformUnsupported(t *testing.T) {
	testlog.Start(t)
	_, err := ShaperForPlatform("plan9", nil)
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
	s, err := ShaperForPlatform("linux", nil)
	require.NoError(t, err)
	require.IsType(t, &TCShaper{}, s)
}

type tcRunner struct {
	calls  []string
	qdiscs string
	failOn string
}

func (r *tcRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	call := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, call)
	if r.failOn != "" && strings.HasPrefix(call, r.failOn) {
		return nil, []byte("RTNETLINK answers: File exists"), 2, errors.New("exit status 2")
	}
	if strings.HasPrefix(call, "tc qdisc show") {
		return []byte(r.qdiscs), nil, 0, nil
	}
	return nil, nil, 0, nil
}

func TestTCShaperCommandSequence(t *testing.T) {
	testlog.Start(t)
	runner := &tcRunner{qdiscs: "qdisc noqueue 0: root refcnt 2\n"}
	s := NewTCShaper(runner)
	rule := Rule{Interface: "eth0", SourcePort: 50000, RateBytesPerSec: 125000, BurstBytes: 1472}
	require.NoError(t, s.Install(rule))
	require.Equal(t, []string{
		"tc qdisc show dev eth0",
		"tc qdisc add dev eth0 root handle 1: htb",
		"tc class add dev eth0 parent 1: classid 1:c350 htb rate 125000bps ceil 125000bps burst 1472b",
		"tc filter add dev eth0 protocol ip parent 1: prio 50000 u32 match ip sport 50000 0xffff flowid 1:c350",
	}, runner.calls)

	runner.calls = nil
	require.NoError(t, s.Remove(rule))
	require.Equal(t, []string{
		"tc filter del dev eth0 parent 1: prio 50000",
		"tc class del dev eth0 classid 1:c350",
	}, runner.calls)
}

func TestTCShaperReusesRootAndRollsBack(t *testing.T) {
	testlog.Start(t)
	runner := &tcRunner{qdiscs: "qdisc htb 1: root refcnt 2 r2q 10 default 0\n", failOn: "tc filter add"}
	s := NewTCShaper(runner)
	err := s.Install(Rule{Interface: "eth0", SourcePort: 16, RateBytesPerSec: 1000, BurstBytes: 100})
	var cmdErr *tools.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, []string{
		"tc qdisc show dev eth0",
		"tc class add dev eth0 parent 1: classid 1:10 htb rate 1000bps ceil 1000bps burst 100b",
		"tc filter add dev eth0 protocol ip parent 1: prio 16 u32 match ip sport 16 0xffff flowid 1:10",
		"tc class del dev eth0 classid 1:10",
	}, runner.calls)
}

func TestTCShaperRemovesCreatedRootOnFailure(t *testing.T) {
	testlog.Start(t)
	runner := &tcRunner{failOn: "tc class add"}
	s := NewTCShaper(runner)
	require.Error(t, s.Install(Rule{Interface: "eth1", SourcePort: 16, RateBytesPerSec: 1000, BurstBytes: 100}))
	require.Equal(t, "tc qdisc del dev eth1 root handle 1: htb", runner.calls[len(runner.calls)-1])
}

func TestTrafficControlUsesSudoPrefix(t *testing.T) {
	testlog.Start(t)
	if _, err := ShaperForPlatform(runtime.GOOS, nil); err != nil {
		t.Skip("no shaper on this platform")
	}
	runner := &tcRunner{}
	cfg := Config{RateBytesPerSec: 1000, Burst: 100, Interface: "eth0", LockDir: t.TempDir(), UseSudo: true}
	tc, err := NewTrafficControl(cfg, Endpoint{LocalPort: 16}, Deps{Runner: runner})
	require.NoError(t, err)
	require.Equal(t, "sudo -n tc qdisc show dev eth0", runner.calls[0])
	require.NoError(t, tc.Close())
}
