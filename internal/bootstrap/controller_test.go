package bootstrap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/stats"
	"github.com/SWAI-Ltd/relaymesh/internal/transport"
)

type nopConn struct{ addr string }

func (c nopConn) Send([]byte) error     { return nil }
func (c nopConn) Recv() ([]byte, error) { return nil, errors.New("unused") }
func (c nopConn) RemoteAddr() string    { return c.addr }
func (c nopConn) Close() error          { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	ok    map[string]bool
	calls map[string]int
}

func (d *fakeDialer) Dial(_ context.Context, addr string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[addr]++
	if d.ok[addr] {
		return nopConn{addr: addr}, nil
	}
	return nil, errors.New("connection refused")
}

func (d *fakeDialer) count(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[addr]
}

type fixture struct {
	ctrl   *Controller
	dialer *fakeDialer
	stats  *stats.NodeStats
	now    time.Time
	// closing release ends every served link
	release chan struct{}
}

func newFixture(t *testing.T, cfg Config, ok map[string]bool, addrs ...string) *fixture {
	f := &fixture{
		dialer:  &fakeDialer{ok: ok, calls: map[string]int{}},
		stats:   stats.New(),
		now:     time.Unix(1700000000, 0),
		release: make(chan struct{}),
	}
	serve := func(transport.Conn) { <-f.release }
	f.ctrl = NewController(cfg, addrs, f.dialer, serve, f.stats, zap.NewNop())
	f.ctrl.now = func() time.Time { return f.now }
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		f.ctrl.Wait()
	})
	return f
}

func (f *fixture) state(addr string) State {
	for _, t := range f.ctrl.Targets() {
		if t.Addr == addr {
			return t.State
		}
	}
	return ""
}

func TestOneGoodOneBadTarget(t *testing.T) {
	f := newFixture(t, Config{MinConnections: 1, Backoff: time.Minute},
		map[string]bool{"A": true}, "A", "B")
	ctx := context.Background()

	f.ctrl.Tick(ctx)
	assert.Equal(t, 1, f.ctrl.ConnectedCount())
	assert.Equal(t, StateConnected, f.state("A"))
	assert.Equal(t, StateFailed, f.state("B"))
	assert.EqualValues(t, 1, f.stats.Snapshot().DialFailures)

	// still inside the backoff window
	f.now = f.now.Add(30 * time.Second)
	f.ctrl.Tick(ctx)
	assert.Equal(t, StateFailed, f.state("B"))

	f.now = f.now.Add(31 * time.Second)
	f.ctrl.Tick(ctx)
	assert.Equal(t, StatePending, f.state("B"))
	// A satisfies the minimum, so B is not redialed
	assert.Equal(t, 1, f.dialer.count("B"))
}

func TestRedialsWhenBelowMinimum(t *testing.T) {
	f := newFixture(t, Config{MinConnections: 2, Backoff: time.Second},
		map[string]bool{"A": true}, "A", "B")
	ctx := context.Background()

	f.ctrl.Tick(ctx)
	f.now = f.now.Add(2 * time.Second)
	f.ctrl.Tick(ctx)
	assert.Equal(t, 2, f.dialer.count("B"))
	assert.Equal(t, 1, f.dialer.count("A"))
	assert.Equal(t, StateFailed, f.state("B"))
	assert.Equal(t, 2, f.ctrl.Targets()[1].Retries)
}

func TestMaxConnectionsCapsDials(t *testing.T) {
	ok := map[string]bool{"A": true, "B": true, "C": true}
	f := newFixture(t, Config{MinConnections: 3, MaxConnections: 2}, ok, "A", "B", "C")
	f.ctrl.Tick(context.Background())
	assert.Equal(t, 2, f.ctrl.ConnectedCount())
	assert.Equal(t, StatePending, f.state("C"))
}

func TestMinConnectionsClampedToMax(t *testing.T) {
	cfg := Config{MinConnections: 3, MaxConnections: 2}.withDefaults()
	assert.Equal(t, 2, cfg.MaxConnections)
	assert.Equal(t, 2, cfg.MinConnections)
}

func TestClosedLinkBecomesFailed(t *testing.T) {
	f := newFixture(t, Config{MinConnections: 1, Backoff: time.Second},
		map[string]bool{"A": true}, "A")
	f.ctrl.Tick(context.Background())
	require.Equal(t, 1, f.ctrl.ConnectedCount())

	close(f.release)
	f.ctrl.Wait()
	assert.Equal(t, StateFailed, f.state("A"))
	assert.Equal(t, 0, f.ctrl.ConnectedCount())

	f.now = f.now.Add(time.Second)
	f.ctrl.Tick(context.Background())
	assert.Equal(t, 2, f.dialer.count("A"))
}

func TestAddTarget(t *testing.T) {
	f := newFixture(t, Config{}, nil, "A")
	assert.False(t, f.ctrl.AddTarget("A"))
	assert.False(t, f.ctrl.AddTarget(""))
	assert.True(t, f.ctrl.AddTarget("B"))
	targets := f.ctrl.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, "B", targets[1].Addr)
	assert.Equal(t, StatePending, targets[1].State)
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond}, map[string]bool{}, "A")
	ctx, cancel := context.WithCancel(context.Background())
	var done atomic.Bool
	go func() {
		f.ctrl.Start(ctx)
		done.Store(true)
	}()
	require.Eventually(t, func() bool { return f.dialer.count("A") >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, done.Load, time.Second, 5*time.Millisecond)
}

func TestOnTickReportsCounts(t *testing.T) {
	var connected, total int
	cfg := Config{OnTick: func(c, n int) { connected, total = c, n }}
	f := newFixture(t, cfg, map[string]bool{"A": true}, "A", "B")
	f.ctrl.Tick(context.Background())
	assert.Equal(t, 1, connected)
	assert.Equal(t, 2, total)
}
