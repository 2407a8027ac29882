// Package bootstrap keeps outbound links to a fixed set of relay
// addresses, redialing failed ones after a backoff.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/stats"
	"github.com/SWAI-Ltd/relaymesh/internal/transport"
)

// ErrDialFailure wraps every failed dial attempt.
var ErrDialFailure = errors.New("dial failure")

type State string

const (
	StatePending   State = "pending"
	StateConnected State = "connected"
	StateFailed    State = "failed"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultBackoff        = 10 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultMinConnections = 1
	DefaultMaxConnections = 10
)

// Target is a snapshot of one bootstrap address.
type Target struct {
	Addr        string    `json:"addr"`
	State       State     `json:"state"`
	Retries     int       `json:"retries"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

type target struct {
	Target
	failedAt time.Time
}

// Dialer opens a link to a bootstrap address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (transport.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (transport.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	return f(ctx, addr)
}

// TransportDialer dials with transport.Dial.
func TransportDialer(opts transport.Options) Dialer {
	return DialerFunc(func(ctx context.Context, addr string) (transport.Conn, error) {
		return transport.Dial(ctx, addr, opts)
	})
}

type Config struct {
	MinConnections int
	MaxConnections int
	Interval       time.Duration
	Backoff        time.Duration
	DialTimeout    time.Duration
	// OnTick, if set, runs after every Tick with the connected and total
	// target counts.
	OnTick func(connected, targets int)
}

func (c Config) withDefaults() Config {
	if c.MinConnections <= 0 {
		c.MinConnections = DefaultMinConnections
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	// MaxConnections is the hard cap
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// Controller runs the reconnection policy. A connected link is handed to
// serve, which must block until the link closes; the target then becomes
// failed and waits out its backoff.
type Controller struct {
	cfg    Config
	dialer Dialer
	serve  func(transport.Conn)
	stats  *stats.NodeStats
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	targets map[string]*target
	order   []string
	links   sync.WaitGroup
}

func NewController(cfg Config, addrs []string, dialer Dialer, serve func(transport.Conn), st *stats.NodeStats, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		serve:   serve,
		stats:   st,
		log:     log,
		now:     time.Now,
		targets: make(map[string]*target),
	}
	for _, a := range addrs {
		c.AddTarget(a)
	}
	return c
}

// AddTarget adds addr in the pending state. Known or empty addresses are
// ignored.
func (c *Controller) AddTarget(addr string) bool {
	if addr == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.targets[addr]; ok {
		return false
	}
	c.targets[addr] = &target{Target: Target{Addr: addr, State: StatePending}}
	c.order = append(c.order, addr)
	return true
}

// Targets returns every target in insertion order.
func (c *Controller) Targets() []Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Target, 0, len(c.order))
	for _, a := range c.order {
		out = append(out, c.targets[a].Target)
	}
	return out
}

func (c *Controller) ConnectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Controller) connectedLocked() int {
	n := 0
	for _, t := range c.targets {
		if t.State == StateConnected {
			n++
		}
	}
	return n
}

// Start ticks once immediately and then every interval until ctx is done.
func (c *Controller) Start(ctx context.Context) {
	c.Tick(ctx)
	c.Run(ctx)
}

// Run ticks every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one reconnection cycle and returns once its dial attempts
// have finished. Failed targets whose backoff has expired go back to
// pending; if fewer than MinConnections are up, pending targets are
// dialed until MaxConnections would be reached.
func (c *Controller) Tick(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	var dial []string
	for _, a := range c.order {
		t := c.targets[a]
		if t.State == StateFailed && now.Sub(t.failedAt) >= c.cfg.Backoff {
			t.State = StatePending
		}
	}
	connected := c.connectedLocked()
	if connected < c.cfg.MinConnections {
		room := c.cfg.MaxConnections - connected
		for _, a := range c.order {
			if len(dial) >= room {
				break
			}
			t := c.targets[a]
			if t.State == StatePending {
				t.LastAttempt = now
				dial = append(dial, a)
			}
		}
	}
	c.mu.Unlock()
	defer c.afterTick()

	if len(dial) == 0 {
		return
	}
	c.log.Info("dialing bootstrap targets", zap.Int("connected", connected), zap.Strings("targets", dial))
	var wg sync.WaitGroup
	for _, a := range dial {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			c.dial(ctx, addr)
		}(a)
	}
	wg.Wait()
}

func (c *Controller) afterTick() {
	if c.cfg.OnTick == nil {
		return
	}
	c.mu.Lock()
	connected, total := c.connectedLocked(), len(c.targets)
	c.mu.Unlock()
	c.cfg.OnTick(connected, total)
}

func (c *Controller) dial(ctx context.Context, addr string) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dctx, addr)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrDialFailure, addr, err)
		c.stats.IncDialFailures()
		c.log.Warn("bootstrap dial failed", zap.Error(err))
		c.markFailed(addr, err)
		return
	}
	c.mu.Lock()
	if t, ok := c.targets[addr]; ok {
		t.State = StateConnected
		t.Retries = 0
		t.LastError = ""
	}
	c.mu.Unlock()
	c.log.Info("bootstrap target connected", zap.String("addr", addr))

	c.links.Add(1)
	go func() {
		defer c.links.Done()
		c.serve(conn)
		c.log.Info("bootstrap link closed", zap.String("addr", addr))
		c.markFailed(addr, errors.New("link closed"))
	}()
}

func (c *Controller) markFailed(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.targets[addr]
	if !ok {
		return
	}
	t.State = StateFailed
	t.Retries++
	t.failedAt = c.now()
	t.LastError = err.Error()
}

// Wait blocks until every served link has returned.
func (c *Controller) Wait() {
	c.links.Wait()
}
