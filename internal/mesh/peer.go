package mesh

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/stats"
	"github.com/SWAI-Ltd/relaymesh/internal/transport"
)

// ErrSendFailure covers every dropped outbound frame: a full queue, a
// closed peer, or a transport write error.
var ErrSendFailure = errors.New("send failure")

var (
	errQueueFull  = fmt.Errorf("%w: outbound queue full", ErrSendFailure)
	errPeerClosed = fmt.Errorf("%w: peer closed", ErrSendFailure)
)

const DefaultSendQueue = 256

// Peer is one live connection. Its outbound queue is bounded and drained
// by a single writer goroutine, the only caller of conn.Send.
type Peer struct {
	id       uint64
	conn     transport.Conn
	addr     string
	outbound bool
	stats    *stats.NodeStats
	log      *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// topics is guarded by the owning Registry's lock.
	topics       map[string]struct{}
	lastActivity atomic.Int64
}

func newPeer(id uint64, conn transport.Conn, queue int, outbound bool, st *stats.NodeStats, log *zap.Logger) *Peer {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	p := &Peer{
		id:       id,
		conn:     conn,
		addr:     conn.RemoteAddr(),
		outbound: outbound,
		stats:    st,
		log:      log,
		send:     make(chan []byte, queue),
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
	}
	p.touch()
	return p
}

func (p *Peer) ID() uint64 { return p.id }

func (p *Peer) RemoteAddr() string { return p.addr }

// Outbound is true for links this node dialed.
func (p *Peer) Outbound() bool { return p.outbound }

func (p *Peer) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

func (p *Peer) touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// Enqueue queues frame for delivery without blocking.
func (p *Peer) Enqueue(frame []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (p *Peer) writeLoop() {
	defer p.conn.Close()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			if err := p.conn.Send(frame); err != nil {
				p.log.Debug("write failed", zap.Uint64("peer", p.id), zap.Error(err))
				p.stats.IncSendFailures()
				p.Close()
				return
			}
			p.stats.AddBytes(len(frame))
		}
	}
}

// Close stops the writer, which closes the transport. Safe to call twice.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Done is closed once the peer is closing.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) topicList() []string {
	out := make([]string, 0, len(p.topics))
	for t := range p.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
