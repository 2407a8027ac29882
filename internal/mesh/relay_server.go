package mesh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/cache"
	"github.com/SWAI-Ltd/relaymesh/internal/proto"
	"github.com/SWAI-Ltd/relaymesh/internal/stats"
	"github.com/SWAI-Ltd/relaymesh/internal/transport"
)

// Node lifecycle states, reported in heartbeats and status queries.
const (
	StatusStarting     = "starting"
	StatusConnecting   = "connecting"
	StatusReady        = "ready"
	StatusError        = "error"
	StatusShuttingDown = "shutting_down"
)

// Config for RelayServer
type Config struct {
	RelayID string
	Version string
	// Topics are advertised in the welcome frame and subscribed on
	// bootstrap links.
	Topics         []string
	Port           int
	MaxConnections int
	SendQueue      int
	MaxPayloadSize int
	MaxClockSkew   time.Duration
	CacheSize      int
	Transport      transport.Options
}

// RelayServer is the relay core: it owns the registry, the message cache
// and the dissemination engine, and runs one read loop per connection.
type RelayServer struct {
	cfg      Config
	log      *zap.Logger
	stats    *stats.NodeStats
	registry *Registry
	cache    *cache.MessageCache
	engine   *Engine

	nextID atomic.Uint64
	status atomic.Value

	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	ws        *transport.WSServer
	quic      *transport.QUICServer
	cancelLis context.CancelFunc

	shutdownOnce sync.Once
}

func NewRelayServer(cfg Config, st *stats.NodeStats, log *zap.Logger) *RelayServer {
	if log == nil {
		log = zap.NewNop()
	}
	r := &RelayServer{
		cfg:      cfg,
		log:      log,
		stats:    st,
		registry: NewRegistry(st),
		cache:    cache.New(cfg.CacheSize),
	}
	r.engine = NewEngine(cfg.RelayID, r.cache, r.registry,
		proto.NewValidator(cfg.MaxPayloadSize, cfg.MaxClockSkew), st, log.Named("engine"))
	r.status.Store(StatusStarting)
	return r
}

func (r *RelayServer) Registry() *Registry { return r.registry }

func (r *RelayServer) Cache() *cache.MessageCache { return r.cache }

func (r *RelayServer) Engine() *Engine { return r.engine }

func (r *RelayServer) RelayID() string { return r.cfg.RelayID }

func (r *RelayServer) SetStatus(s string) { r.status.Store(s) }

func (r *RelayServer) NodeStatus() string { return r.status.Load().(string) }

// ListenWS accepts WebSocket peers on addr.
func (r *RelayServer) ListenWS(addr string) (string, error) {
	srv, err := transport.ListenWS(addr, r.cfg.Transport, r.Serve)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.ws = srv
	r.mu.Unlock()
	r.log.Info("relay listening", zap.String("transport", "websocket"), zap.String("addr", srv.LocalAddr()))
	return srv.LocalAddr(), nil
}

// ListenQUIC accepts QUIC peers on addr.
func (r *RelayServer) ListenQUIC(addr string) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := transport.ListenQUIC(ctx, addr, r.cfg.Transport, r.Serve)
	if err != nil {
		cancel()
		return "", err
	}
	r.mu.Lock()
	r.quic = srv
	r.cancelLis = cancel
	r.mu.Unlock()
	r.log.Info("relay listening", zap.String("transport", "quic"), zap.String("addr", srv.LocalAddr()))
	return srv.LocalAddr(), nil
}

// begin registers a connection goroutine unless shutdown has started.
func (r *RelayServer) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

// Serve runs one inbound connection until it closes.
func (r *RelayServer) Serve(conn transport.Conn) {
	if !r.begin() {
		_ = conn.Close()
		return
	}
	defer r.wg.Done()
	p, ok := r.attach(conn, false, r.cfg.MaxConnections)
	if !ok {
		r.log.Warn("connection limit reached, refusing peer", zap.String("addr", conn.RemoteAddr()))
		_ = conn.Close()
		return
	}
	r.log.Info("peer connected", zap.Uint64("peer", p.ID()), zap.String("addr", p.RemoteAddr()),
		zap.Int("total", r.registry.Count()))
	r.reply(p, proto.Welcome{
		Type:      proto.TypeWelcome,
		RelayID:   r.cfg.RelayID,
		Timestamp: proto.Timestamp(time.Now()),
		Peers:     r.registry.Count(),
		Topics:    r.cfg.Topics,
		Version:   r.cfg.Version,
	})
	r.readLoop(p)
}

// ServeLink runs an outbound link to another relay. The remote is
// subscribed locally to the configured topics and asked to subscribe us,
// so publishes flow both ways; dedup by id stops them looping.
func (r *RelayServer) ServeLink(conn transport.Conn) {
	if !r.begin() {
		_ = conn.Close()
		return
	}
	defer r.wg.Done()
	// bootstrap links are bounded by the controller, not the accept limit
	p, _ := r.attach(conn, true, 0)
	r.registry.Subscribe(p, r.cfg.Topics)
	r.reply(p, proto.SubscribeFrame{Type: proto.TypeSubscribe, Topics: r.cfg.Topics})
	r.log.Info("relay link up", zap.Uint64("peer", p.ID()), zap.String("addr", p.RemoteAddr()))
	r.readLoop(p)
}

func (r *RelayServer) attach(conn transport.Conn, outbound bool, limit int) (*Peer, bool) {
	p := newPeer(r.nextID.Add(1), conn, r.cfg.SendQueue, outbound, r.stats, r.log)
	if !r.registry.AddLimited(p, limit) {
		return nil, false
	}
	go p.writeLoop()
	// Shutdown sets closed before it snapshots the registry, so a peer
	// added after that snapshot closes itself here.
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		p.Close()
	}
	return p, true
}

func (r *RelayServer) readLoop(p *Peer) {
	defer func() {
		r.registry.Remove(p)
		p.Close()
		r.log.Info("peer disconnected", zap.Uint64("peer", p.ID()), zap.String("addr", p.RemoteAddr()),
			zap.Int("total", r.registry.Count()))
	}()
	for {
		data, err := p.conn.Recv()
		if err != nil {
			select {
			case <-p.Done():
			default:
				if !transport.IsNormalClose(err) {
					r.log.Debug("receive ended", zap.Uint64("peer", p.ID()), zap.Error(err))
				}
			}
			return
		}
		p.touch()
		r.stats.AddBytes(len(data))
		r.handleFrame(p, data)
	}
}

func (r *RelayServer) handleFrame(p *Peer, data []byte) {
	typ, err := proto.PeekType(data)
	if err != nil {
		r.log.Debug("ignoring unparseable frame", zap.Uint64("peer", p.ID()))
		return
	}
	switch typ {
	case proto.TypePing:
		r.reply(p, proto.Pong{Type: proto.TypePong, Timestamp: proto.Timestamp(time.Now())})
	case proto.TypeSubscribe:
		r.handleSubscribe(p, data)
	case proto.TypeUnsubscribe:
		r.handleUnsubscribe(p, data)
	case proto.TypePublish:
		r.engine.HandlePublish(p, data)
	case proto.TypeHealth:
		r.reply(p, proto.HealthResponse{
			Type:      proto.TypeHealthResponse,
			Status:    "healthy",
			Clients:   r.registry.Count(),
			Uptime:    r.stats.Uptime().Seconds(),
			Version:   r.cfg.Version,
			Timestamp: proto.Timestamp(time.Now()),
		})
	case proto.TypeStats:
		r.reply(p, proto.StatsResponse{
			Type:      proto.TypeStatsResponse,
			Stats:     r.statsBody(),
			Relay:     proto.RelayInfo{ID: r.cfg.RelayID, Port: r.cfg.Port, Version: r.cfg.Version},
			Timestamp: proto.Timestamp(time.Now()),
		})
	default:
		r.log.Debug("ignoring frame", zap.String("type", typ), zap.Uint64("peer", p.ID()))
	}
}

func (r *RelayServer) handleSubscribe(p *Peer, data []byte) {
	s, err := proto.DecodeSubscribe(data)
	if err != nil || len(s.Topics) == 0 {
		r.log.Debug("ignoring empty subscribe", zap.Uint64("peer", p.ID()))
		return
	}
	r.registry.Subscribe(p, s.Topics)
	r.log.Info("subscribed", zap.Uint64("peer", p.ID()), zap.Strings("topics", s.Topics))
	r.reply(p, proto.Subscribed{Type: proto.TypeSubscribed, Topics: s.Topics, Timestamp: proto.Timestamp(time.Now())})
}

func (r *RelayServer) handleUnsubscribe(p *Peer, data []byte) {
	s, err := proto.DecodeSubscribe(data)
	if err != nil || len(s.Topics) == 0 {
		return
	}
	r.registry.Unsubscribe(p, s.Topics)
	r.reply(p, proto.Subscribed{Type: proto.TypeUnsubscribed, Topics: s.Topics, Timestamp: proto.Timestamp(time.Now())})
}

func (r *RelayServer) reply(p *Peer, v any) {
	frame, err := proto.Encode(v)
	if err != nil {
		r.log.Error("encode reply", zap.Error(err))
		return
	}
	if err := p.Enqueue(frame); err != nil {
		r.stats.IncSendFailures()
	}
}

func (r *RelayServer) statsBody() proto.StatsBody {
	return proto.StatsBody{
		Snapshot:         r.stats.Snapshot(),
		ClientsConnected: r.registry.Count(),
		MessagesCached:   r.cache.Len(),
	}
}

// StatusReport answers the external status query.
type StatusReport struct {
	RelayID        string         `json:"relay_id"`
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	Uptime         float64        `json:"uptime"`
	Peers          int            `json:"connected_peers"`
	MessagesCached int            `json:"messages_cached"`
	Topics         []string       `json:"topics"`
	Stats          stats.Snapshot `json:"stats"`
	Timestamp      string         `json:"timestamp"`
}

func (r *RelayServer) Status() StatusReport {
	return StatusReport{
		RelayID:        r.cfg.RelayID,
		Status:         r.NodeStatus(),
		Version:        r.cfg.Version,
		Uptime:         r.stats.Uptime().Seconds(),
		Peers:          r.registry.Count(),
		MessagesCached: r.cache.Len(),
		Topics:         r.cfg.Topics,
		Stats:          r.stats.Snapshot(),
		Timestamp:      proto.Timestamp(time.Now()),
	}
}

// Shutdown stops the listeners, closes every peer with a close
// notification and waits for their loops. Later calls are no-ops.
func (r *RelayServer) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.SetStatus(StatusShuttingDown)
		r.mu.Lock()
		r.closed = true
		ws, q, cancel := r.ws, r.quic, r.cancelLis
		r.mu.Unlock()

		if ws != nil {
			_ = ws.Close()
		}
		if cancel != nil {
			cancel()
		}
		if q != nil {
			_ = q.Close()
		}
		for _, p := range r.registry.Peers() {
			p.Close()
		}
		r.wg.Wait()
		r.log.Info("relay stopped")
	})
}
