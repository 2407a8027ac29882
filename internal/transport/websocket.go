package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn carries one frame per WebSocket text message and keeps the
// connection alive with control pings.
type WSConn struct {
	conn      *websocket.Conn
	opts      Options
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, opts Options) *WSConn {
	opts = opts.withDefaults()
	c := &WSConn{conn: conn, opts: opts, done: make(chan struct{})}
	conn.SetReadLimit(int64(opts.MaxFrameSize))
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	go c.keepalive()
	return c
}

func (c *WSConn) keepalive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl is safe alongside the single writer
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *WSConn) Send(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *WSConn) Recv() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// any inbound traffic counts as liveness
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a normal-closure frame before closing the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay closing")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is an orderly end of a WebSocket
// connection rather than a failure worth logging.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}

// WSServer accepts WebSocket upgrades on any path.
type WSServer struct {
	listener net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	handler  func(Conn)
	opts     Options
}

// ListenWS starts a WebSocket server on addr. handler runs for the lifetime
// of each connection.
func ListenWS(addr string, opts Options, handler func(Conn)) (*WSServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &WSServer{
		listener: ln,
		handler:  handler,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browsers connect from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

func (s *WSServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}
	s.handler(newWSConn(conn, s.opts))
}

func (s *WSServer) LocalAddr() string {
	return s.listener.Addr().String()
}

// Close stops accepting. Upgraded connections are owned by their handlers.
func (s *WSServer) Close() error {
	return s.srv.Close()
}

// DialWS opens a WebSocket connection to url.
func DialWS(ctx context.Context, url string, opts Options) (*WSConn, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, opts), nil
}
