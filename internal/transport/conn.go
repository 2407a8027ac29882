// Package transport carries relay frames over QUIC streams and WebSocket
// connections. Identity, encryption and multiplexing belong to the
// underlying protocol; this package only moves whole frames.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/SWAI-Ltd/relaymesh/internal/proto"
)

// Conn is one peer connection. Send must only be called from a single
// goroutine, and so must Recv. Close may be called from anywhere and sends
// a close notification where the protocol has one.
type Conn interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	RemoteAddr() string
	Close() error
}

// Options tune both transports.
type Options struct {
	MaxFrameSize int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = proto.DefaultMaxFrameSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 40 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Dial connects to a relay address. Accepted forms:
//
//	ws://host:port/path, wss://host:port/path
//	quic://host:port
//	/ip4/1.2.3.4/tcp/4001/ws[/p2p/...]
//	host:port (WebSocket)
func Dial(ctx context.Context, addr string, opts Options) (Conn, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return DialWS(ctx, addr, opts)
	case strings.HasPrefix(addr, "quic://"):
		return DialQUIC(ctx, strings.TrimPrefix(addr, "quic://"), opts)
	case strings.HasPrefix(addr, "/"):
		u, err := multiaddrToURL(addr)
		if err != nil {
			return nil, err
		}
		return DialWS(ctx, u, opts)
	default:
		return DialWS(ctx, "ws://"+addr+"/", opts)
	}
}

// multiaddrToURL handles the /ip4|ip6|dns/<host>/tcp/<port>/ws[s] subset
// used by bootstrap lists.
func multiaddrToURL(addr string) (string, error) {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	if len(parts) < 5 {
		return "", fmt.Errorf("transport: unsupported address %q", addr)
	}
	switch parts[0] {
	case "ip4", "ip6", "dns", "dns4", "dns6":
	default:
		return "", fmt.Errorf("transport: unsupported address %q", addr)
	}
	if parts[2] != "tcp" {
		return "", fmt.Errorf("transport: unsupported address %q", addr)
	}
	scheme := "ws"
	switch parts[4] {
	case "ws":
	case "wss", "tls":
		scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported address %q", addr)
	}
	return fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(parts[1], parts[3])), nil
}
