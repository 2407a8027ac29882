// Package client is a small SDK for talking to a relay: subscribe to
// topics, publish messages and read deliveries from a channel, with
// context.Context for timeouts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/proto"
	"github.com/SWAI-Ltd/relaymesh/internal/transport"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

var (
	// ErrClosed is returned when using a client after Close.
	ErrClosed = errors.New("client closed")
	// ErrRejected is returned by Publish when the relay refused the message.
	ErrRejected = errors.New("message rejected")
)

// ReceivedMessage is a publish delivered to this client.
type ReceivedMessage struct {
	ID        string
	Topic     string
	Content   json.RawMessage
	Timestamp string
}

// Config configures the client.
type Config struct {
	// RelayAddr is any address transport.Dial accepts, e.g. "ws://localhost:4001".
	RelayAddr string
	// MessageBuffer sets the capacity of Messages(); 0 uses DefaultMessageBuffer.
	MessageBuffer int
	Transport     transport.Options
	Logger        *zap.Logger
}

// Client holds one relay connection. Deliveries that arrive while the
// Messages() channel is full are dropped.
type Client struct {
	conn transport.Conn
	log  *zap.Logger
	msgs chan ReceivedMessage
	done chan struct{}

	welcome chan proto.Welcome
	sendMu  sync.Mutex
	mu      sync.Mutex
	closed  bool
	acks    map[string]chan proto.Ack
	replies map[string][]chan []byte
}

// Dial connects to the relay and waits for its welcome frame.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := transport.Dial(ctx, cfg.RelayAddr, cfg.Transport)
	if err != nil {
		return nil, err
	}
	return newClient(conn, cfg), nil
}

func newClient(conn transport.Conn, cfg Config) *Client {
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		log:     log,
		msgs:    make(chan ReceivedMessage, buf),
		done:    make(chan struct{}),
		welcome: make(chan proto.Welcome, 1),
		acks:    make(map[string]chan proto.Ack),
		replies: make(map[string][]chan []byte),
	}
	go c.readLoop()
	return c
}

// Welcome returns the relay's greeting.
func (c *Client) Welcome(ctx context.Context) (proto.Welcome, error) {
	select {
	case w := <-c.welcome:
		c.welcome <- w
		return w, nil
	case <-c.done:
		return proto.Welcome{}, ErrClosed
	case <-ctx.Done():
		return proto.Welcome{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.msgs)
	for {
		data, err := c.conn.Recv()
		if err != nil {
			c.log.Debug("relay connection ended", zap.Error(err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	typ, err := proto.PeekType(data)
	if err != nil {
		return
	}
	switch typ {
	case proto.TypeWelcome:
		var w proto.Welcome
		if json.Unmarshal(data, &w) == nil {
			select {
			case c.welcome <- w:
			default:
			}
		}
	case proto.TypePublish:
		m, err := proto.DecodePublish(data)
		if err != nil {
			return
		}
		select {
		case c.msgs <- ReceivedMessage{ID: m.ID, Topic: m.Topic, Content: m.Payload, Timestamp: m.Timestamp}:
		default:
			c.log.Warn("message buffer full, dropping", zap.String("message_id", m.ID))
		}
	case proto.TypeAck:
		var a proto.Ack
		if json.Unmarshal(data, &a) != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.acks[a.MessageID]
		delete(c.acks, a.MessageID)
		c.mu.Unlock()
		if ok {
			ch <- a
		}
	default:
		c.mu.Lock()
		waiters := c.replies[typ]
		var ch chan []byte
		if len(waiters) > 0 {
			ch = waiters[0]
			c.replies[typ] = waiters[1:]
		}
		c.mu.Unlock()
		if ch != nil {
			ch <- data
		}
	}
}

func (c *Client) send(v any) error {
	frame, err := proto.Encode(v)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(frame)
}

// request sends v and waits for the next frame of type replyType.
func (c *Client) request(ctx context.Context, v any, replyType string) ([]byte, error) {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.replies[replyType] = append(c.replies[replyType], ch)
	c.mu.Unlock()

	if err := c.send(v); err != nil {
		c.dropWaiter(replyType, ch)
		return nil, err
	}
	select {
	case data := <-ch:
		return data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dropWaiter removes ch so a later reply goes to the next caller.
func (c *Client) dropWaiter(replyType string, ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.replies[replyType]
	for i, w := range q {
		if w == ch {
			c.replies[replyType] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Subscribe adds topics to this connection's subscriptions.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	_, err := c.request(ctx, proto.SubscribeFrame{Type: proto.TypeSubscribe, Topics: topics}, proto.TypeSubscribed)
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	_, err := c.request(ctx, proto.SubscribeFrame{Type: proto.TypeUnsubscribe, Topics: topics}, proto.TypeUnsubscribed)
	return err
}

// Publish sends content to topic under a fresh id and waits for the ack.
// A rejected message returns the ack together with ErrRejected.
func (c *Client) Publish(ctx context.Context, topic string, content any) (proto.Ack, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return proto.Ack{}, err
	}
	id := uuid.NewString()
	ch := make(chan proto.Ack, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return proto.Ack{}, ErrClosed
	}
	c.acks[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	err = c.send(proto.PublishFrame{
		Type:      proto.TypePublish,
		ID:        id,
		Topic:     topic,
		Content:   raw,
		Timestamp: proto.Timestamp(time.Now()),
	})
	if err != nil {
		return proto.Ack{}, err
	}
	select {
	case a := <-ch:
		if a.Status == proto.StatusRejected {
			return a, fmt.Errorf("%w: %s", ErrRejected, a.Error)
		}
		return a, nil
	case <-c.done:
		return proto.Ack{}, ErrClosed
	case <-ctx.Done():
		return proto.Ack{}, ctx.Err()
	}
}

// Ping measures one round trip to the relay.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, map[string]string{"type": proto.TypePing}, proto.TypePong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) Health(ctx context.Context) (proto.HealthResponse, error) {
	var h proto.HealthResponse
	data, err := c.request(ctx, map[string]string{"type": proto.TypeHealth}, proto.TypeHealthResponse)
	if err != nil {
		return h, err
	}
	return h, json.Unmarshal(data, &h)
}

func (c *Client) Stats(ctx context.Context) (proto.StatsResponse, error) {
	var s proto.StatsResponse
	data, err := c.request(ctx, map[string]string{"type": proto.TypeStats}, proto.TypeStatsResponse)
	if err != nil {
		return s, err
	}
	return s, json.Unmarshal(data, &s)
}

// Messages returns the channel of deliveries. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan ReceivedMessage {
	return c.msgs
}

// Close shuts the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
