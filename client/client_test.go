package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/mesh"
	"github.com/SWAI-Ltd/relaymesh/internal/proto"
	"github.com/SWAI-Ltd/relaymesh/internal/stats"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := mesh.NewRelayServer(mesh.Config{
		RelayID:        "relay-test",
		Version:        "test",
		Topics:         []string{"global"},
		MaxPayloadSize: 64,
	}, stats.New(), zap.NewNop())
	addr, err := srv.ListenWS("127.0.0.1:0")
	require.NoError(t, err)
	srv.SetStatus(mesh.StatusReady)
	t.Cleanup(srv.Shutdown)
	return "ws://" + addr + "/"
}

func dial(t *testing.T, ctx context.Context, addr string) *Client {
	t.Helper()
	c, err := Dial(ctx, Config{RelayAddr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPublishSubscribe(t *testing.T) {
	addr := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := dial(t, ctx, addr)
	sub := dial(t, ctx, addr)

	w, err := sub.Welcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, "relay-test", w.RelayID)

	require.NoError(t, sub.Subscribe(ctx, "global"))
	ack, err := pub.Publish(ctx, "global", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRelayed, ack.Status)

	select {
	case m := <-sub.Messages():
		assert.Equal(t, ack.MessageID, m.ID)
		assert.Equal(t, "global", m.Topic)
		assert.JSONEq(t, `{"n":1}`, string(m.Content))
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}

func TestPublishRejected(t *testing.T) {
	addr := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, addr)
	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}
	ack, err := c.Publish(ctx, "global", string(big))
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "PayloadTooLarge", ack.Error)
}

func TestPingHealthStats(t *testing.T) {
	addr := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, addr)
	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.Clients)

	s, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "relay-test", s.Relay.ID)
	raw, err := json.Marshal(s.Stats)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "messages_relayed")
}

func TestCloseIsIdempotent(t *testing.T) {
	addr := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{RelayAddr: addr})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Publish(ctx, "global", "x")
	require.ErrorIs(t, err, ErrClosed)
	_, ok := <-c.Messages()
	assert.False(t, ok)
}
