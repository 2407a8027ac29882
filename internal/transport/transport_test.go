package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMultiaddrToURL(t *testing.T) {
	u, err := multiaddrToURL("/ip4/65.75.201.11/tcp/4001/ws/p2p/12D3KooWPrimaryRelayKey")
	require.NoError(t, err)
	require.Equal(t, "ws://65.75.201.11:4001/", u)

	u, err = multiaddrToURL("/ip6/::1/tcp/443/wss")
	require.NoError(t, err)
	require.Equal(t, "wss://[::1]:443/", u)

	_, err = multiaddrToURL("/ip4/1.2.3.4/udp/4001/quic")
	require.Error(t, err)
}

func TestWebSocketRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	srv, err := ListenWS("127.0.0.1:0", Options{}, func(c Conn) {
		defer c.Close()
		data, err := c.Recv()
		if err != nil {
			return
		}
		received <- data
		_ = c.Send([]byte(`{"type":"pong"}`))
		// wait for the peer to hang up
		_, _ = c.Recv()
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.LocalAddr(), Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send([]byte(`{"type":"ping"}`)))
	select {
	case data := <-received:
		require.Equal(t, `{"type":"ping"}`, string(data))
	case <-ctx.Done():
		t.Fatal("server never received the frame")
	}
	reply, err := c.Recv()
	require.NoError(t, err)
	require.Equal(t, `{"type":"pong"}`, string(reply))
}

func TestQUICRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := ListenQUIC(ctx, "127.0.0.1:0", Options{}, func(c Conn) {
		defer c.Close()
		data, err := c.Recv()
		if err != nil {
			return
		}
		_ = c.Send(append([]byte(nil), data...))
		_, _ = c.Recv()
	})
	require.NoError(t, err)
	defer srv.Close()

	c, err := Dial(ctx, "quic://"+srv.LocalAddr(), Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send([]byte(`{"type":"ping"}`)))
	reply, err := c.Recv()
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`, string(reply))
}

func TestDialRejectsUnsupportedMultiaddr(t *testing.T) {
	_, err := Dial(context.Background(), "/ip4/1.2.3.4/udp/1/quic", Options{})
	require.Error(t, err)
}

func TestWebSocketOversizedFrameClosesConn(t *testing.T) {
	recvErr := make(chan error, 1)
	srv, err := ListenWS("127.0.0.1:0", Options{MaxFrameSize: 16}, func(c Conn) {
		defer c.Close()
		_, err := c.Recv()
		recvErr <- err
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.LocalAddr(), Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(make([]byte, 64)))
	select {
	case err := <-recvErr:
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("oversized frame was not refused")
	}
}
