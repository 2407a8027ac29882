// relay-check exercises a relay: it pings it, asks for health and stats, and
// optionally publishes a test message to a topic it is also subscribed to,
// confirming the relay acks it.
// Usage: go run ./cmd/relay-check -relay ws://localhost:4001/ -echo
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/SWAI-Ltd/relaymesh/client"
)

func main() {
	relay := flag.String("relay", "ws://localhost:4001/", "relay address")
	topic := flag.String("topic", "relay-check", "topic for the publish check")
	echo := flag.Bool("echo", false, "also publish a test message")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := check(ctx, *relay, *topic, *echo); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
		os.Exit(1)
	}
}

func check(ctx context.Context, relay, topic string, echo bool) error {
	c, err := client.Dial(ctx, client.Config{RelayAddr: relay})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	w, err := c.Welcome(ctx)
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	fmt.Printf("OK  welcome relay_id=%s version=%s peers=%d\n", w.RelayID, w.Version, w.Peers)

	rtt, err := c.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Printf("OK  ping rtt=%s\n", rtt.Round(time.Microsecond))

	h, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	fmt.Printf("OK  health status=%s clients=%d uptime=%.0fs\n", h.Status, h.Clients, h.Uptime)

	s, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	body, _ := json.MarshalIndent(s.Stats, "    ", "  ")
	fmt.Printf("OK  stats\n    %s\n", body)

	if !echo {
		return nil
	}
	if err := c.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ack, err := c.Publish(ctx, topic, map[string]string{"check": "relay-check"})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Printf("OK  publish message_id=%s status=%s\n", ack.MessageID, ack.Status)
	return nil
}
