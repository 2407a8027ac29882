package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/client"
	"github.com/SWAI-Ltd/relaymesh/internal/logging"
)

func main() {
	relay := flag.String("relay", "ws://localhost:4001/", "relay address (ws://, wss://, quic:// or multiaddr)")
	mode := flag.String("mode", "sub", "sub | pub")
	topic := flag.String("topic", "zeta-network-global", "topic")
	message := flag.String("message", `"hello"`, "JSON content to publish in pub mode")
	count := flag.Int("count", 1, "messages to publish in pub mode")
	interval := flag.Duration("interval", time.Second, "delay between publishes")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logging.New(logging.Config{Level: *level, Console: true})
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, client.Config{RelayAddr: *relay, Logger: log})
	dialCancel()
	if err != nil {
		log.Fatal("connect failed", zap.String("relay", *relay), zap.Error(err))
	}
	defer c.Close()

	if w, err := c.Welcome(ctx); err == nil {
		log.Info("connected", zap.String("relay_id", w.RelayID), zap.Int("peers", w.Peers), zap.Strings("topics", w.Topics))
	}

	switch *mode {
	case "sub":
		if err := c.Subscribe(ctx, *topic); err != nil {
			log.Fatal("subscribe failed", zap.Error(err))
		}
		log.Info("subscribed", zap.String("topic", *topic))
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-c.Messages():
				if !ok {
					log.Warn("relay closed the connection")
					return
				}
				fmt.Printf("[%s] %s %s\n", m.Topic, m.ID, string(m.Content))
			}
		}
	case "pub":
		var content json.RawMessage
		if err := json.Unmarshal([]byte(*message), &content); err != nil {
			log.Fatal("message must be valid JSON", zap.Error(err))
		}
		for i := 0; i < *count; i++ {
			ack, err := c.Publish(ctx, *topic, content)
			if err != nil {
				log.Error("publish failed", zap.Error(err))
			} else {
				log.Info("published", zap.String("message_id", ack.MessageID), zap.String("status", ack.Status))
			}
			if i+1 < *count {
				select {
				case <-ctx.Done():
					return
				case <-time.After(*interval):
				}
			}
		}
	default:
		fmt.Println("usage: node -mode sub|pub [-relay ws://localhost:4001/] [-topic zeta-network-global] [-message '\"hi\"']")
		os.Exit(2)
	}
}
