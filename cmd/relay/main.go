package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/bootstrap"
	"github.com/SWAI-Ltd/relaymesh/internal/config"
	"github.com/SWAI-Ltd/relaymesh/internal/crypto"
	"github.com/SWAI-Ltd/relaymesh/internal/discovery"
	"github.com/SWAI-Ltd/relaymesh/internal/health"
	"github.com/SWAI-Ltd/relaymesh/internal/logging"
	"github.com/SWAI-Ltd/relaymesh/internal/mesh"
	"github.com/SWAI-Ltd/relaymesh/internal/stats"
	"github.com/SWAI-Ltd/relaymesh/internal/transport"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "config file (default $RELAY_CONFIG or config.yaml)")
	flag.Parse()

	cfg, cfgErr := config.Load(config.ResolvePath(*configPath))
	log := logging.New(cfg.Logging)
	defer func() { _ = log.Sync() }()
	if cfgErr != nil {
		log.Warn("using default configuration", zap.Error(cfgErr))
	}

	if err := run(cfg, log); err != nil {
		log.Error("relay failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	id, err := crypto.NewIdentity()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	log = log.With(zap.String("relay_id", id.ID))
	name := cfg.Relay.Name
	if name == "" {
		name = "Zeta-Relay-" + id.ID
	}

	// a second signal while shutting down is absorbed until stop runs
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := stats.New()
	topts := transport.Options{MaxFrameSize: cfg.Gossip.MaxMessageSize * 2}
	srv := mesh.NewRelayServer(mesh.Config{
		RelayID:        id.ID,
		Version:        version,
		Topics:         cfg.Gossip.Topics,
		Port:           cfg.Network.ListenPort,
		MaxConnections: cfg.Network.MaxConnections,
		SendQueue:      cfg.Relay.SendQueue,
		MaxPayloadSize: cfg.Gossip.MaxMessageSize,
		MaxClockSkew:   cfg.Gossip.ClockSkew(),
		CacheSize:      cfg.Gossip.MessageCacheSize,
		Transport:      topts,
	}, st, log.Named("relay"))
	defer srv.Shutdown()

	if _, err := srv.ListenWS(cfg.Network.ListenAddr()); err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}
	capabilities := []string{"relay", "websocket"}
	if addr := cfg.Network.QUICAddr(); addr != "" {
		if _, err := srv.ListenQUIC(addr); err != nil {
			return fmt.Errorf("quic listen: %w", err)
		}
		capabilities = append(capabilities, "quic")
	}

	if cfg.Metrics.Listen != "" {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux(st), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(sctx)
		}()
	}

	var hub *health.HubClient
	if cfg.Bootstrap.CentralHub != "" {
		hub = health.NewHubClient(cfg.Bootstrap.CentralHub)
		ip := cfg.Network.PublicIP
		if ip == "" {
			ip = "0.0.0.0"
		}
		assigned, err := hub.Register(ctx, health.Registration{
			Name:         name,
			Multiaddr:    fmt.Sprintf("/ip4/%s/tcp/%d/ws/p2p/%s", ip, cfg.Network.ListenPort, id.PeerID()),
			Endpoint:     fmt.Sprintf("wss://%s:%d", ip, cfg.Network.ListenPort),
			Type:         "websocket",
			Region:       cfg.Relay.Region,
			NodeID:       id.ID,
			Version:      version,
			Capabilities: capabilities,
		})
		if err != nil {
			log.Warn("hub registration failed", zap.Error(err))
		} else {
			log.Info("registered with hub", zap.String("hub_relay_id", assigned))
		}
	}

	srv.SetStatus(mesh.StatusConnecting)
	ctrl := bootstrap.NewController(bootstrap.Config{
		MinConnections: cfg.Bootstrap.MinConnections,
		MaxConnections: cfg.Bootstrap.MaxConnections,
		Interval:       cfg.Network.Heartbeat(),
		Backoff:        cfg.Bootstrap.Backoff(),
		DialTimeout:    cfg.Bootstrap.DialTimeoutDuration(),
		OnTick: func(connected, targets int) {
			updateStatus(srv, log, connected, targets, cfg.Bootstrap.MinConnections)
		},
	}, cfg.Bootstrap.BootstrapRelays, bootstrap.TransportDialer(topts), srv.ServeLink, st, log.Named("bootstrap"))

	if cfg.Discovery.Enabled {
		disc, err := discovery.New(name, cfg.Network.ListenPort, func(r discovery.Relay) {
			if ctrl.AddTarget(r.Addr) {
				log.Info("relay discovered", zap.String("name", r.Name), zap.String("addr", r.Addr))
			}
		})
		if err != nil {
			log.Warn("mdns discovery disabled", zap.Error(err))
		} else {
			defer disc.Close()
		}
	}

	go ctrl.Start(ctx)
	go health.NewReporter(srv, hub, cfg.Network.Heartbeat(), log.Named("health")).WithLinks(ctrl).Run(ctx)

	log.Info("relay ready",
		zap.String("name", name),
		zap.String("listen", cfg.Network.ListenAddr()),
		zap.Strings("topics", cfg.Gossip.Topics),
		zap.Int("bootstrap_targets", len(cfg.Bootstrap.BootstrapRelays)))

	<-ctx.Done()
	log.Info("relay shutting down")
	srv.Shutdown()
	ctrl.Wait()
	return nil
}

// updateStatus moves the relay between ready and error as bootstrap links
// come and go. A relay with no targets is ready on its own.
func updateStatus(srv *mesh.RelayServer, log *zap.Logger, connected, targets, minConns int) {
	prev := srv.NodeStatus()
	if prev == mesh.StatusShuttingDown {
		return
	}
	next := mesh.StatusReady
	if targets > 0 && connected < minConns {
		next = mesh.StatusError
	}
	if next == prev {
		return
	}
	srv.SetStatus(next)
	if next == mesh.StatusError {
		log.Warn("too few bootstrap connections", zap.Int("connected", connected), zap.Int("min", minConns))
	}
}

func metricsMux(st *stats.NodeStats) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", stats.Handler(st))
	return mux
}
