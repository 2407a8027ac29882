// Package health runs the periodic stats report: a log line every
// interval plus a best-effort heartbeat to the relay directory.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/mesh"
)

const DefaultInterval = 30 * time.Second

// StatusSource is implemented by mesh.RelayServer.
type StatusSource interface {
	Status() mesh.StatusReport
}

// LinkCounter reports established relay-to-relay links. Implemented by
// bootstrap.Controller.
type LinkCounter interface {
	ConnectedCount() int
}

type Reporter struct {
	source   StatusSource
	links    LinkCounter
	hub      *HubClient
	interval time.Duration
	log      *zap.Logger
}

// NewReporter builds a reporter. hub may be nil to only log.
func NewReporter(source StatusSource, hub *HubClient, interval time.Duration, log *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{source: source, hub: hub, interval: interval, log: log}
}

// WithLinks sets the source of the heartbeat's peers_connected figure.
// Without it the reporter claims no relay links.
func (r *Reporter) WithLinks(l LinkCounter) *Reporter {
	r.links = l
	return r
}

// Run reports every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report emits one snapshot and returns it.
func (r *Reporter) Report(ctx context.Context) mesh.StatusReport {
	st := r.source.Status()
	links := 0
	if r.links != nil {
		links = r.links.ConnectedCount()
	}
	r.log.Info("relay stats",
		zap.String("status", st.Status),
		zap.Int("peers", st.Peers),
		zap.Int("relay_links", links),
		zap.Float64("uptime", st.Uptime),
		zap.Int("messages_cached", st.MessagesCached),
		zap.Uint64("messages_received", st.Stats.MessagesReceived),
		zap.Uint64("messages_relayed", st.Stats.MessagesRelayed),
		zap.Uint64("messages_duplicate", st.Stats.MessagesDuplicate),
		zap.Uint64("messages_rejected", st.Stats.MessagesRejected),
		zap.Uint64("bytes_transferred", st.Stats.BytesTransferred))

	if r.hub != nil {
		err := r.hub.Heartbeat(ctx, Heartbeat{
			RelayID:        st.RelayID,
			Status:         st.Status,
			ConnectedUsers: st.Peers,
			Topics:         st.Topics,
			MessagesCached: st.MessagesCached,
			PeersConnected: links,
		})
		if err != nil {
			r.log.Debug("heartbeat failed", zap.Error(err))
		}
	}
	return st
}
