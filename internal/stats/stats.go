// Package stats holds the process-wide relay counters. A *NodeStats is
// created once per node and passed to every component that mutates it.
package stats

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of NodeStats.
type Snapshot struct {
	MessagesReceived   uint64    `json:"messages_received"`
	MessagesRelayed    uint64    `json:"messages_relayed"`
	MessagesDuplicate  uint64    `json:"messages_duplicate"`
	MessagesRejected   uint64    `json:"messages_rejected"`
	SendFailures       uint64    `json:"send_failures"`
	DialFailures       uint64    `json:"dial_failures"`
	BytesTransferred   uint64    `json:"bytes_transferred"`
	ConnectedPeerCount int64     `json:"connected_peer_count"`
	StartTime          time.Time `json:"start_time"`
	Uptime             float64   `json:"uptime"`
}

type NodeStats struct {
	messagesReceived  atomic.Uint64
	messagesRelayed   atomic.Uint64
	messagesDuplicate atomic.Uint64
	messagesRejected  atomic.Uint64
	sendFailures      atomic.Uint64
	dialFailures      atomic.Uint64
	bytesTransferred  atomic.Uint64
	connectedPeers    atomic.Int64
	startTime         time.Time
}

func New() *NodeStats {
	return &NodeStats{startTime: time.Now().UTC()}
}

func (s *NodeStats) IncMessagesReceived() { s.messagesReceived.Add(1) }

// IncMessagesRelayed counts one copy queued for a subscriber.
func (s *NodeStats) IncMessagesRelayed() { s.messagesRelayed.Add(1) }

func (s *NodeStats) IncMessagesDuplicate() { s.messagesDuplicate.Add(1) }

func (s *NodeStats) IncMessagesRejected() { s.messagesRejected.Add(1) }

func (s *NodeStats) IncSendFailures() { s.sendFailures.Add(1) }

func (s *NodeStats) IncDialFailures() { s.dialFailures.Add(1) }

func (s *NodeStats) AddBytes(n int) {
	if n > 0 {
		s.bytesTransferred.Add(uint64(n))
	}
}

// SetConnectedPeers records the registry size after every add/remove.
func (s *NodeStats) SetConnectedPeers(n int) { s.connectedPeers.Store(int64(n)) }

func (s *NodeStats) StartTime() time.Time { return s.startTime }

// Uptime is measured from New.
func (s *NodeStats) Uptime() time.Duration { return time.Since(s.startTime) }

func (s *NodeStats) Snapshot() Snapshot {
	return Snapshot{
		MessagesReceived:   s.messagesReceived.Load(),
		MessagesRelayed:    s.messagesRelayed.Load(),
		MessagesDuplicate:  s.messagesDuplicate.Load(),
		MessagesRejected:   s.messagesRejected.Load(),
		SendFailures:       s.sendFailures.Load(),
		DialFailures:       s.dialFailures.Load(),
		BytesTransferred:   s.bytesTransferred.Load(),
		ConnectedPeerCount: s.connectedPeers.Load(),
		StartTime:          s.startTime,
		Uptime:             s.Uptime().Seconds(),
	}
}
