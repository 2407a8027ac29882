package mesh

import (
	"sync"

	"github.com/SWAI-Ltd/relaymesh/internal/stats"
)

// Registry tracks live peers and a topic -> subscribers index. Every
// mutation is serialized by mu; it never writes to the network.
type Registry struct {
	mu    sync.RWMutex
	peers map[uint64]*Peer
	subs  map[string]map[uint64]*Peer
	stats *stats.NodeStats
}

func NewRegistry(st *stats.NodeStats) *Registry {
	return &Registry{
		peers: make(map[uint64]*Peer),
		subs:  make(map[string]map[uint64]*Peer),
		stats: st,
	}
}

// Add registers p. Adding a registered peer is a no-op.
func (r *Registry) Add(p *Peer) bool {
	return r.AddLimited(p, 0)
}

// AddLimited registers p unless limit peers are already registered. The
// check and the insert happen under one lock. limit <= 0 means no limit.
func (r *Registry) AddLimited(p *Peer, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.peers) >= limit {
		return false
	}
	if _, ok := r.peers[p.id]; ok {
		return false
	}
	r.peers[p.id] = p
	for t := range p.topics {
		r.indexLocked(t, p)
	}
	r.stats.SetConnectedPeers(len(r.peers))
	return true
}

// Remove drops p and its subscriptions. A receive error and a send error
// can both remove the same peer, so unknown peers are ignored.
func (r *Registry) Remove(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.id]; !ok {
		return false
	}
	delete(r.peers, p.id)
	for t := range p.topics {
		r.unindexLocked(t, p.id)
	}
	r.stats.SetConnectedPeers(len(r.peers))
	return true
}

// Subscribe unions topics into p's subscription set.
func (r *Registry) Subscribe(p *Peer, topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, registered := r.peers[p.id]
	for _, t := range topics {
		if t == "" {
			continue
		}
		p.topics[t] = struct{}{}
		if registered {
			r.indexLocked(t, p)
		}
	}
}

func (r *Registry) indexLocked(topic string, p *Peer) {
	m, ok := r.subs[topic]
	if !ok {
		m = make(map[uint64]*Peer)
		r.subs[topic] = m
	}
	m[p.id] = p
}

func (r *Registry) Unsubscribe(p *Peer, topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		delete(p.topics, t)
		r.unindexLocked(t, p.id)
	}
}

func (r *Registry) unindexLocked(topic string, id uint64) {
	if m, ok := r.subs[topic]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(r.subs, topic)
		}
	}
}

// Topics returns p's subscriptions, sorted.
func (r *Registry) Topics(p *Peer) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return p.topicList()
}

// FanoutTargets returns every peer subscribed to topic except excluding.
// Order is unspecified.
func (r *Registry) FanoutTargets(topic string, excluding *Peer) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.subs[topic]
	out := make([]*Peer, 0, len(m))
	for id, p := range m {
		if excluding != nil && id == excluding.id {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Peers returns a snapshot of registered peers.
func (r *Registry) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
