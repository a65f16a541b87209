package worker

import (
	"sync"

	peer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/computeshare/internal/metrics"
)

// PeerSet is the gossip membership view. Only the gossip loop mutates it.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[peer.ID]peer.AddrInfo
}

func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[peer.ID]peer.AddrInfo)}
}

// Add records a peer and reports whether it was new.
func (s *PeerSet) Add(info peer.AddrInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.peers[info.ID]
	s.peers[info.ID] = info
	metrics.PeersKnown.Set(float64(len(s.peers)))
	return !known
}

// Remove forgets a peer and reports whether it was present.
func (s *PeerSet) Remove(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	metrics.PeersKnown.Set(float64(len(s.peers)))
	return true
}

func (s *PeerSet) Contains(id peer.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
