package network

import (
	peer "github.com/libp2p/go-libp2p/core/peer"
)

// EventKind classifies overlay events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventPeerDiscovered
	EventPeerExpired
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventPeerDiscovered:
		return "peer_discovered"
	case EventPeerExpired:
		return "peer_expired"
	default:
		return "unknown"
	}
}

// Discovery sources.
const (
	SourceMDNS       = "mdns"
	SourceBootstrap  = "bootstrap"
	SourceConnection = "connection"
)

// Event is one item of the overlay event stream.
type Event struct {
	Kind   EventKind
	Peer   peer.AddrInfo // Discovered or expired peer
	From   peer.ID       // Message sender
	Data   []byte        // Message body
	Source string
}
