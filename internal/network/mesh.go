package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
)

// DefaultTopic is the floodsub topic signed results are broadcast on.
const DefaultTopic = "compute-tasks"

// MeshConfig holds overlay configuration
type MeshConfig struct {
	ListenAddrs     []string      `json:"listen_addrs"`
	BootstrapPeers  []string      `json:"bootstrap_peers"` // Full /p2p/ multiaddrs
	Topic           string        `json:"topic"`
	EnableMDNS      bool          `json:"enable_mdns"`
	MDNSServiceName string        `json:"mdns_service_name"`
	EventBuffer     int           `json:"event_buffer"`
	DialTimeout     time.Duration `json:"dial_timeout"`
}

// DefaultMeshConfig returns defaults for the compute-tasks overlay.
func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		ListenAddrs:     []string{"/ip4/0.0.0.0/tcp/0"},
		Topic:           DefaultTopic,
		EnableMDNS:      true,
		MDNSServiceName: mdns.ServiceName,
		EventBuffer:     256,
		DialTimeout:     10 * time.Second,
	}
}

// Mesh is the gossip side of the worker: a libp2p host joined to a single
// floodsub topic. Overlay activity is surfaced as a stream of Events.
type Mesh struct {
	host     libp2p_host.Host
	ownsHost bool
	config   MeshConfig

	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service
	conns event.Subscription

	events   chan Event
	emitMu   sync.RWMutex
	closed   bool
	closeErr error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *slog.Logger
}

// StartMesh creates a TCP/noise/yamux host for priv and joins the topic.
func StartMesh(ctx context.Context, config MeshConfig, priv crypto.PrivKey, logger *slog.Logger) (*Mesh, error) {
	listen := make([]ma.Multiaddr, 0, len(config.ListenAddrs))
	for _, addr := range config.ListenAddrs {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
		listen = append(listen, maddr)
	}

	host, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}

	m, err := NewMeshWithHost(ctx, host, config, logger)
	if err != nil {
		_ = host.Close()
		return nil, err
	}
	m.ownsHost = true
	return m, nil
}

// NewMeshWithHost joins the topic on an existing host. The caller keeps
// ownership of the host. Cancelling ctx does not stop the mesh; only Close
// does, so queued results can still be published during shutdown.
func NewMeshWithHost(ctx context.Context, host libp2p_host.Host, config MeshConfig, logger *slog.Logger) (*Mesh, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultMeshConfig().EventBuffer
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultMeshConfig().DialTimeout
	}

	bootstrap := make([]peer.AddrInfo, 0, len(config.BootstrapPeers))
	for _, addr := range config.BootstrapPeers {
		info, err := ParsePeerAddr(addr)
		if err != nil {
			return nil, err
		}
		bootstrap = append(bootstrap, *info)
	}

	meshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Mesh{
		host:   host,
		config: config,
		events: make(chan Event, config.EventBuffer),
		ctx:    meshCtx,
		cancel: cancel,
		logger: logger.With("component", "mesh", "peer_id", ShortID(host.ID())),
	}

	// Other floodsub implementations on the topic publish unsigned messages.
	ps, err := pubsub.NewFloodSub(meshCtx, host,
		pubsub.WithMessageSignaturePolicy(pubsub.LaxNoSign),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start floodsub: %w", err)
	}
	m.ps = ps

	if m.topic, err = ps.Join(config.Topic); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to join topic %s: %w", config.Topic, err)
	}
	if m.sub, err = m.topic.Subscribe(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", config.Topic, err)
	}

	if m.conns, err = host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged)); err != nil {
		m.sub.Cancel()
		cancel()
		return nil, fmt.Errorf("failed to watch connections: %w", err)
	}

	m.wg.Add(2)
	go m.readMessages()
	go m.watchConnections()

	if config.EnableMDNS {
		m.mdns = mdns.NewMdnsService(host, config.MDNSServiceName, &mdnsNotifee{mesh: m})
		if err := m.mdns.Start(); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("failed to start mdns: %w", err)
		}
	}

	if len(bootstrap) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for _, info := range bootstrap {
				m.emit(Event{Kind: EventPeerDiscovered, Peer: info, Source: SourceBootstrap})
			}
		}()
	}

	m.logger.Info("mesh started",
		"topic", config.Topic,
		"addrs", m.Addrs(),
		"mdns", config.EnableMDNS,
		"bootstrap", len(bootstrap))
	return m, nil
}

// Events returns the overlay event stream. It is closed by Close.
func (m *Mesh) Events() <-chan Event {
	return m.events
}

// Publish broadcasts data on the topic.
func (m *Mesh) Publish(ctx context.Context, data []byte) error {
	return m.topic.Publish(ctx, data)
}

// Connect dials a discovered peer. Dialing self or an already connected
// peer is a no-op.
func (m *Mesh) Connect(ctx context.Context, info peer.AddrInfo) error {
	if info.ID == m.host.ID() {
		return nil
	}
	if m.host.Network().Connectedness(info.ID) == network.Connected {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()
	return m.host.Connect(dialCtx, info)
}

// Host returns the underlying libp2p host.
func (m *Mesh) Host() libp2p_host.Host {
	return m.host
}

// ID returns the local peer id.
func (m *Mesh) ID() peer.ID {
	return m.host.ID()
}

// Addrs returns the host's dialable /p2p/ multiaddrs.
func (m *Mesh) Addrs() []string {
	addrs := make([]string, 0, len(m.host.Addrs()))
	for _, a := range m.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a.String(), m.host.ID().String()))
	}
	return addrs
}

// TopicPeers returns the peers currently subscribed to the topic.
func (m *Mesh) TopicPeers() []peer.ID {
	return m.topic.ListPeers()
}

// Close stops discovery, leaves the topic and closes the event stream.
func (m *Mesh) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		var errs []error
		if m.mdns != nil {
			if err := m.mdns.Close(); err != nil {
				errs = append(errs, fmt.Errorf("mdns: %w", err))
			}
		}
		m.sub.Cancel()
		if err := m.conns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
		m.wg.Wait()
		if err := m.topic.Close(); err != nil {
			m.logger.Debug("topic close", "error", err)
		}

		m.emitMu.Lock()
		m.closed = true
		close(m.events)
		m.emitMu.Unlock()

		if m.ownsHost {
			if err := m.host.Close(); err != nil {
				errs = append(errs, fmt.Errorf("host: %w", err))
			}
		}
		m.closeErr = errors.Join(errs...)
		m.logger.Info("mesh stopped")
	})
	return m.closeErr
}

// emit delivers an event unless the mesh is shutting down.
func (m *Mesh) emit(ev Event) {
	m.emitMu.RLock()
	defer m.emitMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Mesh) readMessages() {
	defer m.wg.Done()
	for {
		msg, err := m.sub.Next(m.ctx)
		if err != nil {
			return
		}
		// pubsub delivers our own publishes locally; floodsub peers never do.
		if msg.ReceivedFrom == m.host.ID() {
			continue
		}
		m.emit(Event{Kind: EventMessage, From: msg.ReceivedFrom, Data: msg.Data})
	}
}

func (m *Mesh) watchConnections() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case raw, ok := <-m.conns.Out():
			if !ok {
				return
			}
			ev, ok := raw.(event.EvtPeerConnectednessChanged)
			if !ok {
				continue
			}
			switch ev.Connectedness {
			case network.Connected:
				m.emit(Event{
					Kind:   EventPeerDiscovered,
					Peer:   peer.AddrInfo{ID: ev.Peer, Addrs: m.host.Peerstore().Addrs(ev.Peer)},
					Source: SourceConnection,
				})
			case network.NotConnected:
				m.emit(Event{Kind: EventPeerExpired, Peer: peer.AddrInfo{ID: ev.Peer}, Source: SourceConnection})
			}
		}
	}
}

type mdnsNotifee struct {
	mesh *Mesh
}

// HandlePeerFound implements mdns.Notifee.
func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.mesh.host.ID() {
		return
	}
	n.mesh.emit(Event{Kind: EventPeerDiscovered, Peer: info, Source: SourceMDNS})
}

// ParsePeerAddr parses a full multiaddr ending in /p2p/<id>.
func ParsePeerAddr(addr string) (*peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("peer address %q has no peer id: %w", addr, err)
	}
	return info, nil
}

// ShortID abbreviates a peer id for logs.
func ShortID(id peer.ID) string {
	s := id.String()
	if len(s) <= 12 {
		return s
	}
	return s[len(s)-12:]
}
