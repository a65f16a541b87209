package worker

import (
	"context"

	"github.com/nmxmxh/computeshare/internal/metrics"
	"github.com/nmxmxh/computeshare/internal/network"
)

// gossipLoop multiplexes overlay events and queued results. It runs until
// ctx ends, then flushes what is still queued. It also ends once the event
// stream and the handoff queue are both finished.
func (w *Worker) gossipLoop(ctx context.Context) error {
	events := w.gossip.Events()
	for {
		// Shutdown wins over ready work so nothing is published on a dead ctx.
		if ctx.Err() != nil {
			w.flush()
			return nil
		}
		select {
		case <-ctx.Done():
			w.flush()
			return nil

		case ev, ok := <-events:
			if !ok {
				w.logger.Info("gossip event stream closed")
				events = nil
				if w.queue.Drained() {
					return nil
				}
				continue
			}
			w.handleEvent(ctx, ev)

		case <-w.queue.Ready():
			w.publishPending(ctx)
			if events == nil && w.queue.Drained() {
				return nil
			}
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, ev network.Event) {
	switch ev.Kind {
	case network.EventMessage:
		w.observer.Observe(ev.From, ev.Data)

	case network.EventPeerDiscovered:
		if !w.peers.Add(ev.Peer) {
			return
		}
		w.logger.Info("peer discovered",
			"peer_id", network.ShortID(ev.Peer.ID),
			"source", ev.Source,
			"peers", w.peers.Len())
		if ev.Source == network.SourceConnection {
			return
		}
		info := ev.Peer
		go func() {
			if err := w.gossip.Connect(ctx, info); err != nil && ctx.Err() == nil {
				w.logger.Debug("dial failed", "peer_id", network.ShortID(info.ID), "error", err)
			}
		}()

	case network.EventPeerExpired:
		if w.peers.Remove(ev.Peer.ID) {
			w.logger.Info("peer expired",
				"peer_id", network.ShortID(ev.Peer.ID),
				"peers", w.peers.Len())
		}
	}
}

func (w *Worker) publishPending(ctx context.Context) {
	for ctx.Err() == nil {
		payload, ok := w.queue.TryPop()
		if !ok {
			return
		}
		w.publish(ctx, payload)
	}
}

func (w *Worker) publish(ctx context.Context, payload []byte) {
	if err := w.gossip.Publish(ctx, payload); err != nil {
		metrics.GossipPublishFailedTotal.Inc()
		w.logger.Warn("gossip publish failed", "error", err)
		return
	}
	metrics.GossipPublishedTotal.Inc()
}

// flush publishes results queued before shutdown within FlushTimeout.
func (w *Worker) flush() {
	pending := w.queue.Drain()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.config.FlushTimeout)
	defer cancel()
	for i, payload := range pending {
		if ctx.Err() != nil {
			w.logger.Warn("flush timed out", "unpublished", len(pending)-i)
			return
		}
		w.publish(ctx, payload)
	}
	w.logger.Info("flushed queued results", "count", len(pending))
}
