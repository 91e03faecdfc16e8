package broker

import (
	"context"

	"github.com/delcom/broker/pkg/registry"
	"github.com/delcom/broker/pkg/types"
)

// Disconnect removes nodeID once its connection ch has ended and tells any paired peer
// that it vanished. A connection already replaced by a resume removes nothing.
// Notifications are best effort.
func (b *Broker) Disconnect(ctx context.Context, nodeID types.ID, ch registry.Channel) {
	info, removed := b.registry.Unregister(nodeID, ch)
	if !removed {
		return
	}

	if workerID := info.PairedAsDelegatorTo; !workerID.IsEmpty() {
		if peerCh, ok := b.registry.ReleasePeer(workerID, types.SideWorker, nodeID); ok {
			b.notifyVanished(ctx, workerID, peerCh, nodeID, types.SideDelegator)
		}
	}
	if delegatorID := info.PairedAsWorkerFor; !delegatorID.IsEmpty() {
		if peerCh, ok := b.registry.ReleasePeer(delegatorID, types.SideDelegator, nodeID); ok {
			b.notifyVanished(ctx, delegatorID, peerCh, nodeID, types.SideWorker)
		}
	}
}

func (b *Broker) notifyVanished(ctx context.Context, peerID types.ID, ch registry.Channel, departed types.ID, role types.Side) {
	b.mu.Lock()
	b.stats.Vanished++
	b.mu.Unlock()

	b.logger.Info("Peer vanished mid-job", "node_id", departed, "role", role, "peer_id", peerID)
	if ch == nil {
		return
	}

	frame, err := types.NewFrame(types.EventPeerVanished, types.PeerVanished{PeerID: departed, Role: role})
	if err != nil {
		b.logger.Error("Failed to encode peer-vanished", "error", err)
		return
	}
	if err := ch.Send(ctx, frame); err != nil {
		b.logger.Warn("Failed to notify peer", "peer_id", peerID, "error", err)
	}
}
