package registry

import (
	"fmt"

	"github.com/delcom/broker/pkg/types"
)

// lockPair locks two distinct nodes in id order
func lockPair(a, b *node) {
	if b.id < a.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
}

func unlockPair(a, b *node) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// Pair links delegator and worker. Both sides are updated under both node locks, so
// two delegators racing for one worker cannot both win.
func (r *Registry) Pair(delegatorID, workerID types.ID) error {
	if delegatorID == workerID {
		return types.NewError(types.ErrCodeInvalidArgument, "a node cannot delegate a job to itself")
	}

	d, w := r.lookup(delegatorID), r.lookup(workerID)
	if w == nil {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("worker %s not found", workerID))
	}
	if d == nil {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("delegator %s not registered", delegatorID))
	}

	lockPair(d, w)
	defer unlockPair(d, w)

	if w.removed {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("worker %s not found", workerID))
	}
	if d.removed {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("delegator %s not registered", delegatorID))
	}
	if !w.workerFor.IsEmpty() {
		return types.NewError(types.ErrCodeConflict, fmt.Sprintf("worker %s already working", workerID))
	}
	if w.role != types.RoleWorker {
		return types.NewError(types.ErrCodeConflict, fmt.Sprintf("node %s is not accepting work", workerID))
	}
	if !d.delegatorTo.IsEmpty() {
		return types.NewError(types.ErrCodeConflict,
			fmt.Sprintf("delegator %s already has an active job with %s", delegatorID, d.delegatorTo))
	}

	d.delegatorTo = workerID
	w.workerFor = delegatorID
	r.logger.Info("Nodes paired", "delegator_id", delegatorID, "worker_id", workerID)
	return nil
}

// Unpair clears the pairing between delegator and worker if it is still in place
func (r *Registry) Unpair(delegatorID, workerID types.ID) bool {
	d, w := r.lookup(delegatorID), r.lookup(workerID)
	if d == nil || w == nil || d == w {
		return false
	}

	lockPair(d, w)
	defer unlockPair(d, w)

	if d.delegatorTo != workerID || w.workerFor != delegatorID {
		return false
	}
	d.delegatorTo = ""
	w.workerFor = ""
	r.logger.Info("Nodes unpaired", "delegator_id", delegatorID, "worker_id", workerID)
	return true
}

// IsPaired reports whether delegator and worker are currently linked to each other
func (r *Registry) IsPaired(delegatorID, workerID types.ID) bool {
	d, w := r.lookup(delegatorID), r.lookup(workerID)
	if d == nil || w == nil || d == w {
		return false
	}

	lockPair(d, w)
	defer unlockPair(d, w)
	return !d.removed && !w.removed && d.delegatorTo == workerID && w.workerFor == delegatorID
}

// Peer returns the counterpart of id on the given side and its channel. For SideWorker
// the peer is the delegator the node works for; for SideDelegator it is the worker the
// node delegated to.
func (r *Registry) Peer(id types.ID, side types.Side) (types.ID, Channel, bool) {
	n := r.lookup(id)
	if n == nil {
		return "", nil, false
	}

	n.mu.Lock()
	peerID := n.pairedOn(side)
	n.mu.Unlock()
	if peerID.IsEmpty() {
		return "", nil, false
	}

	ch, ok := r.Channel(peerID)
	if !ok {
		return peerID, nil, false
	}
	return peerID, ch, true
}

// Release ends the pairing id holds on the given side and returns the former peer and
// its channel. It reports false when id has no pairing on that side.
func (r *Registry) Release(id types.ID, side types.Side) (types.ID, Channel, bool) {
	n := r.lookup(id)
	if n == nil {
		return "", nil, false
	}

	n.mu.Lock()
	peerID := n.pairedOn(side)
	n.mu.Unlock()
	if peerID.IsEmpty() {
		return "", nil, false
	}

	peer := r.lookup(peerID)
	if peer == nil || peer == n {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.pairedOn(side) != peerID {
			return "", nil, false
		}
		n.setPairedOn(side, "")
		r.logger.Warn("Released pairing with unregistered peer", "node_id", id, "peer_id", peerID)
		return peerID, nil, true
	}

	lockPair(n, peer)
	defer unlockPair(n, peer)

	// The pairing moved on while unlocked
	if n.pairedOn(side) != peerID {
		return "", nil, false
	}
	n.setPairedOn(side, "")
	if peer.pairedOn(side.Opposite()) == id {
		peer.setPairedOn(side.Opposite(), "")
	}

	r.logger.Info("Pairing released", "node_id", id, "side", side, "peer_id", peerID)
	if peer.removed {
		return peerID, nil, true
	}
	return peerID, peer.channel, true
}

// ReleasePeer clears peerID's pairing on side if it still names departed. It is used
// after departed has been unregistered and returns peerID's channel when cleared.
func (r *Registry) ReleasePeer(peerID types.ID, side types.Side, departed types.ID) (Channel, bool) {
	peer := r.lookup(peerID)
	if peer == nil {
		return nil, false
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.removed || peer.pairedOn(side) != departed {
		return nil, false
	}
	peer.setPairedOn(side, "")
	r.logger.Info("Peer released after disconnect", "node_id", peerID, "side", side, "departed_id", departed)
	return peer.channel, true
}

// pairedOn must be called with n.mu held
func (n *node) pairedOn(side types.Side) types.ID {
	if side == types.SideWorker {
		return n.workerFor
	}
	return n.delegatorTo
}

// setPairedOn must be called with n.mu held
func (n *node) setPairedOn(side types.Side, id types.ID) {
	if side == types.SideWorker {
		n.workerFor = id
	} else {
		n.delegatorTo = id
	}
}
