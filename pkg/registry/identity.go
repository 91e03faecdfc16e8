package registry

import (
	"github.com/delcom/broker/pkg/types"
)

// maxAttemptsPerWidth is how many collisions are tolerated before ids grow by a byte
const maxAttemptsPerWidth = 64

// Identity is the outcome of identifying a connection
type Identity struct {
	ID      types.ID
	Resumed bool
	// Replaced is the channel displaced by a resume; the caller should close it
	Replaced Channel
}

// Identify assigns an id to the connection behind ch and registers it.
//
// A requested id that is live (and, with a resume window, recently active) is resumed:
// the stored channel is swapped for ch and role and pairing state are kept. Anything
// else gets a freshly generated id that no live node holds.
func (r *Registry) Identify(requested types.ID, ch Channel) Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !requested.IsEmpty() {
		if n, exists := r.nodes[requested]; exists {
			n.mu.Lock()
			now := r.now()
			if r.resumeWindow <= 0 || now.Sub(n.lastSeen) <= r.resumeWindow {
				replaced := n.channel
				n.channel = ch
				n.lastSeen = now
				n.mu.Unlock()

				r.logger.Info("Node resumed", "node_id", requested)
				return Identity{ID: requested, Resumed: true, Replaced: replaced}
			}
			idle := now.Sub(n.lastSeen)
			n.mu.Unlock()
			r.logger.Warn("Resume refused, node idle past resume window",
				"node_id", requested,
				"idle", idle.String(),
				"resume_window", r.resumeWindow.String())
		}
	}

	id := r.generateLocked()
	r.insertLocked(id, ch)
	return Identity{ID: id}
}

// generateLocked returns an id no live node holds. Must be called with r.mu held.
func (r *Registry) generateLocked() types.ID {
	width := r.idBytes
	for attempt := 1; ; attempt++ {
		id := types.GenerateID(width)
		if _, taken := r.nodes[id]; !taken {
			return id
		}
		if attempt%maxAttemptsPerWidth == 0 {
			width++
			r.logger.Warn("Node id space crowded, widening ids", "id_bytes", width, "nodes", len(r.nodes))
		}
	}
}
