package registry

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/types"
)

// Channel is a node's exclusive outbound endpoint. The registry entry owns it; the
// transport supplies it when the node identifies.
type Channel interface {
	// Send enqueues a frame for the node without waiting for a reply
	Send(ctx context.Context, f *types.Frame) error
	// Request enqueues a frame and waits for the node's reply
	Request(ctx context.Context, f *types.Frame) (*types.Frame, error)
}

// node is the registry's record of one participant. Every field is guarded by mu;
// cross-node updates lock both ends in id order (see lockPair).
type node struct {
	mu           sync.Mutex
	id           types.ID
	seq          uint64
	role         types.Role
	capabilities *types.Capabilities
	delegatorTo  types.ID // pairedAsDelegatorTo
	workerFor    types.ID // pairedAsWorkerFor
	channel      Channel
	connectedAt  time.Time
	lastSeen     time.Time
	removed      bool
}

// info must be called with n.mu held
func (n *node) info() types.NodeInfo {
	return types.NodeInfo{
		ID:                  n.id,
		Role:                n.role,
		PairedAsDelegatorTo: n.delegatorTo,
		PairedAsWorkerFor:   n.workerFor,
		Capabilities:        n.capabilities.Clone(),
		ConnectedAt:         n.connectedAt,
		LastSeen:            n.lastSeen,
	}
}

// Registry maps node ids to node state. It is the single source of truth for roles
// and pairings.
type Registry struct {
	mu           sync.RWMutex
	nodes        map[types.ID]*node
	seq          uint64
	idBytes      int
	resumeWindow time.Duration
	now          func() time.Time
	logger       *logger.Logger
}

// Options configures a Registry
type Options struct {
	// IDBytes is the entropy of generated ids; ids are twice as many hex characters
	IDBytes int
	// ResumeWindow bounds how long after its last frame a live id may be resumed; 0 disables the bound
	ResumeWindow time.Duration
	Logger       *logger.Logger
	// Now overrides the clock in tests
	Now func() time.Time
}

// New creates an empty registry
func New(opts Options) *Registry {
	if opts.IDBytes <= 0 {
		opts.IDBytes = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		nodes:        make(map[types.ID]*node),
		idBytes:      opts.IDBytes,
		resumeWindow: opts.ResumeWindow,
		now:          opts.Now,
		logger:       logger.OrDefault(opts.Logger, "registry"),
	}
}

// Register records a node under a caller-chosen id. It fails with CONFLICT if the id is
// live. Most callers want Identify, which allocates the id.
func (r *Registry) Register(id types.ID, ch Channel) error {
	if id.IsEmpty() {
		return types.NewError(types.ErrCodeInvalidArgument, "node id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; exists {
		return types.NewError(types.ErrCodeConflict, fmt.Sprintf("node %s already registered", id))
	}
	r.insertLocked(id, ch)
	return nil
}

// insertLocked must be called with r.mu held for writing
func (r *Registry) insertLocked(id types.ID, ch Channel) {
	r.seq++
	now := r.now()
	r.nodes[id] = &node{
		id:          id,
		seq:         r.seq,
		role:        types.RoleNotWorker,
		channel:     ch,
		connectedAt: now,
		lastSeen:    now,
	}
	r.logger.Info("Node registered", "node_id", id, "nodes", len(r.nodes))
}

// Unregister removes a node and returns its final state. When ch is non-nil the node is
// removed only if ch is still its channel, so a connection replaced by a resume cannot
// remove the resumed entry.
func (r *Registry) Unregister(id types.ID, ch Channel) (types.NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, exists := r.nodes[id]
	if !exists {
		return types.NodeInfo{}, false
	}

	n.mu.Lock()
	if ch != nil && n.channel != ch {
		n.mu.Unlock()
		r.logger.Debug("Skipping unregister of resumed node", "node_id", id)
		return types.NodeInfo{}, false
	}
	n.removed = true
	info := n.info()
	n.mu.Unlock()

	delete(r.nodes, id)
	r.logger.Info("Node unregistered", "node_id", id, "nodes", len(r.nodes))
	return info, true
}

// Get returns a snapshot of the node
func (r *Registry) Get(id types.ID) (types.NodeInfo, bool) {
	n := r.lookup(id)
	if n == nil {
		return types.NodeInfo{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.removed {
		return types.NodeInfo{}, false
	}
	return n.info(), true
}

// Channel returns the node's current outbound channel
func (r *Registry) Channel(id types.ID) (Channel, bool) {
	n := r.lookup(id)
	if n == nil {
		return nil, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.removed {
		return nil, false
	}
	return n.channel, true
}

// SetRole changes the node's advertised role. Leaving the worker role drops the
// published capabilities; an active pairing is left untouched.
func (r *Registry) SetRole(id types.ID, role types.Role, caps *types.Capabilities) error {
	if !role.Valid() {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown role %q", role))
	}
	n := r.lookup(id)
	if n == nil {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("node %s not registered", id))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.removed {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("node %s not registered", id))
	}

	n.role = role
	if role == types.RoleWorker {
		if caps != nil {
			n.capabilities = caps.Clone()
		}
	} else {
		n.capabilities = nil
	}

	r.logger.Debug("Node role changed", "node_id", id, "role", role, "has_capabilities", n.capabilities != nil)
	return nil
}

// Touch records activity on the node's connection
func (r *Registry) Touch(id types.ID) {
	n := r.lookup(id)
	if n == nil {
		return
	}
	n.mu.Lock()
	n.lastSeen = r.now()
	n.mu.Unlock()
}

// AvailableWorkers yields every worker that can accept a job and has published its
// capabilities. Each range over the sequence takes a fresh snapshot, in registration order.
func (r *Registry) AvailableWorkers() iter.Seq2[types.ID, types.Capabilities] {
	return func(yield func(types.ID, types.Capabilities) bool) {
		for _, info := range r.Snapshot() {
			if !info.Available() || info.Capabilities == nil {
				continue
			}
			if !yield(info.ID, *info.Capabilities) {
				return
			}
		}
	}
}

// Workers collects AvailableWorkers into a slice
func (r *Registry) Workers() []types.WorkerInfo {
	workers := make([]types.WorkerInfo, 0)
	for id, caps := range r.AvailableWorkers() {
		workers = append(workers, types.WorkerInfo{ID: id, Capabilities: caps})
	}
	return workers
}

// Snapshot returns the state of every registered node in registration order
func (r *Registry) Snapshot() []types.NodeInfo {
	r.mu.RLock()
	nodes := make([]*node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	slices.SortFunc(nodes, func(a, b *node) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	infos := make([]types.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		n.mu.Lock()
		if !n.removed {
			infos = append(infos, n.info())
		}
		n.mu.Unlock()
	}
	return infos
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// String returns a string representation of the registry
func (r *Registry) String() string {
	return fmt.Sprintf("Registry{Nodes: %d, IDBytes: %d, ResumeWindow: %s}", r.Len(), r.idBytes, r.resumeWindow)
}

func (r *Registry) lookup(id types.ID) *node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}
