package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/delcom/broker/internal/config"
	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/pairing"
	"github.com/delcom/broker/pkg/registry"
	"github.com/delcom/broker/pkg/relay"
	"github.com/delcom/broker/pkg/types"
)

// Handler handles one kind of inbound frame. The returned value becomes the reply
// payload when the sender asked for a reply.
type Handler interface {
	Handle(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error)

// Handle implements Handler
func (fn HandlerFunc) Handle(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error) {
	return fn(ctx, nodeID, f)
}

// Broker ties the registry, pairing coordinator and relay router together behind a
// frame-level API the transport drives
type Broker struct {
	mu       sync.RWMutex
	registry *registry.Registry
	pairing  *pairing.Coordinator
	relay    *relay.Router
	handlers map[types.Event]Handler
	async    map[types.Event]bool
	logger   *logger.Logger
	cfg      config.BrokerConfig
	closed   bool
	wg       sync.WaitGroup
	closeCh  chan struct{}
	stats    Stats
}

// New creates a broker with the default frame handlers registered
func New(cfg config.BrokerConfig, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Global()
	}

	reg := registry.New(registry.Options{
		IDBytes:      cfg.IDBytes,
		ResumeWindow: cfg.ResumeWindow,
		Logger:       log,
	})

	b := &Broker{
		registry: reg,
		pairing:  pairing.NewCoordinator(reg, pairing.Options{SetupTimeout: cfg.SetupTimeout, Logger: log}),
		relay:    relay.NewRouter(reg, log),
		handlers: make(map[types.Event]Handler),
		async:    make(map[types.Event]bool),
		logger:   log.With("component", "broker"),
		cfg:      cfg,
		closeCh:  make(chan struct{}),
	}
	b.registerDefaults()

	b.logger.Info("Broker initialized",
		"id_bytes", cfg.IDBytes,
		"setup_timeout", cfg.SetupTimeout.String(),
		"resume_window", cfg.ResumeWindow.String(),
		"debug_dump_interval", cfg.DebugDumpInterval.String())

	return b
}

// NewDefault creates a broker with default configuration
func NewDefault(log *logger.Logger) *Broker {
	return New(config.DefaultBrokerConfig(), log)
}

// RegisterHandler installs h for event, replacing any existing handler. Async handlers
// run on their own goroutine so the sender's later frames are not held up behind them.
func (b *Broker) RegisterHandler(event types.Event, h Handler, async bool) error {
	if event == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "event cannot be empty")
	}
	if h == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = h
	b.async[event] = async
	b.logger.Debug("Handler registered", "event", event, "async", async)
	return nil
}

// Identify registers the connection behind ch, resuming requested when it is live.
// The caller owns Identity.Replaced and should close it.
func (b *Broker) Identify(requested types.ID, ch registry.Channel) (registry.Identity, error) {
	if !b.Ready() {
		return registry.Identity{}, types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	ident := b.registry.Identify(requested, ch)

	b.mu.Lock()
	b.stats.Identified++
	if ident.Resumed {
		b.stats.Resumed++
	}
	b.mu.Unlock()
	return ident, nil
}

// Dispatch handles one inbound frame from nodeID. When the frame asks for a reply it is
// passed to reply, possibly after Dispatch returns.
func (b *Broker) Dispatch(ctx context.Context, nodeID types.ID, f *types.Frame, reply func(*types.Frame)) {
	b.registry.Touch(nodeID)

	b.mu.RLock()
	closed := b.closed
	h, ok := b.handlers[f.Event]
	async := b.async[f.Event]
	if !closed && ok && async {
		// Close waits only once closed is set
		b.wg.Add(1)
	}
	b.mu.RUnlock()

	if closed {
		b.respond(nodeID, f, nil, types.NewError(types.ErrCodeUnavailable, "broker is closed"), reply)
		return
	}
	if !ok {
		b.respond(nodeID, f, nil,
			types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown event %q", f.Event)), reply)
		return
	}

	if !async {
		result, err := h.Handle(ctx, nodeID, f)
		b.respond(nodeID, f, result, err, reply)
		return
	}

	go func() {
		defer b.wg.Done()
		result, err := h.Handle(ctx, nodeID, f)
		b.respond(nodeID, f, result, err, reply)
	}()
}

func (b *Broker) respond(nodeID types.ID, f *types.Frame, result any, err error, reply func(*types.Frame)) {
	b.mu.Lock()
	b.stats.Dispatched++
	if err != nil {
		b.stats.Failed++
	}
	b.mu.Unlock()

	if !f.ExpectsReply() || f.Event.IsOutput() {
		if err != nil {
			b.logger.Warn("Frame dropped", "node_id", nodeID, "event", f.Event, "error", err)
		}
		return
	}

	r, encErr := f.Reply(result, err)
	if encErr != nil {
		b.logger.Error("Failed to encode reply", "node_id", nodeID, "event", f.Event, "error", encErr)
		r, _ = f.Reply(nil, encErr)
	}
	if err != nil {
		b.logger.Debug("Frame rejected", "node_id", nodeID, "event", f.Event, "code", r.Code, "error", err)
	}
	if reply != nil {
		reply(r)
	}
}

// Nodes returns every registered node in registration order
func (b *Broker) Nodes() []types.NodeInfo {
	return b.registry.Snapshot()
}

// Workers returns the workers currently able to accept a job
func (b *Broker) Workers() []types.WorkerInfo {
	return b.registry.Workers()
}

// Registry exposes the underlying node registry
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Ready reports whether the broker accepts new work
func (b *Broker) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Run performs periodic housekeeping until ctx is canceled or the broker is closed
func (b *Broker) Run(ctx context.Context) error {
	interval := b.cfg.DebugDumpInterval
	if interval <= 0 {
		select {
		case <-ctx.Done():
		case <-b.closeCh:
		}
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closeCh:
			return nil
		case <-ticker.C:
			b.dump()
		}
	}
}

// Close stops accepting frames and waits for in-flight async handlers
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Broker closed", "nodes", b.registry.Len())
	return nil
}

// Stats returns broker statistics
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	stats := b.stats
	b.mu.RUnlock()

	stats.Nodes = b.registry.Len()
	stats.Relay = b.relay.Stats()
	return stats
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	return fmt.Sprintf("Broker{Closed: %v, Stats: %s}", !b.Ready(), b.Stats())
}

// Stats represents broker statistics
type Stats struct {
	Nodes      int         `json:"nodes"`
	Identified uint64      `json:"identified"`
	Resumed    uint64      `json:"resumed"`
	Dispatched uint64      `json:"dispatched"`
	Failed     uint64      `json:"failed"`
	Vanished   uint64      `json:"vanished"`
	Relay      relay.Stats `json:"relay"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Nodes: %d, Identified: %d, Resumed: %d, Dispatched: %d, Failed: %d, Vanished: %d, Relayed: %d}",
		s.Nodes, s.Identified, s.Resumed, s.Dispatched, s.Failed, s.Vanished, s.Relay.Frames)
}
