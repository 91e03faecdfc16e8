package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/registry"
	"github.com/delcom/broker/pkg/types"
)

// Stats counts relay traffic since the router was created
type Stats struct {
	Frames  uint64 `json:"frames"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
}

// Router forwards job traffic between paired nodes. Output streams flow from a worker to
// the delegator it works for; file chunks flow from a delegator to its worker.
type Router struct {
	registry *registry.Registry
	logger   *logger.Logger

	frames  atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// NewRouter creates a router over reg
func NewRouter(reg *registry.Registry, log *logger.Logger) *Router {
	return &Router{
		registry: reg,
		logger:   logger.OrDefault(log, "relay"),
	}
}

// Relay forwards payload verbatim to fromID's peer. Frames from one sender reach the
// peer in the order Relay is called.
func (r *Router) Relay(ctx context.Context, fromID types.ID, event types.Event, payload json.RawMessage) error {
	var side types.Side
	switch {
	case event.IsOutput():
		side = types.SideWorker
	case event == types.EventFileChunk:
		side = types.SideDelegator
	default:
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("%s is not a relayed event", event))
	}
	return r.forward(ctx, fromID, side, event, payload)
}

// FilesDone tells the worker paired with fromID that every file chunk has been sent
func (r *Router) FilesDone(ctx context.Context, fromID types.ID) error {
	return r.forward(ctx, fromID, types.SideDelegator, types.EventFilesDone, nil)
}

func (r *Router) forward(ctx context.Context, fromID types.ID, side types.Side, event types.Event, payload json.RawMessage) error {
	peerID, ch, ok := r.registry.Peer(fromID, side)
	if !ok {
		r.dropped.Add(1)
		r.logger.Warn("Dropping relay with no active pairing",
			"node_id", fromID,
			"event", event,
			"peer_id", peerID,
			"bytes", len(payload))
		return types.NewError(types.ErrCodeNoActivePairing,
			fmt.Sprintf("node %s has no active %s pairing for %s", fromID, side, event))
	}

	frame, err := types.NewFrame(event, payload)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, frame); err != nil {
		r.dropped.Add(1)
		r.logger.Warn("Relay to peer failed", "node_id", fromID, "peer_id", peerID, "event", event, "error", err)
		return types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("failed to relay %s to %s", event, peerID), err)
	}

	r.frames.Add(1)
	r.bytes.Add(uint64(len(payload)))
	return nil
}

// Stats returns the traffic counters
func (r *Router) Stats() Stats {
	return Stats{
		Frames:  r.frames.Load(),
		Bytes:   r.bytes.Load(),
		Dropped: r.dropped.Load(),
	}
}
