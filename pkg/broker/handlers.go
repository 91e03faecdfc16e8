package broker

import (
	"context"

	"github.com/delcom/broker/pkg/types"
)

func (b *Broker) registerDefaults() {
	b.handlers[types.EventSetRole] = HandlerFunc(b.handleSetRole)
	b.handlers[types.EventRequestJob] = HandlerFunc(b.handleRequestJob)
	b.async[types.EventRequestJob] = true
	b.handlers[types.EventJobComplete] = HandlerFunc(b.handleJobComplete)
	b.handlers[types.EventFileChunk] = HandlerFunc(b.handleRelay)
	b.handlers[types.EventFilesDone] = HandlerFunc(b.handleFilesDone)
	b.handlers[types.EventListWorkers] = HandlerFunc(b.handleListWorkers)
	for _, event := range types.OutputEvents {
		b.handlers[event] = HandlerFunc(b.handleRelay)
	}
}

func (b *Broker) handleSetRole(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error) {
	var req types.SetRoleRequest
	if err := f.Decode(&req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return nil, b.registry.SetRole(nodeID, req.Role, req.Capabilities)
}

func (b *Broker) handleRequestJob(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error) {
	var req types.JobRequest
	if err := f.Decode(&req); err != nil {
		return nil, err
	}
	// The setup outlives the connection that asked for it; a resumed delegator keeps
	// the pairing and the setup timeout still bounds the wait.
	return nil, b.pairing.RequestJob(context.WithoutCancel(ctx), nodeID, req)
}

func (b *Broker) handleJobComplete(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error) {
	var req types.JobComplete
	if len(f.Payload) > 0 {
		if err := f.Decode(&req); err != nil {
			return nil, err
		}
	}
	_, _, err := b.pairing.CompleteJob(ctx, nodeID, req.Side)
	return nil, err
}

func (b *Broker) handleRelay(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error) {
	return nil, b.relay.Relay(ctx, nodeID, f.Event, f.Payload)
}

func (b *Broker) handleFilesDone(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error) {
	return nil, b.relay.FilesDone(ctx, nodeID)
}

func (b *Broker) handleListWorkers(ctx context.Context, nodeID types.ID, f *types.Frame) (any, error) {
	return b.registry.Workers(), nil
}
