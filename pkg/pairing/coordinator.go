package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/registry"
	"github.com/delcom/broker/pkg/types"
)

const (
	// DefaultSetupTimeout bounds how long a worker may take to acknowledge a job offer
	DefaultSetupTimeout = 30 * time.Second

	notifyTimeout = 5 * time.Second
)

// Options configures a Coordinator
type Options struct {
	SetupTimeout time.Duration
	Logger       *logger.Logger
}

// Coordinator drives the job handshake between a delegator and the worker it picked
type Coordinator struct {
	registry     *registry.Registry
	setupTimeout time.Duration
	logger       *logger.Logger
}

// NewCoordinator creates a coordinator over reg
func NewCoordinator(reg *registry.Registry, opts Options) *Coordinator {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = DefaultSetupTimeout
	}
	return &Coordinator{
		registry:     reg,
		setupTimeout: opts.SetupTimeout,
		logger:       logger.OrDefault(opts.Logger, "pairing"),
	}
}

// RequestJob pairs delegatorID with the requested worker and offers it the job.
//
// Both pairing fields are committed before the offer is sent so no other delegator can
// claim the worker meanwhile. If the worker rejects the offer, cannot be reached, or does
// not answer within the setup timeout the pairing is rolled back and a SETUP_FAILED error
// is returned. A worker that did not reject the offer itself is sent finished when the
// pairing is rolled back, so a late acceptance is not left waiting for files.
func (c *Coordinator) RequestJob(ctx context.Context, delegatorID types.ID, req types.JobRequest) error {
	if req.WorkerID.IsEmpty() {
		return types.NewError(types.ErrCodeInvalidArgument, "no worker provided")
	}

	log := c.logger.With("delegator_id", delegatorID, "worker_id", req.WorkerID)

	if err := c.registry.Pair(delegatorID, req.WorkerID); err != nil {
		log.Debug("Job request refused", "error", err)
		return err
	}

	ch, ok := c.registry.Channel(req.WorkerID)
	if !ok {
		c.registry.Unpair(delegatorID, req.WorkerID)
		return types.NewError(types.ErrCodeSetupFailed, "worker vanished before the offer was sent")
	}

	fileNames := req.FileNames
	if fileNames == nil {
		fileNames = []string{}
	}
	offer, err := types.NewFrame(types.EventJobOffer, types.JobOffer{
		DelegatorID: delegatorID,
		FileNames:   fileNames,
	})
	if err != nil {
		c.registry.Unpair(delegatorID, req.WorkerID)
		return err
	}

	setupCtx, cancel := context.WithTimeout(ctx, c.setupTimeout)
	defer cancel()

	start := time.Now()
	reply, err := ch.Request(setupCtx, offer)
	rejected := false
	if err == nil {
		err = reply.Failed()
		rejected = err != nil
	}
	if err != nil {
		rolledBack := c.registry.Unpair(delegatorID, req.WorkerID)
		log.Warn("Job setup failed",
			"error", err,
			"rejected", rejected,
			"rolled_back", rolledBack,
			"elapsed", time.Since(start).String())
		if rolledBack && !rejected {
			c.notifyWithdrawn(ctx, delegatorID, req.WorkerID)
		}
		return c.setupError(err)
	}

	if !c.registry.IsPaired(delegatorID, req.WorkerID) {
		log.Warn("Pairing torn down during job setup")
		return types.NewError(types.ErrCodeSetupFailed, "peer vanished during setup")
	}

	log.Info("Job accepted", "files", len(fileNames), "elapsed", time.Since(start).String())
	return nil
}

// notifyWithdrawn tells the worker's current connection that the offered job is off
func (c *Coordinator) notifyWithdrawn(ctx context.Context, delegatorID, workerID types.ID) {
	ch, ok := c.registry.Channel(workerID)
	if !ok || ch == nil {
		return
	}
	frame, err := types.NewFrame(types.EventFinished, types.Finished{PeerID: delegatorID})
	if err != nil {
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := ch.Send(nctx, frame); err != nil {
		c.logger.Warn("Failed to withdraw job offer", "worker_id", workerID, "error", err)
	}
}

func (c *Coordinator) setupError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || types.IsErrCode(err, types.ErrCodeTimeout):
		return types.WrapError(types.ErrCodeSetupFailed,
			fmt.Sprintf("worker did not acknowledge the job within %s", c.setupTimeout), err)
	case errors.Is(err, context.Canceled):
		return types.WrapError(types.ErrCodeSetupFailed, "job setup canceled", err)
	}

	var e *types.Error
	if errors.As(err, &e) && e.Err == nil {
		return types.NewError(types.ErrCodeSetupFailed, e.Message)
	}
	return types.WrapError(types.ErrCodeSetupFailed, "job setup failed", err)
}

// CompleteJob ends the job nodeID takes part in and tells its peer with a finished
// frame. With side empty the worker side is tried first, then the delegator side. It
// returns the former peer, or false when there was nothing to complete.
func (c *Coordinator) CompleteJob(ctx context.Context, nodeID types.ID, side types.Side) (types.ID, bool, error) {
	var (
		peerID types.ID
		ch     registry.Channel
		ok     bool
	)
	switch side {
	case "":
		peerID, ch, ok = c.registry.Release(nodeID, types.SideWorker)
		if !ok {
			side = types.SideDelegator
			peerID, ch, ok = c.registry.Release(nodeID, types.SideDelegator)
		} else {
			side = types.SideWorker
		}
	case types.SideWorker, types.SideDelegator:
		peerID, ch, ok = c.registry.Release(nodeID, side)
	default:
		return "", false, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown side %q", side))
	}

	if !ok {
		c.logger.Debug("Job complete with no active pairing", "node_id", nodeID)
		return "", false, nil
	}

	c.logger.Info("Job completed", "node_id", nodeID, "side", side, "peer_id", peerID)

	if ch != nil {
		frame, err := types.NewFrame(types.EventFinished, types.Finished{PeerID: nodeID})
		if err != nil {
			return peerID, true, err
		}
		if err := ch.Send(ctx, frame); err != nil {
			c.logger.Warn("Failed to notify peer of completion", "peer_id", peerID, "error", err)
		}
	}
	return peerID, true, nil
}

// SetupTimeout returns the configured job setup timeout
func (c *Coordinator) SetupTimeout() time.Duration {
	return c.setupTimeout
}
