package grpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/types"
)

// session is the broker side of one Connect stream. It is the node's registry channel:
// frames are queued on outbound and written by writerLoop in FIFO order.
type session struct {
	id       string
	nodeID   atomic.Value // types.ID
	outbound chan *types.Frame
	done     chan struct{}
	logger   *logger.Logger

	closeOnce sync.Once
	closedErr error

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *types.Frame
}

func newSession(buffer int, log *logger.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:       id,
		outbound: make(chan *types.Frame, buffer),
		done:     make(chan struct{}),
		logger:   log.With("session_id", id),
		pending:  make(map[uint64]chan *types.Frame),
	}
}

func (s *session) setNodeID(id types.ID) {
	s.nodeID.Store(id)
}

func (s *session) NodeID() types.ID {
	id, _ := s.nodeID.Load().(types.ID)
	return id
}

// Send queues f for the node
func (s *session) Send(ctx context.Context, f *types.Frame) error {
	select {
	case <-s.done:
		return s.sessionError()
	default:
	}

	select {
	case <-s.done:
		return s.sessionError()
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeTimeout, "outbound queue full", ctx.Err())
	case s.outbound <- f:
		return nil
	}
}

// Request queues a copy of f with a fresh sequence number and waits for the node's reply
func (s *session) Request(ctx context.Context, f *types.Frame) (*types.Frame, error) {
	req := *f
	req.Seq = s.seq.Add(1)

	replyCh := make(chan *types.Frame, 1)
	s.pendingMu.Lock()
	if s.pending == nil {
		s.pendingMu.Unlock()
		return nil, s.sessionError()
	}
	s.pending[req.Seq] = replyCh
	s.pendingMu.Unlock()
	defer s.unregisterPending(req.Seq)

	if err := s.Send(ctx, &req); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, s.sessionError()
		}
		return reply, nil
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeTimeout, "no reply to "+string(f.Event), ctx.Err())
	}
}

func (s *session) unregisterPending(seq uint64) {
	s.pendingMu.Lock()
	if s.pending != nil {
		delete(s.pending, seq)
	}
	s.pendingMu.Unlock()
}

// resolve hands a reply frame to the Request waiting for it
func (s *session) resolve(reply *types.Frame) {
	s.pendingMu.Lock()
	replyCh, ok := s.pending[reply.ReplyTo]
	if ok {
		delete(s.pending, reply.ReplyTo)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("Dropping reply with no pending request", "reply_to", reply.ReplyTo)
		return
	}
	replyCh <- reply
}

// close ends the session; pending requests fail and later sends are refused
func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = types.NewError(types.ErrCodeUnavailable, "session closed")
		}
		s.closedErr = err
		close(s.done)

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = nil
		s.pendingMu.Unlock()

		for _, replyCh := range pending {
			close(replyCh)
		}
	})
}

func (s *session) sessionError() error {
	select {
	case <-s.done:
		return types.WrapError(types.ErrCodeUnavailable, "session closed", s.closedErr)
	default:
		return types.NewError(types.ErrCodeUnavailable, "session closed")
	}
}

// writerLoop drains outbound onto the stream until the session closes
func writerLoop(stream grpc.BidiStreamingServer[types.Frame, types.Frame], s *session) error {
	for {
		select {
		case <-s.done:
			return nil
		case f := <-s.outbound:
			if f == nil {
				continue
			}
			if err := stream.Send(f); err != nil {
				return err
			}
		}
	}
}
