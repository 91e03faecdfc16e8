package grpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/broker"
	"github.com/delcom/broker/pkg/registry"
	"github.com/delcom/broker/pkg/types"
)

const (
	// ServiceName is the fully qualified broker service name
	ServiceName = "delcom.broker.v1.Broker"
	// ConnectMethod is the full method name of the node stream
	ConnectMethod = "/" + ServiceName + "/Connect"
	// DefaultOutboundBuffer is the per-session outbound queue length
	DefaultOutboundBuffer = 256

	// disconnectTimeout bounds peer-vanished delivery to a congested peer
	disconnectTimeout = 5 * time.Second
)

// BrokerServer is the server API for the broker service
type BrokerServer interface {
	Connect(grpc.BidiStreamingServer[types.Frame, types.Frame]) error
}

// BrokerServiceDesc describes the broker service for grpc.Server.RegisterService
var BrokerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BrokerServer).Connect(&grpc.GenericServerStream[types.Frame, types.Frame]{ServerStream: stream})
}

// ServiceConfig contains broker service configuration
type ServiceConfig struct {
	OutboundBuffer int
}

// Service implements BrokerServer on top of a broker.Broker
type Service struct {
	broker         *broker.Broker
	outboundBuffer int
	logger         *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closing  bool
}

// NewService creates the broker service
func NewService(b *broker.Broker, cfg ServiceConfig, log *logger.Logger) *Service {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultOutboundBuffer
	}
	return &Service{
		broker:         b,
		outboundBuffer: cfg.OutboundBuffer,
		logger:         logger.OrDefault(log, "broker_service"),
		sessions:       make(map[string]*session),
	}
}

// Connect serves one node for the lifetime of its stream. The first frame must be
// identify; every later frame is either a reply to a broker request or dispatched to
// the broker.
func (s *Service) Connect(stream grpc.BidiStreamingServer[types.Frame, types.Frame]) (retErr error) {
	ctx := stream.Context()
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}

	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return status.Error(codes.InvalidArgument, "first frame must be identify")
		}
		return mapStreamError(err)
	}
	if first.Event != types.EventIdentify {
		return status.Error(codes.InvalidArgument, "first frame must be identify")
	}
	var req types.IdentifyRequest
	if len(first.Payload) > 0 {
		if err := first.Decode(&req); err != nil {
			return toStatus(err)
		}
	}

	sess := newSession(s.outboundBuffer, s.logger)
	if !s.trackSession(sess) {
		return status.Error(codes.Unavailable, "broker is shutting down")
	}
	ident, err := s.broker.Identify(req.ID, sess)
	if err != nil {
		sess.close(err)
		s.untrackSession(sess)
		return toStatus(err)
	}
	sess.setNodeID(ident.ID)
	if replaced, ok := ident.Replaced.(*session); ok && replaced != nil {
		replaced.close(types.NewError(types.ErrCodeConflict, "session replaced by a newer connection"))
	}

	log := sess.logger.With("node_id", ident.ID)
	log.Info("Node connected", "resumed", ident.Resumed)

	defer func() {
		sess.close(retErr)
		s.untrackSession(sess)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		s.broker.Disconnect(dctx, ident.ID, sess)
		cancel()
		log.Info("Node disconnected", "error", retErr)
	}()

	writerErrCh := make(chan error, 1)
	go func() {
		writerErrCh <- writerLoop(stream, sess)
	}()

	ack, err := first.Reply(types.IdentifyResponse{ID: ident.ID, Resumed: ident.Resumed}, nil)
	if err != nil {
		return toStatus(err)
	}
	if err := sess.Send(ctx, ack); err != nil {
		return status.Error(codes.Internal, "failed to send identify reply")
	}

	frames := make(chan *types.Frame)
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			f, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			select {
			case frames <- f:
			case <-sess.done:
				return
			}
		}
	}()

	// A reply that outlives this stream goes to the node's current connection.
	reply := func(r *types.Frame) {
		err := sess.Send(ctx, r)
		if err == nil {
			return
		}
		if ch, ok := s.broker.Registry().Channel(ident.ID); ok && ch != nil && ch != registry.Channel(sess) {
			rctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			err = ch.Send(rctx, r)
			cancel()
			if err == nil {
				log.Debug("Reply delivered to resumed connection", "reply_to", r.ReplyTo)
				return
			}
		}
		log.Debug("Reply not delivered", "reply_to", r.ReplyTo, "error", err)
	}

	for {
		select {
		case <-sess.done:
			return status.Error(codes.Aborted, sess.closedErr.Error())
		case err := <-writerErrCh:
			if err == nil {
				return nil
			}
			return mapStreamError(err)
		case err := <-recvErrCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return mapStreamError(err)
		case f := <-frames:
			switch {
			case f.IsReply():
				sess.resolve(f)
			case f.Event == types.EventIdentify:
				if f.ExpectsReply() {
					r, _ := f.Reply(nil, types.NewError(types.ErrCodeInvalidArgument, "already identified"))
					reply(r)
				}
			default:
				s.broker.Dispatch(ctx, ident.ID, f, reply)
			}
		}
	}
}

// trackSession reports false once the service is closing
func (s *Service) trackSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Service) untrackSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// CloseSessions ends every open node stream and refuses new ones
func (s *Service) CloseSessions(reason error) {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(reason)
	}
}

// ActiveSessions returns the number of open node streams
func (s *Service) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// toStatus converts a broker error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch types.GetErrorCode(err) {
	case types.ErrCodeInvalidArgument, types.ErrCodeInvalid:
		code = codes.InvalidArgument
	case types.ErrCodeNotFound:
		code = codes.NotFound
	case types.ErrCodeConflict:
		code = codes.AlreadyExists
	case types.ErrCodeSetupFailed, types.ErrCodeNoActivePairing:
		code = codes.FailedPrecondition
	case types.ErrCodeUnavailable:
		code = codes.Unavailable
	case types.ErrCodeTimeout:
		code = codes.DeadlineExceeded
	case types.ErrCodeCanceled:
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func mapStreamError(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.Unknown {
		return err
	}
	if mapped := status.FromContextError(err); mapped.Code() != codes.Unknown {
		return mapped.Err()
	}
	return err
}
