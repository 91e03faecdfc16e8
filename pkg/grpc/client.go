package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/pairing"
	"github.com/delcom/broker/pkg/types"
)

const (
	// DefaultRPCTimeout is the default timeout for calls awaiting a broker reply
	DefaultRPCTimeout = 10 * time.Second
	// DefaultEventBuffer is how many unsolicited frames the client queues
	DefaultEventBuffer = 256
	// setupReplyMargin is added to the broker's setup timeout when waiting on request-job
	setupReplyMargin = 5 * time.Second
)

// ClientConfig contains client configuration
type ClientConfig struct {
	// NodeID resumes an existing identity when set
	NodeID         types.ID
	RPCTimeout     time.Duration
	// SetupTimeout is the broker's job setup timeout; request-job waits at least this long
	SetupTimeout   time.Duration
	MaxRecvMsgSize int
	MaxSendMsgSize int
	EventBuffer    int
	DialOptions    []grpc.DialOption
}

// Client is a node connection to the broker. Replies to its calls are matched by
// sequence number; every other frame from the broker, including replies nothing waits
// for, is delivered on Events.
type Client struct {
	target       string
	conn         *grpc.ClientConn
	stream       grpc.BidiStreamingClient[types.Frame, types.Frame]
	cancel       context.CancelFunc
	logger       *logger.Logger
	rpcTimeout   time.Duration
	setupTimeout time.Duration

	id      atomic.Value // types.ID
	resumed bool

	sendMu    sync.Mutex
	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *types.Frame

	events    chan *types.Frame
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the broker at target, opens the node stream and identifies
func Dial(ctx context.Context, target string, cfg ClientConfig, log *logger.Logger) (*Client, error) {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = pairing.DefaultSetupTimeout
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = DefaultMaxRecvMsgSize
	}
	if cfg.MaxSendMsgSize <= 0 {
		cfg.MaxSendMsgSize = DefaultMaxSendMsgSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(cfg.MaxSendMsgSize),
		),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to create gRPC connection", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	raw, err := conn.NewStream(streamCtx, &BrokerServiceDesc.Streams[0], ConnectMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		cancel()
		conn.Close()
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to open node stream", err)
	}

	c := &Client{
		target:       target,
		conn:         conn,
		stream:       &grpc.GenericClientStream[types.Frame, types.Frame]{ClientStream: raw},
		cancel:       cancel,
		logger:       logger.OrDefault(log, "broker_client").With("target", target),
		rpcTimeout:   cfg.RPCTimeout,
		setupTimeout: cfg.SetupTimeout,
		pending:      make(map[uint64]chan *types.Frame),
		events:       make(chan *types.Frame, cfg.EventBuffer),
		done:         make(chan struct{}),
	}
	go c.recvLoop()

	resp, err := c.identify(ctx, cfg.NodeID)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.id.Store(resp.ID)
	c.resumed = resp.Resumed

	c.logger.Info("Connected to broker", "node_id", resp.ID, "resumed", resp.Resumed)
	return c, nil
}

func (c *Client) identify(ctx context.Context, id types.ID) (types.IdentifyResponse, error) {
	var resp types.IdentifyResponse
	reply, err := c.Call(ctx, types.EventIdentify, types.IdentifyRequest{ID: id})
	if err != nil {
		return resp, err
	}
	if err := reply.Decode(&resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) recvLoop() {
	defer close(c.events)
	for {
		f, err := c.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = types.NewError(types.ErrCodeUnavailable, "broker closed the stream")
			}
			c.shutdown(err)
			return
		}

		if f.IsReply() {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ReplyTo]
			delete(c.pending, f.ReplyTo)
			c.pendingMu.Unlock()
			if ok {
				ch <- f
				continue
			}
			// Replies nobody waits for, such as the outcome of a request-job sent by a
			// connection this one resumed, go to Events.
		}

		select {
		case c.events <- f:
		case <-c.done:
			return
		}
	}
}

// Call sends event and waits for the broker's reply. A reply carrying an error is
// returned as that error.
func (c *Client) Call(ctx context.Context, event types.Event, payload any) (*types.Frame, error) {
	return c.call(ctx, event, payload, c.rpcTimeout)
}

func (c *Client) call(ctx context.Context, event types.Event, payload any, timeout time.Duration) (*types.Frame, error) {
	f, err := types.NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	f.Seq = c.seq.Add(1)

	replyCh := make(chan *types.Frame, 1)
	c.pendingMu.Lock()
	c.pending[f.Seq] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.Seq)
		c.pendingMu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-replyCh:
		if err := reply.Failed(); err != nil {
			return reply, err
		}
		return reply, nil
	case <-c.done:
		return nil, c.closedError()
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeTimeout, fmt.Sprintf("no reply to %s", event), ctx.Err())
	}
}

// Send sends event without waiting for a reply
func (c *Client) Send(event types.Event, payload any) error {
	f, err := types.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return c.send(f)
}

// Reply answers a frame the broker sent, such as a job offer
func (c *Client) Reply(f *types.Frame, payload any, replyErr error) error {
	if !f.ExpectsReply() {
		return nil
	}
	r, err := f.Reply(payload, replyErr)
	if err != nil {
		return err
	}
	return c.send(r)
}

func (c *Client) send(f *types.Frame) error {
	select {
	case <-c.done:
		return c.closedError()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.Send(f); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to send "+string(f.Event), err)
	}
	return nil
}

// SetRole advertises the node's role and capabilities
func (c *Client) SetRole(ctx context.Context, role types.Role, caps *types.Capabilities) error {
	_, err := c.Call(ctx, types.EventSetRole, types.SetRoleRequest{Role: role, Capabilities: caps})
	return err
}

// ListWorkers returns the workers currently able to accept a job
func (c *Client) ListWorkers(ctx context.Context) ([]types.WorkerInfo, error) {
	reply, err := c.Call(ctx, types.EventListWorkers, nil)
	if err != nil {
		return nil, err
	}
	var workers []types.WorkerInfo
	if err := reply.Decode(&workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// RequestJob asks the broker to pair this node with workerID. It waits for the
// broker's verdict for at least the setup timeout, so a timeout seen here never
// leaves a pairing behind on the broker.
func (c *Client) RequestJob(ctx context.Context, workerID types.ID, fileNames []string) error {
	timeout := max(c.rpcTimeout, c.setupTimeout+setupReplyMargin)
	_, err := c.call(ctx, types.EventRequestJob, types.JobRequest{WorkerID: workerID, FileNames: fileNames}, timeout)
	return err
}

// CompleteJob ends the node's current job
func (c *Client) CompleteJob() error {
	return c.Send(types.EventJobComplete, nil)
}

// Events delivers frames the broker sent on its own initiative. It is closed when the
// connection ends.
func (c *Client) Events() <-chan *types.Frame {
	return c.events
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closedError()
	default:
		return nil
	}
}

// ID returns the node id the broker assigned
func (c *Client) ID() types.ID {
	id, _ := c.id.Load().(types.ID)
	return id
}

// Resumed reports whether the broker resumed a previous identity
func (c *Client) Resumed() bool {
	return c.resumed
}

// HealthCheck checks the broker service health over the same connection
func (c *Client) HealthCheck(ctx context.Context) (*grpc_health_v1.HealthCheckResponse, error) {
	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "health check failed", err)
	}
	return resp, nil
}

// Close ends the node stream and the connection
func (c *Client) Close() error {
	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()

	c.shutdown(types.NewError(types.ErrCodeCanceled, "client closed"))
	if err := c.conn.Close(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close connection", err)
	}
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.cancel()
		c.logger.Debug("Broker connection ended", "error", err)
	})
}

func (c *Client) closedError() error {
	if c.err != nil {
		return c.err
	}
	return types.NewError(types.ErrCodeUnavailable, "connection closed")
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("Client{Target: %s, NodeID: %s, Open: %v}", c.target, c.ID(), c.Err() == nil)
}
