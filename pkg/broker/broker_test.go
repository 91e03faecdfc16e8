package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delcom/broker/internal/config"
	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/types"
)

// testNode is an in-memory node connection. Frames the broker sends land in inbox;
// job offers are answered by accept.
type testNode struct {
	t      *testing.T
	id     types.ID
	inbox  chan *types.Frame
	acks   chan *types.Frame
	seq    uint64
	mu     sync.Mutex
	accept func(*types.Frame) error
}

func newTestNode(t *testing.T) *testNode {
	return &testNode{
		t:     t,
		inbox: make(chan *types.Frame, 64),
		acks:  make(chan *types.Frame, 64),
	}
}

func (n *testNode) Send(ctx context.Context, f *types.Frame) error {
	n.inbox <- f
	return nil
}

func (n *testNode) Request(ctx context.Context, f *types.Frame) (*types.Frame, error) {
	n.inbox <- f
	n.mu.Lock()
	accept := n.accept
	n.mu.Unlock()

	var err error
	if accept != nil {
		err = accept(f)
	}
	f.Seq = 1
	return f.Reply(nil, err)
}

func (n *testNode) reply(f *types.Frame) {
	n.acks <- f
}

func (n *testNode) nextSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return n.seq
}

func (n *testNode) expectFrame(event types.Event) *types.Frame {
	n.t.Helper()
	select {
	case f := <-n.inbox:
		require.Equal(n.t, event, f.Event)
		return f
	case <-time.After(2 * time.Second):
		n.t.Fatalf("timed out waiting for %s", event)
		return nil
	}
}

func (n *testNode) expectAck() *types.Frame {
	n.t.Helper()
	select {
	case f := <-n.acks:
		require.Equal(n.t, types.EventAck, f.Event)
		return f
	case <-time.After(2 * time.Second):
		n.t.Fatal("timed out waiting for ack")
		return nil
	}
}

func (n *testNode) expectQuiet() {
	n.t.Helper()
	select {
	case f := <-n.inbox:
		n.t.Fatalf("unexpected frame %s", f.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := config.DefaultBrokerConfig()
	cfg.SetupTimeout = time.Second
	b := New(cfg, logger.NewNop())
	t.Cleanup(func() { b.Close() })
	return b
}

func connect(t *testing.T, b *Broker) *testNode {
	t.Helper()
	n := newTestNode(t)
	ident, err := b.Identify("", n)
	require.NoError(t, err)
	n.id = ident.ID
	return n
}

// send dispatches a frame from n, asking for a reply when withReply is set
func send(t *testing.T, b *Broker, n *testNode, event types.Event, payload any, withReply bool) {
	t.Helper()
	f, err := types.NewFrame(event, payload)
	require.NoError(t, err)
	if withReply {
		f.Seq = n.nextSeq()
	}
	b.Dispatch(context.Background(), n.id, f, n.reply)
}

func TestBrokerJobLifecycle(t *testing.T) {
	b := newTestBroker(t)
	delegator := connect(t, b)
	worker := connect(t, b)

	caps := types.Capabilities{MachineArch: "x64", CPUs: []types.CPU{{Model: "i7", Speed: 3000}}, RAM: 16 << 30}
	send(t, b, worker, types.EventSetRole, types.SetRoleRequest{Role: types.RoleWorker, Capabilities: &caps}, true)
	assert.Empty(t, worker.expectAck().Err)

	send(t, b, delegator, types.EventListWorkers, nil, true)
	var workers []types.WorkerInfo
	require.NoError(t, json.Unmarshal(delegator.expectAck().Payload, &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, worker.id, workers[0].ID)
	assert.Equal(t, caps, workers[0].Capabilities)

	send(t, b, delegator, types.EventRequestJob, types.JobRequest{WorkerID: worker.id, FileNames: []string{"a.c"}}, true)
	offer := worker.expectFrame(types.EventJobOffer)
	var jo types.JobOffer
	require.NoError(t, offer.Decode(&jo))
	assert.Equal(t, delegator.id, jo.DelegatorID)
	assert.Equal(t, []string{"a.c"}, jo.FileNames)
	assert.Empty(t, delegator.expectAck().Err)

	send(t, b, delegator, types.EventFileChunk, json.RawMessage(`{"name":"a.c","data":"eA=="}`), true)
	assert.Empty(t, delegator.expectAck().Err)
	chunk := worker.expectFrame(types.EventFileChunk)
	assert.JSONEq(t, `{"name":"a.c","data":"eA=="}`, string(chunk.Payload))

	send(t, b, delegator, types.EventFilesDone, nil, false)
	worker.expectFrame(types.EventFilesDone)

	send(t, b, worker, types.EventBuildOut, json.RawMessage(`"compiling a.c"`), false)
	send(t, b, worker, types.EventRunOut, json.RawMessage(`"hello"`), false)
	assert.Equal(t, `"compiling a.c"`, string(delegator.expectFrame(types.EventBuildOut).Payload))
	assert.Equal(t, `"hello"`, string(delegator.expectFrame(types.EventRunOut).Payload))

	send(t, b, delegator, types.EventListWorkers, nil, true)
	require.NoError(t, json.Unmarshal(delegator.expectAck().Payload, &workers))
	assert.Empty(t, workers, "busy worker is not listed")

	send(t, b, worker, types.EventJobComplete, nil, false)
	fin := delegator.expectFrame(types.EventFinished)
	var f types.Finished
	require.NoError(t, fin.Decode(&f))
	assert.Equal(t, worker.id, f.PeerID)

	send(t, b, delegator, types.EventListWorkers, nil, true)
	require.NoError(t, json.Unmarshal(delegator.expectAck().Payload, &workers))
	assert.Len(t, workers, 1)

	stats := b.Stats()
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, uint64(4), stats.Relay.Frames)
}

func TestBrokerRequestJobRejectedByWorker(t *testing.T) {
	b := newTestBroker(t)
	delegator := connect(t, b)
	worker := connect(t, b)
	worker.accept = func(*types.Frame) error {
		return types.NewError(types.ErrCodeConflict, "toolchain missing")
	}
	send(t, b, worker, types.EventSetRole, types.SetRoleRequest{Role: types.RoleWorker, Capabilities: &types.Capabilities{}}, false)

	send(t, b, delegator, types.EventRequestJob, types.JobRequest{WorkerID: worker.id}, true)
	worker.expectFrame(types.EventJobOffer)
	ack := delegator.expectAck()
	assert.Equal(t, types.ErrCodeSetupFailed, ack.Code)
	assert.Contains(t, ack.Err, "toolchain missing")

	info, _ := b.Registry().Get(worker.id)
	assert.True(t, info.Available())
}

func TestBrokerRejectsBadFrames(t *testing.T) {
	b := newTestBroker(t)
	n := connect(t, b)

	tests := []struct {
		name    string
		event   types.Event
		payload any
		code    string
	}{
		{name: "unknown event", event: types.Event("teleport"), code: types.ErrCodeInvalidArgument},
		{name: "set-role without payload", event: types.EventSetRole, code: types.ErrCodeInvalidArgument},
		{name: "set-role bad role", event: types.EventSetRole, payload: map[string]string{"role": "boss"}, code: types.ErrCodeInvalidArgument},
		{name: "malformed request-job", event: types.EventRequestJob, payload: json.RawMessage(`[1,2]`), code: types.ErrCodeInvalidArgument},
		{name: "request-job without worker", event: types.EventRequestJob, payload: types.JobRequest{}, code: types.ErrCodeInvalidArgument},
		{name: "request-job ghost worker", event: types.EventRequestJob, payload: types.JobRequest{WorkerID: "dead"}, code: types.ErrCodeNotFound},
		{name: "orphaned file chunk", event: types.EventFileChunk, payload: json.RawMessage(`{}`), code: types.ErrCodeNoActivePairing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, b, n, tt.event, tt.payload, true)
			ack := n.expectAck()
			assert.Equal(t, tt.code, ack.Code)
			assert.NotEmpty(t, ack.Err)
		})
	}
}

func TestBrokerOrphanedOutputIsDropped(t *testing.T) {
	b := newTestBroker(t)
	n := connect(t, b)

	send(t, b, n, types.EventRunErr, json.RawMessage(`"x"`), true)
	select {
	case f := <-n.acks:
		t.Fatalf("output must never be acked, got %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), b.Stats().Relay.Dropped)
}

func TestBrokerDisconnectNotifiesPeer(t *testing.T) {
	pair := func(t *testing.T) (*Broker, *testNode, *testNode) {
		b := newTestBroker(t)
		delegator := connect(t, b)
		worker := connect(t, b)
		send(t, b, worker, types.EventSetRole, types.SetRoleRequest{Role: types.RoleWorker, Capabilities: &types.Capabilities{}}, false)
		send(t, b, delegator, types.EventRequestJob, types.JobRequest{WorkerID: worker.id}, true)
		worker.expectFrame(types.EventJobOffer)
		require.Empty(t, delegator.expectAck().Err)
		return b, delegator, worker
	}

	t.Run("worker vanishes", func(t *testing.T) {
		b, delegator, worker := pair(t)
		b.Disconnect(context.Background(), worker.id, worker)

		f := delegator.expectFrame(types.EventPeerVanished)
		var pv types.PeerVanished
		require.NoError(t, f.Decode(&pv))
		assert.Equal(t, worker.id, pv.PeerID)
		assert.Equal(t, types.SideWorker, pv.Role)

		info, ok := b.Registry().Get(delegator.id)
		require.True(t, ok)
		assert.True(t, info.PairedAsDelegatorTo.IsEmpty())
		assert.Equal(t, uint64(1), b.Stats().Vanished)
	})

	t.Run("delegator vanishes", func(t *testing.T) {
		b, delegator, worker := pair(t)
		b.Disconnect(context.Background(), delegator.id, delegator)

		f := worker.expectFrame(types.EventPeerVanished)
		var pv types.PeerVanished
		require.NoError(t, f.Decode(&pv))
		assert.Equal(t, delegator.id, pv.PeerID)
		assert.Equal(t, types.SideDelegator, pv.Role)

		info, _ := b.Registry().Get(worker.id)
		assert.True(t, info.Available())
	})

	t.Run("replaced connection does nothing", func(t *testing.T) {
		b, delegator, worker := pair(t)
		resumed := newTestNode(t)
		ident, err := b.Identify(worker.id, resumed)
		require.NoError(t, err)
		require.True(t, ident.Resumed)

		b.Disconnect(context.Background(), worker.id, worker)
		delegator.expectQuiet()
		assert.True(t, b.Registry().IsPaired(delegator.id, worker.id))
	})
}

func TestBrokerDisconnectIdleNode(t *testing.T) {
	b := newTestBroker(t)
	a := connect(t, b)
	other := connect(t, b)

	b.Disconnect(context.Background(), a.id, a)
	other.expectQuiet()
	assert.Len(t, b.Nodes(), 1)
}

func TestBrokerClose(t *testing.T) {
	b := newTestBroker(t)
	n := connect(t, b)
	require.True(t, b.Ready())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.Ready())

	_, err := b.Identify("", newTestNode(t))
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	send(t, b, n, types.EventListWorkers, nil, true)
	assert.Equal(t, types.ErrCodeUnavailable, n.expectAck().Code)
}

func TestBrokerRunStopsOnCancel(t *testing.T) {
	cfg := config.DefaultBrokerConfig()
	cfg.DebugDumpInterval = 10 * time.Millisecond
	log, err := logger.NewWithWriter(&syncBuffer{}, "text", logger.LevelDebug)
	require.NoError(t, err)
	b := New(cfg, log)
	defer b.Close()
	connect(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, b.Run(ctx))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}
