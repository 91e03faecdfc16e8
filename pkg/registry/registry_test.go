package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/types"
)

type stubChannel struct {
	name string
}

func (s *stubChannel) Send(ctx context.Context, f *types.Frame) error { return nil }

func (s *stubChannel) Request(ctx context.Context, f *types.Frame) (*types.Frame, error) {
	return f.Reply(nil, nil)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Options{Logger: logger.NewNop()})
}

func identifyWorker(t *testing.T, r *Registry, caps *types.Capabilities) types.ID {
	t.Helper()
	id := r.Identify("", &stubChannel{}).ID
	require.NoError(t, r.SetRole(id, types.RoleWorker, caps))
	return id
}

func TestIdentifyAssignsFreshIDs(t *testing.T) {
	r := newTestRegistry(t)

	first := r.Identify("", &stubChannel{})
	assert.False(t, first.Resumed)
	assert.Len(t, first.ID.String(), 4)

	second := r.Identify("", &stubChannel{})
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, r.Len())

	info, ok := r.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, types.RoleNotWorker, info.Role)
	assert.Nil(t, info.Capabilities)
	assert.True(t, info.PairedAsDelegatorTo.IsEmpty())
	assert.True(t, info.PairedAsWorkerFor.IsEmpty())
}

func TestIdentifyUnknownRequestedIDGetsNewID(t *testing.T) {
	r := newTestRegistry(t)

	ident := r.Identify("zzzz", &stubChannel{})
	assert.False(t, ident.Resumed)
	assert.NotEqual(t, types.ID("zzzz"), ident.ID)
}

func TestIdentifyResumesLiveNode(t *testing.T) {
	r := newTestRegistry(t)
	oldCh := &stubChannel{name: "old"}
	id := r.Identify("", oldCh).ID
	require.NoError(t, r.SetRole(id, types.RoleWorker, &types.Capabilities{MachineArch: "arm64"}))

	newCh := &stubChannel{name: "new"}
	ident := r.Identify(id, newCh)
	assert.True(t, ident.Resumed)
	assert.Equal(t, id, ident.ID)
	assert.Same(t, oldCh, ident.Replaced)
	assert.Equal(t, 1, r.Len())

	ch, ok := r.Channel(id)
	require.True(t, ok)
	assert.Same(t, newCh, ch)

	info, _ := r.Get(id)
	assert.Equal(t, types.RoleWorker, info.Role)
	require.NotNil(t, info.Capabilities)
	assert.Equal(t, "arm64", info.Capabilities.MachineArch)
}

func TestIdentifyRespectsResumeWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := New(Options{
		Logger:       logger.NewNop(),
		ResumeWindow: time.Minute,
		Now:          func() time.Time { return now },
	})

	id := r.Identify("", &stubChannel{}).ID

	now = now.Add(30 * time.Second)
	assert.True(t, r.Identify(id, &stubChannel{}).Resumed)

	now = now.Add(2 * time.Minute)
	ident := r.Identify(id, &stubChannel{})
	assert.False(t, ident.Resumed)
	assert.NotEqual(t, id, ident.ID)
}

func TestIdentifyConcurrentIDsAreUnique(t *testing.T) {
	r := New(Options{Logger: logger.NewNop(), IDBytes: 1})

	const n = 300
	ids := make(chan types.ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Identify("", &stubChannel{}).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[types.ID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	// 300 nodes cannot fit in one byte of id space, so the allocator must have widened
	assert.Len(t, seen, n)
	assert.Equal(t, n, r.Len())
}

func TestRegisterRejectsLiveID(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register("ab12", &stubChannel{}))
	err := r.Register("ab12", &stubChannel{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeConflict))

	err = r.Register("", &stubChannel{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestUnregisterOnlyMatchingChannel(t *testing.T) {
	r := newTestRegistry(t)
	oldCh := &stubChannel{name: "old"}
	id := r.Identify("", oldCh).ID
	r.Identify(id, &stubChannel{name: "new"})

	_, removed := r.Unregister(id, oldCh)
	assert.False(t, removed, "stale connection must not remove the resumed node")
	assert.Equal(t, 1, r.Len())

	info, removed := r.Unregister(id, nil)
	assert.True(t, removed)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, 0, r.Len())

	_, removed = r.Unregister(id, nil)
	assert.False(t, removed)
}

func TestSetRole(t *testing.T) {
	r := newTestRegistry(t)
	id := r.Identify("", &stubChannel{}).ID

	caps := &types.Capabilities{MachineArch: "x64", CPUs: []types.CPU{{Model: "Xeon", Speed: 2400}}, RAM: 8 << 30}
	require.NoError(t, r.SetRole(id, types.RoleWorker, caps))

	caps.CPUs[0].Model = "mutated"
	info, _ := r.Get(id)
	assert.Equal(t, "Xeon", info.Capabilities.CPUs[0].Model, "registry keeps its own copy")

	require.NoError(t, r.SetRole(id, types.RoleNotWorker, nil))
	info, _ = r.Get(id)
	assert.Equal(t, types.RoleNotWorker, info.Role)
	assert.Nil(t, info.Capabilities)

	err := r.SetRole(id, types.Role("boss"), nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	err = r.SetRole("ffff", types.RoleWorker, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestAvailableWorkers(t *testing.T) {
	r := newTestRegistry(t)

	w1 := identifyWorker(t, r, &types.Capabilities{MachineArch: "x64"})
	delegator := r.Identify("", &stubChannel{}).ID
	w2 := identifyWorker(t, r, &types.Capabilities{MachineArch: "arm64"})
	identifyWorker(t, r, nil)

	var got []types.ID
	for id := range r.AvailableWorkers() {
		got = append(got, id)
	}
	assert.Equal(t, []types.ID{w1, w2}, got, "registration order, capability-less workers skipped")

	require.NoError(t, r.Pair(delegator, w1))
	workers := r.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, w2, workers[0].ID)
	assert.Equal(t, "arm64", workers[0].Capabilities.MachineArch)

	// Stop early
	count := 0
	for range r.AvailableWorkers() {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestSnapshotOrderAndTouch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(Options{Logger: logger.NewNop(), Now: func() time.Time { return now }})

	var ids []types.ID
	for i := 0; i < 5; i++ {
		ids = append(ids, r.Identify("", &stubChannel{name: fmt.Sprint(i)}).ID)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 5)
	for i, info := range snap {
		assert.Equal(t, ids[i], info.ID)
	}

	now = now.Add(time.Hour)
	r.Touch(ids[2])
	info, _ := r.Get(ids[2])
	assert.Equal(t, now, info.LastSeen)
	assert.NotEqual(t, now, info.ConnectedAt)
}
