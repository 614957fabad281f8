package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

type fakeControlPlane struct {
	mu            sync.Mutex
	registerErrs  []error
	heartbeatErrs []error
	registered    int
	heartbeats    []registry.Heartbeat
	deregistered  []string
}

func (f *fakeControlPlane) RegisterNode(_ context.Context, req registry.RegisterRequest) (*registry.NodeView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		return nil, err
	}
	f.registered++
	v := registry.View(model.Node{
		ID:                   fmt.Sprintf("node-%d", f.registered),
		Identity:             req.Identity,
		ReputationScore:      50,
		AcceptingConnections: true,
	})
	return &v, nil
}

func (f *fakeControlPlane) Heartbeat(_ context.Context, id string, hb registry.Heartbeat) (*registry.NodeView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heartbeatErrs) > 0 {
		err := f.heartbeatErrs[0]
		f.heartbeatErrs = f.heartbeatErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.heartbeats = append(f.heartbeats, hb)
	v := registry.View(model.Node{ID: id, ReputationScore: 50, AcceptingConnections: true, CurrentConnections: hb.CurrentConnections})
	return &v, nil
}

func (f *fakeControlPlane) DeregisterNode(_ context.Context, id string) (*registry.NodeView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, id)
	v := registry.View(model.Node{ID: id, Status: model.NodeStatusDeregistered})
	return &v, nil
}

func (f *fakeControlPlane) counts() (registered, heartbeats, deregistered int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered, len(f.heartbeats), len(f.deregistered)
}

func testRequest() registry.RegisterRequest {
	return registry.RegisterRequest{Identity: "relay-a", Address: "203.0.113.5:7000", Role: model.RoleRelay}
}

func startAgent(t *testing.T, a *NodeAgent) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- a.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, ch
}

func TestRunRegistersHeartbeatsAndDeregisters(t *testing.T) {
	cp := &fakeControlPlane{}
	clk := clock.NewMock()
	conns := 0
	var loadMu sync.Mutex
	a := NewNodeAgent(cp, testRequest(), nil,
		WithClock(clk),
		WithInterval(10*time.Second),
		WithLoad(func() registry.Heartbeat {
			loadMu.Lock()
			defer loadMu.Unlock()
			conns++
			return registry.Heartbeat{CurrentConnections: conns, AvgLatencyMs: 7}
		}))

	cancel, done := startAgent(t, a)
	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		_, hb, _ := cp.counts()
		return hb >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "node-1", a.NodeID())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	reg, _, dereg := cp.counts()
	assert.Equal(t, 1, reg)
	assert.Equal(t, 1, dereg)
	cp.mu.Lock()
	assert.Equal(t, 1, cp.heartbeats[0].CurrentConnections)
	assert.Equal(t, 7.0, cp.heartbeats[0].AvgLatencyMs)
	assert.Equal(t, []string{"node-1"}, cp.deregistered)
	cp.mu.Unlock()
}

func TestRunRetriesRegistration(t *testing.T) {
	unavailable := fmt.Errorf("dial: %w", errdefs.ErrUnavailable)
	cp := &fakeControlPlane{registerErrs: []error{unavailable, unavailable}}
	clk := clock.NewMock()
	a := NewNodeAgent(cp, testRequest(), nil, WithClock(clk), WithRetryBase(time.Second))

	startAgent(t, a)
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		reg, _, _ := cp.counts()
		return reg == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "node-1", a.NodeID())
}

func TestRunStopsOnInvalidRegistration(t *testing.T) {
	cp := &fakeControlPlane{registerErrs: []error{fmt.Errorf("bad address: %w", errdefs.ErrInvalid)}}
	a := NewNodeAgent(cp, testRequest(), nil, WithClock(clock.NewMock()))
	err := a.Run(context.Background())
	assert.True(t, errdefs.IsInvalid(err))
	assert.Empty(t, a.NodeID())
}

func TestRunCancelledWhileRetrying(t *testing.T) {
	cp := &fakeControlPlane{registerErrs: []error{errdefs.ErrUnavailable}}
	a := NewNodeAgent(cp, testRequest(), nil, WithClock(clock.NewMock()))

	cancel, done := startAgent(t, a)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	_, _, dereg := cp.counts()
	assert.Zero(t, dereg)
}

func TestHeartbeatReregistersWhenNodeUnknown(t *testing.T) {
	cp := &fakeControlPlane{heartbeatErrs: []error{fmt.Errorf("get: %w", errdefs.ErrNotFound)}}
	a := NewNodeAgent(cp, testRequest(), nil)
	ctx := context.Background()

	require.NoError(t, a.Heartbeat(ctx))
	assert.Equal(t, "node-1", a.NodeID())

	require.NoError(t, a.Heartbeat(ctx))
	assert.Equal(t, "node-2", a.NodeID())

	require.NoError(t, a.Heartbeat(ctx))
	reg, hb, _ := cp.counts()
	assert.Equal(t, 2, reg)
	assert.Equal(t, 1, hb)
	assert.Equal(t, "node-2", a.Last().ID)
}

func TestRunExitsWhenDeregisteredElsewhere(t *testing.T) {
	cp := &fakeControlPlane{heartbeatErrs: []error{fmt.Errorf("node is deregistered: %w", errdefs.ErrConflict)}}
	clk := clock.NewMock()
	a := NewNodeAgent(cp, testRequest(), nil, WithClock(clk), WithInterval(time.Second))

	_, done := startAgent(t, a)
	var err error
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errdefs.IsConflict(err))
	_, _, dereg := cp.counts()
	assert.Zero(t, dereg)
}
