// Package agent implements the node-side agent that registers a mesh node
// with the relaymesh control plane and keeps it alive with heartbeats.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRetryBase         = time.Second
	DefaultRetryMax          = time.Minute
	deregisterTimeout        = 5 * time.Second
)

// ControlPlane is the subset of the API client the agent needs.
type ControlPlane interface {
	RegisterNode(ctx context.Context, req registry.RegisterRequest) (*registry.NodeView, error)
	Heartbeat(ctx context.Context, id string, hb registry.Heartbeat) (*registry.NodeView, error)
	DeregisterNode(ctx context.Context, id string) (*registry.NodeView, error)
}

// LoadFunc samples the node's current load for the next heartbeat.
type LoadFunc func() registry.Heartbeat

// NodeAgent runs on every mesh node. It registers with the control plane,
// sends periodic heartbeats, and deregisters on shutdown.
type NodeAgent struct {
	cp       ControlPlane
	req      registry.RegisterRequest
	load     LoadFunc
	clock    clock.Clock
	interval time.Duration
	retry    time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	nodeID string
	last   *registry.NodeView
}

// Option configures a NodeAgent.
type Option func(*NodeAgent)

func WithClock(c clock.Clock) Option { return func(a *NodeAgent) { a.clock = c } }

func WithLoad(f LoadFunc) Option { return func(a *NodeAgent) { a.load = f } }

// WithInterval sets the heartbeat interval. It must stay well below the
// control plane's offline threshold.
func WithInterval(d time.Duration) Option {
	return func(a *NodeAgent) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithRetryBase sets the first registration retry delay. Later retries
// double it up to DefaultRetryMax.
func WithRetryBase(d time.Duration) Option {
	return func(a *NodeAgent) {
		if d > 0 {
			a.retry = d
		}
	}
}

// NewNodeAgent creates an agent that registers req with cp.
func NewNodeAgent(cp ControlPlane, req registry.RegisterRequest, logger *zap.Logger, opts ...Option) *NodeAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &NodeAgent{
		cp:       cp,
		req:      req,
		load:     func() registry.Heartbeat { return registry.Heartbeat{} },
		clock:    clock.New(),
		interval: DefaultHeartbeatInterval,
		retry:    DefaultRetryBase,
		logger:   logger.Named("agent").With(zap.String("identity", req.Identity)),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NodeID is the id assigned at the last successful registration, or "".
func (a *NodeAgent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// Last is the node record returned by the last successful call.
func (a *NodeAgent) Last() *registry.NodeView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *NodeAgent) remember(v *registry.NodeView) {
	a.mu.Lock()
	a.nodeID = v.ID
	a.last = v
	a.mu.Unlock()
}

// Register registers this node with the control plane. Each call creates a
// fresh node record.
func (a *NodeAgent) Register(ctx context.Context) error {
	v, err := a.cp.RegisterNode(ctx, a.req)
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	a.remember(v)
	a.logger.Info("node registered", zap.String("node_id", v.ID), zap.String("trust_level", string(v.TrustLevel)))
	return nil
}

// Heartbeat sends one heartbeat. A control plane that no longer knows the
// node (for example after an in-memory restart) gets a fresh registration.
// A deregistered node yields ErrConflict.
func (a *NodeAgent) Heartbeat(ctx context.Context) error {
	id := a.NodeID()
	if id == "" {
		return a.Register(ctx)
	}
	v, err := a.cp.Heartbeat(ctx, id, a.load())
	if errdefs.IsNotFound(err) {
		a.logger.Warn("control plane lost node, re-registering", zap.String("node_id", id))
		return a.Register(ctx)
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	a.remember(v)
	if !v.AcceptingConnections {
		a.logger.Warn("node is not accepting connections",
			zap.String("node_id", id), zap.String("trust_level", string(v.TrustLevel)))
	}
	return nil
}

// Run registers, retrying with backoff, then heartbeats every interval
// until ctx is cancelled, at which point the node is deregistered. It
// returns early with an error only when the node was deregistered
// elsewhere or registration input is rejected.
func (a *NodeAgent) Run(ctx context.Context) error {
	if err := a.registerWithRetry(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}

	ticker := a.clock.Ticker(a.interval)
	defer ticker.Stop()
	a.logger.Info("heartbeat loop started", zap.Duration("interval", a.interval))
	for {
		select {
		case <-ctx.Done():
			a.deregister()
			a.logger.Info("heartbeat loop stopped")
			return nil
		case <-ticker.C:
			err := a.Heartbeat(ctx)
			switch {
			case err == nil:
			case errdefs.IsConflict(err):
				a.logger.Warn("node was deregistered, agent exiting", zap.Error(err))
				return err
			case ctx.Err() != nil:
			default:
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *NodeAgent) registerWithRetry(ctx context.Context) error {
	delay := a.retry
	for {
		err := a.Register(ctx)
		if err == nil {
			return nil
		}
		if errdefs.IsInvalid(err) {
			return err
		}
		a.logger.Warn("registration failed, retrying", zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(delay):
		}
		delay = min(delay*2, DefaultRetryMax)
	}
}

func (a *NodeAgent) deregister() {
	id := a.NodeID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if _, err := a.cp.DeregisterNode(ctx, id); err != nil {
		a.logger.Warn("deregister failed", zap.String("node_id", id), zap.Error(err))
		return
	}
	a.logger.Info("node deregistered", zap.String("node_id", id))
}
