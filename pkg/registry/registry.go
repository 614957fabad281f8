// Package registry owns the node lifecycle: registration, heartbeats,
// deregistration, and the read views over the node population.
package registry

import (
	"context"
	"fmt"
	"math"
	"net"
	"regexp"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/geo"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

const (
	DefaultMaxConnections        = 100
	DefaultBandwidthCapacityMbps = 100.0
	// DefaultOfflineAfter is how long a node may stay silent before the
	// fleet sweep marks it offline. Heartbeat gaps longer than this are not
	// counted as online time.
	DefaultOfflineAfter = 5 * time.Minute
)

var identityPattern = regexp.MustCompile(`^[a-zA-Z0-9._:@-]{1,253}$`)

// RegisterRequest is the input to RegisterNode.
type RegisterRequest struct {
	Identity              string         `json:"identity"`
	Address               string         `json:"address"`
	Role                  model.NodeRole `json:"role"`
	Region                string         `json:"region,omitempty"`
	Country               string         `json:"country,omitempty"`
	Location              model.Location `json:"location"`
	SupportsCompression   bool           `json:"supports_compression"`
	MaxConnections        int            `json:"max_connections,omitempty"`
	BandwidthCapacityMbps float64        `json:"bandwidth_capacity_mbps,omitempty"`
}

func (r *RegisterRequest) validate() error {
	if !identityPattern.MatchString(r.Identity) {
		return fmt.Errorf("identity %q is empty or contains invalid characters: %w", r.Identity, errdefs.ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(r.Address); err != nil {
		return fmt.Errorf("address %q is not a valid host:port: %w", r.Address, errdefs.ErrInvalid)
	}
	if r.Role != "" && !r.Role.Valid() {
		return fmt.Errorf("role %q (allowed: peer, relay, edge, super_relay): %w", r.Role, errdefs.ErrInvalid)
	}
	if !geo.ValidLocation(r.Location) {
		return fmt.Errorf("location %+v is out of range: %w", r.Location, errdefs.ErrInvalid)
	}
	if r.MaxConnections < 0 || r.BandwidthCapacityMbps < 0 {
		return fmt.Errorf("capacity must be non-negative: %w", errdefs.ErrInvalid)
	}
	return nil
}

// Heartbeat carries a node's current load and link quality.
type Heartbeat struct {
	CurrentConnections int     `json:"current_connections"`
	BandwidthUsageMbps float64 `json:"bandwidth_usage_mbps"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	// PacketLoss is a fraction in [0, 1].
	PacketLoss float64 `json:"packet_loss"`
}

func (h *Heartbeat) validate() error {
	for _, v := range []float64{h.BandwidthUsageMbps, h.AvgLatencyMs} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("heartbeat load and latency must be finite: %w", errdefs.ErrInvalid)
		}
	}
	if h.CurrentConnections < 0 || h.BandwidthUsageMbps < 0 || h.AvgLatencyMs < 0 {
		return fmt.Errorf("heartbeat load and latency must be non-negative: %w", errdefs.ErrInvalid)
	}
	if h.PacketLoss < 0 || h.PacketLoss > 1 || math.IsNaN(h.PacketLoss) {
		return fmt.Errorf("packet_loss must be a fraction in [0, 1], got %v: %w", h.PacketLoss, errdefs.ErrInvalid)
	}
	return nil
}

// Registry manages node records.
type Registry struct {
	store        store.Store
	clock        clock.Clock
	offlineAfter time.Duration
	logger       *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithOfflineAfter sets the heartbeat silence that ends an online stretch.
func WithOfflineAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.offlineAfter = d
		}
	}
}

// New returns a Registry over s.
func New(s store.Store, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:        s,
		clock:        clock.New(),
		offlineAfter: DefaultOfflineAfter,
		logger:       logger.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterNode creates a node at the base reputation score, online and
// accepting connections unless its identity is suspended.
func (r *Registry) RegisterNode(ctx context.Context, req RegisterRequest) (*model.Node, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = model.RolePeer
	}
	if req.MaxConnections == 0 {
		req.MaxConnections = DefaultMaxConnections
	}
	if req.BandwidthCapacityMbps == 0 {
		req.BandwidthCapacityMbps = DefaultBandwidthCapacityMbps
	}
	identitySuspended, err := r.identitySuspended(ctx, req.Identity)
	if err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}
	now := r.clock.Now().UTC()
	n := &model.Node{
		ID:                    uuid.NewString(),
		Identity:              req.Identity,
		Address:               req.Address,
		Role:                  req.Role,
		Location:              req.Location,
		Region:                req.Region,
		Country:               req.Country,
		UptimePct:             100,
		ReputationScore:       trust.BaseScore,
		MaxConnections:        req.MaxConnections,
		BandwidthCapacityMbps: req.BandwidthCapacityMbps,
		Online:                true,
		AcceptingConnections:  !identitySuspended,
		IdentitySuspended:     identitySuspended,
		SupportsCompression:   req.SupportsCompression,
		Status:                model.NodeStatusActive,
		RegisteredAt:          now,
		LastHeartbeat:         now,
		UpdatedAt:             now,
	}
	if err := r.store.Nodes().Create(ctx, n); err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}
	r.logger.Info("node registered",
		zap.String("node_id", n.ID),
		zap.String("identity", n.Identity),
		zap.String("role", string(n.Role)),
		zap.String("region", n.Region))
	return n, nil
}

// identitySuspended reports whether identity's own reputation is in the
// suspended tier. An identity without a record sits at the base score.
func (r *Registry) identitySuspended(ctx context.Context, identity string) (bool, error) {
	rep, err := r.store.Identities().Get(ctx, identity)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return trust.LevelFor(rep.Score) == model.TrustSuspended, nil
}

// NodeHeartbeat records liveness and load. It touches only liveness, load
// and link-quality fields; reputation is left alone. A node returning from
// offline is admitted again unless it or its identity is suspended.
func (r *Registry) NodeHeartbeat(ctx context.Context, nodeID string, hb Heartbeat) (*model.Node, error) {
	if err := hb.validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()
	n, err := r.store.Nodes().Mutate(ctx, nodeID, func(n *model.Node) error {
		if n.Status == model.NodeStatusDeregistered {
			return fmt.Errorf("node %q is deregistered: %w", nodeID, errdefs.ErrConflict)
		}
		if n.Online && !n.LastHeartbeat.IsZero() {
			if gap := now.Sub(n.LastHeartbeat); gap > 0 && gap <= r.offlineAfter {
				n.OnlineSeconds += gap.Seconds()
			}
		}
		if lifetime := now.Sub(n.RegisteredAt).Seconds(); lifetime > 0 {
			n.UptimePct = geo.Clamp(100*n.OnlineSeconds/lifetime, 0, 100)
		}
		n.CurrentConnections = hb.CurrentConnections
		n.BandwidthUsageMbps = hb.BandwidthUsageMbps
		n.AvgLatencyMs = hb.AvgLatencyMs
		n.PacketLoss = hb.PacketLoss
		n.Online = true
		n.Status = model.NodeStatusActive
		n.AcceptingConnections = trust.Admissible(n)
		n.LastHeartbeat = now
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return n, nil
}

// DeregisterNode takes a node out of service. The record is kept for
// history and routes that reference it.
func (r *Registry) DeregisterNode(ctx context.Context, nodeID string) (*model.Node, error) {
	now := r.clock.Now().UTC()
	n, err := r.store.Nodes().Mutate(ctx, nodeID, func(n *model.Node) error {
		n.Online = false
		n.AcceptingConnections = false
		n.Status = model.NodeStatusDeregistered
		n.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deregister node: %w", err)
	}
	r.logger.Info("node deregistered", zap.String("node_id", nodeID))
	return n, nil
}

// NodeView is a node as shown to callers: the reputation score is clamped
// to [0, 100] and the derived trust level is included.
type NodeView struct {
	model.Node
	ReputationScore    float64          `json:"reputation_score"`
	RawReputationScore float64          `json:"raw_reputation_score"`
	TrustLevel         model.TrustLevel `json:"trust_level"`
}

// View derives the caller-facing form of n.
func View(n model.Node) NodeView {
	return NodeView{
		Node:               n,
		ReputationScore:    trust.ReportedScore(n.ReputationScore),
		RawReputationScore: n.ReputationScore,
		TrustLevel:         trust.LevelFor(n.ReputationScore),
	}
}

// GetNodeInfo returns one node.
func (r *Registry) GetNodeInfo(ctx context.Context, nodeID string) (*NodeView, error) {
	n, err := r.store.Nodes().Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	v := View(*n)
	return &v, nil
}

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	Identity string
	Status   string
	Role     model.NodeRole
	Level    model.TrustLevel
}

// ListNodes returns nodes matching f ordered by ID.
func (r *Registry) ListNodes(ctx context.Context, f NodeFilter) ([]NodeView, error) {
	var (
		nodes []model.Node
		err   error
	)
	if f.Identity != "" {
		nodes, err = r.store.Nodes().ListByIdentity(ctx, f.Identity)
	} else {
		nodes, err = r.store.Nodes().List(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		v := View(n)
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.Role != "" && n.Role != f.Role {
			continue
		}
		if f.Level != "" && v.TrustLevel != f.Level {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
