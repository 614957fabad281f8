// Package directory answers read-only questions about the node population:
// which nodes an identity has online, and which relays are fit to carry
// third-party traffic.
package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

const (
	// DefaultRelayLimit caps a RelayCandidates result.
	DefaultRelayLimit = 20
	// LoadCeiling is the fraction of MaxConnections above which a relay is
	// too busy to take another call.
	LoadCeiling = 0.8
)

// RelayQuery narrows RelayCandidates.
type RelayQuery struct {
	// Exclude lists node IDs that must not appear, typically the endpoints.
	Exclude []string
	// MinTrustScore defaults to trust.TrustedThreshold.
	MinTrustScore      float64
	RequireCompression bool
	// Limit defaults to DefaultRelayLimit.
	Limit int
}

// Directory reads nodes from the store.
type Directory struct {
	nodes store.NodeStore
}

// New returns a Directory over ns.
func New(ns store.NodeStore) *Directory {
	return &Directory{nodes: ns}
}

// OnlineNodes returns the online, accepting nodes of identity, best first
// (reputation descending, then latency ascending). An identity without such
// nodes yields an empty slice.
func (d *Directory) OnlineNodes(ctx context.Context, identity string) ([]model.Node, error) {
	all, err := d.nodes.ListByIdentity(ctx, identity)
	if err != nil {
		return nil, unavailable("list nodes of "+identity, err)
	}
	out := make([]model.Node, 0, len(all))
	for _, n := range all {
		if endpointUsable(&n) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReputationScore != out[j].ReputationScore {
			return out[i].ReputationScore > out[j].ReputationScore
		}
		return out[i].AvgLatencyMs < out[j].AvgLatencyMs
	})
	return out, nil
}

// KnownIdentity reports whether any node, in any state, was registered for
// identity.
func (d *Directory) KnownIdentity(ctx context.Context, identity string) (bool, error) {
	all, err := d.nodes.ListByIdentity(ctx, identity)
	if err != nil {
		return false, unavailable("list nodes of "+identity, err)
	}
	return len(all) > 0, nil
}

// RelayCandidates returns nodes eligible to relay: a relaying role, trusted
// or verified, at least q.MinTrustScore, online, accepting and below the
// load ceiling. Results are ordered by reputation descending, latency
// ascending, then spare connection capacity descending.
func (d *Directory) RelayCandidates(ctx context.Context, q RelayQuery) ([]model.Node, error) {
	if q.MinTrustScore <= 0 {
		q.MinTrustScore = trust.TrustedThreshold
	}
	if q.Limit <= 0 {
		q.Limit = DefaultRelayLimit
	}
	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}

	all, err := d.nodes.List(ctx)
	if err != nil {
		return nil, unavailable("list relay candidates", err)
	}
	out := make([]model.Node, 0)
	for _, n := range all {
		if excluded[n.ID] || !RelayEligible(&n, q.MinTrustScore) {
			continue
		}
		if q.RequireCompression && !n.SupportsCompression {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.ReputationScore != b.ReputationScore {
			return a.ReputationScore > b.ReputationScore
		}
		if a.AvgLatencyMs != b.AvgLatencyMs {
			return a.AvgLatencyMs < b.AvgLatencyMs
		}
		return a.SpareConnections() > b.SpareConnections()
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// RouteUsable reports whether every node on r's path would still be
// selected: both endpoints online and accepting, every relay eligible at
// minRelayScore. A node that no longer exists makes the route unusable.
// Centralized routes depend on no relay and are always usable.
func (d *Directory) RouteUsable(ctx context.Context, r *model.Route, minRelayScore float64) (bool, error) {
	if r.Type == model.RouteCentralized {
		return true, nil
	}
	if len(r.Path) < 2 {
		return false, nil
	}
	if minRelayScore <= 0 {
		minRelayScore = trust.TrustedThreshold
	}
	last := len(r.Path) - 1
	for i, id := range r.Path {
		n, err := d.nodes.Get(ctx, id)
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, unavailable("check route node "+id, err)
		}
		ok := endpointUsable(n)
		if i > 0 && i < last {
			ok = RelayEligible(n, minRelayScore)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func endpointUsable(n *model.Node) bool {
	return n.Online && n.AcceptingConnections && n.Status != model.NodeStatusDeregistered
}

// RelayEligible applies the relay admission rules to a single node.
func RelayEligible(n *model.Node, minScore float64) bool {
	if !n.Role.CanRelay() || !n.Online || !n.AcceptingConnections {
		return false
	}
	if n.Status == model.NodeStatusDeregistered {
		return false
	}
	if n.ReputationScore < minScore || !trust.RelayEligible(trust.LevelFor(n.ReputationScore)) {
		return false
	}
	return float64(n.CurrentConnections) < LoadCeiling*float64(n.MaxConnections)
}

func unavailable(op string, err error) error {
	if errdefs.IsUnavailable(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errdefs.ErrUnavailable, err)
}
