// Package routing turns a pair of overlay identities into a scored path:
// it generates direct, relayed, multi-hop and centralized candidates,
// scores them, picks the best, and caches the choice.
package routing

import (
	"github.com/relaymesh/relaymesh/pkg/geo"
	"github.com/relaymesh/relaymesh/pkg/model"
)

// Candidate is an unscored path. Nodes holds the full path including both
// endpoints.
type Candidate struct {
	Type  model.RouteType
	Nodes []model.Node
}

// Hops is the number of links in the path.
func (c *Candidate) Hops() int { return len(c.Nodes) - 1 }

func (c *Candidate) allSupportCompression() bool {
	for i := range c.Nodes {
		if !c.Nodes[i].SupportsCompression {
			return false
		}
	}
	return true
}

// Generator builds path candidates from endpoint and relay nodes. It does
// no I/O.
type Generator struct {
	cfg Config
}

// NewGenerator returns a Generator using cfg's thresholds and limits.
func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg}
}

// Generate returns every admissible candidate between src and dst. relays
// must already be eligible and ordered best first. The centralized fallback
// is always the last element, so the result is never empty.
func (g *Generator) Generate(src, dst model.Node, relays []model.Node, requireCompression bool) []Candidate {
	var out []Candidate
	directKm := geo.HaversineKm(src.Location, dst.Location)

	if g.directEligible(&src, &dst, directKm) {
		out = append(out, Candidate{Type: model.RouteDirect, Nodes: []model.Node{src, dst}})
	}

	relays = withoutEndpoints(relays, src.ID, dst.ID)

	for i := 0; i < len(relays) && i < g.cfg.SingleRelayCandidates; i++ {
		out = append(out, Candidate{Type: model.RouteRelay, Nodes: []model.Node{src, relays[i], dst}})
	}

	top := relays
	if len(top) > g.cfg.MultiHopCandidates {
		top = top[:g.cfg.MultiHopCandidates]
	}
	maxKm := g.cfg.MaxDetourRatio * directKm
	for i := 0; i < len(top); i++ {
		for j := i + 1; j < len(top); j++ {
			legs := geo.PathDistanceKm(src.Location, top[i].Location, top[j].Location, dst.Location)
			if legs > maxKm {
				continue
			}
			out = append(out, Candidate{Type: model.RouteMultiHop, Nodes: []model.Node{src, top[i], top[j], dst}})
		}
	}

	if requireCompression {
		kept := out[:0]
		for _, c := range out {
			if c.allSupportCompression() {
				kept = append(kept, c)
			}
		}
		out = kept
	}
	return append(out, g.Centralized(src, dst))
}

// Centralized routes src and dst through the configured rendezvous point.
func (g *Generator) Centralized(src, dst model.Node) Candidate {
	return Candidate{Type: model.RouteCentralized, Nodes: []model.Node{src, g.rendezvousNode(), dst}}
}

func (g *Generator) rendezvousNode() model.Node {
	rv := g.cfg.Rendezvous
	return model.Node{
		ID:                    rv.ID,
		Role:                  model.RoleSuperRelay,
		Location:              rv.Location,
		AvgLatencyMs:          rv.LatencyMs,
		BandwidthCapacityMbps: rv.BandwidthMbps,
		ReputationScore:       rv.Reputation,
		UptimePct:             rv.UptimePct,
		SupportsCompression:   rv.SupportsCompression,
		Online:                true,
		AcceptingConnections:  true,
		Status:                model.NodeStatusActive,
	}
}

func (g *Generator) directEligible(src, dst *model.Node, km float64) bool {
	if src.Region != "" && src.Region == dst.Region {
		return true
	}
	return km < g.cfg.DirectMaxKm &&
		src.PacketLoss < g.cfg.LowLossThreshold &&
		dst.PacketLoss < g.cfg.LowLossThreshold
}

func withoutEndpoints(relays []model.Node, srcID, dstID string) []model.Node {
	out := make([]model.Node, 0, len(relays))
	for _, r := range relays {
		if r.ID != srcID && r.ID != dstID {
			out = append(out, r)
		}
	}
	return out
}
