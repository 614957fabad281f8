package routing

import (
	"math"

	"github.com/relaymesh/relaymesh/pkg/geo"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// Scorer predicts latency and bandwidth for a candidate and ranks it with a
// fixed linear blend of sub-scores.
type Scorer struct {
	w Weights
}

// NewScorer returns a Scorer using w.
func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Score fills the prediction, score and factor fields of a Route for c.
// Identity, media type and bookkeeping fields are left to the caller.
func (s *Scorer) Score(c Candidate) model.Route {
	var (
		nodeLatency float64
		repSum      float64
		uptimeSum   float64
		bandwidth   = math.Inf(1)
		locs        = make([]model.Location, len(c.Nodes))
		path        = make([]string, len(c.Nodes))
	)
	for i := range c.Nodes {
		n := &c.Nodes[i]
		path[i] = n.ID
		locs[i] = n.Location
		nodeLatency += n.AvgLatencyMs
		repSum += trust.ReportedScore(n.ReputationScore)
		uptimeSum += geo.Clamp(n.UptimePct, 0, 100)
		bandwidth = math.Min(bandwidth, n.SpareBandwidthMbps())
	}
	if len(c.Nodes) == 0 {
		bandwidth = 0
	}
	count := math.Max(float64(len(c.Nodes)), 1)
	km := geo.PathDistanceKm(locs...)
	interHop := geo.LatencyForDistanceMs(km)
	latency := nodeLatency + interHop
	hops := c.Hops()

	f := model.ScoreFactors{
		LatencyScore:      geo.Clamp(100-latency/5, 0, 100),
		BandwidthScore:    geo.Clamp(bandwidth*2, 0, 100),
		HopScore:          geo.Clamp(100-float64(hops)*20, 0, 100),
		AvgReputation:     repSum / count,
		AvgUptime:         uptimeSum / count,
		Hops:              hops,
		GreatCircleKm:     km,
		InterHopLatencyMs: interHop,
	}
	compression := len(c.Nodes) > 0 && c.allSupportCompression()
	if compression {
		f.ProtocolBonus = s.w.ProtocolBonus
	}

	score := math.Abs(s.w.Latency)*f.LatencyScore +
		s.w.Bandwidth*f.BandwidthScore +
		s.w.Reputation*f.AvgReputation +
		math.Abs(s.w.Hops)*f.HopScore +
		s.w.Uptime*f.AvgUptime +
		f.ProtocolBonus

	return model.Route{
		Path:                   path,
		PathLength:             hops,
		Type:                   c.Type,
		PredictedLatencyMs:     latency,
		PredictedBandwidthMbps: bandwidth,
		Score:                  geo.Clamp(score, 0, 100),
		SupportsCompression:    compression,
		Factors:                f,
	}
}

// Better reports whether a ranks above b. Scores within eps tie; ties go to
// fewer hops, then more bandwidth.
func Better(a, b *model.Route, eps float64) bool {
	if math.Abs(a.Score-b.Score) > eps {
		return a.Score > b.Score
	}
	if a.PathLength != b.PathLength {
		return a.PathLength < b.PathLength
	}
	return a.PredictedBandwidthMbps > b.PredictedBandwidthMbps
}

// Select picks the best peer-to-peer route, or the centralized fallback
// when there is none, and sets IsOptimal. A peer-to-peer route below
// minScore is still returned, just not marked optimal.
func Select(routes []model.Route, minScore, eps float64) (model.Route, bool) {
	var (
		best     *model.Route
		fallback *model.Route
	)
	for i := range routes {
		r := &routes[i]
		if r.Type == model.RouteCentralized {
			if fallback == nil || Better(r, fallback, eps) {
				fallback = r
			}
			continue
		}
		if best == nil || Better(r, best, eps) {
			best = r
		}
	}
	switch {
	case best != nil:
		out := *best
		out.IsOptimal = out.Score >= minScore
		return out, true
	case fallback != nil:
		out := *fallback
		out.IsOptimal = false
		return out, true
	}
	return model.Route{}, false
}
