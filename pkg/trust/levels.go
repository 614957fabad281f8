// Package trust maintains reputation scores for nodes and identities,
// derives their trust level, and suspends entities whose score falls below
// the suspension threshold.
package trust

import (
	"github.com/relaymesh/relaymesh/pkg/geo"
	"github.com/relaymesh/relaymesh/pkg/model"
)

// BaseScore is the starting reputation of every node and identity.
const BaseScore = 50.0

// Level thresholds. A score equal to a threshold belongs to the higher tier.
const (
	VerifiedThreshold    = 90.0
	TrustedThreshold     = 70.0
	EstablishedThreshold = 30.0
	CautionThreshold     = 10.0
)

var levelTable = []struct {
	min   float64
	level model.TrustLevel
}{
	{VerifiedThreshold, model.TrustVerified},
	{TrustedThreshold, model.TrustTrusted},
	{EstablishedThreshold, model.TrustEstablished},
	{CautionThreshold, model.TrustCaution},
}

// LevelFor derives the trust level of a running score. Negative scores are
// floored at zero first.
func LevelFor(score float64) model.TrustLevel {
	if score < 0 {
		score = 0
	}
	for _, row := range levelTable {
		if score >= row.min {
			return row.level
		}
	}
	return model.TrustSuspended
}

// ReportedScore is the score shown to callers: the running score clamped to
// [0, 100].
func ReportedScore(score float64) float64 {
	return geo.Clamp(score, 0, 100)
}

// RelayEligible reports whether an entity at this level may relay traffic
// for others.
func RelayEligible(level model.TrustLevel) bool {
	return level == model.TrustVerified || level == model.TrustTrusted
}

// Admissible reports whether n may accept connections: online, still
// registered, and neither it nor its identity suspended.
func Admissible(n *model.Node) bool {
	return n.Online &&
		n.Status != model.NodeStatusDeregistered &&
		!n.IdentitySuspended &&
		LevelFor(n.ReputationScore) != model.TrustSuspended
}

// ApplyAdmission sets AcceptingConnections after a score change moved the
// node from prev to next. Entering the suspended tier withdraws capacity;
// leaving it restores capacity when the node is otherwise admissible.
func ApplyAdmission(n *model.Node, prev, next model.TrustLevel) {
	switch {
	case next == model.TrustSuspended:
		n.AcceptingConnections = false
	case prev == model.TrustSuspended:
		n.AcceptingConnections = Admissible(n)
	}
}
