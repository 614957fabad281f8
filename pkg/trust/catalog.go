package trust

import (
	"fmt"
	"sort"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
)

// Event types.
const (
	EventSuccessfulCall    = "successful_call"
	EventHighQualityStream = "high_quality_stream"
	EventRelayHelp         = "relay_help"
	EventVerifiedIdentity  = "verified_identity"
	EventUptimeMilestone   = "uptime_milestone"
	EventPoorQuality       = "poor_quality"
	EventCallDropped       = "call_dropped"
	EventAbuseReport       = "abuse_report"
	EventHarassment        = "harassment"
	EventSpamDetected      = "spam_detected"
	EventMaliciousBehavior = "malicious_behavior"
	EventSecurityViolation = "security_violation"
)

// catalog holds the signed base delta of every known event type.
var catalog = map[string]float64{
	EventSuccessfulCall:    1.0,
	EventHighQualityStream: 2.0,
	EventRelayHelp:         1.5,
	EventVerifiedIdentity:  5.0,
	EventUptimeMilestone:   3.0,
	EventPoorQuality:       -1.0,
	EventCallDropped:       -2.0,
	EventAbuseReport:       -5.0,
	EventHarassment:        -8.0,
	EventSpamDetected:      -10.0,
	EventMaliciousBehavior: -20.0,
	EventSecurityViolation: -25.0,
}

var severityFactors = map[string]float64{
	model.SeverityInfo:     1.0,
	model.SeverityWarning:  1.5,
	model.SeverityCritical: 2.0,
}

// EventTypes lists the catalog in name order.
func EventTypes() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BaseDelta returns the catalog delta for eventType.
func BaseDelta(eventType string) (float64, bool) {
	d, ok := catalog[eventType]
	return d, ok
}

// Delta is the signed score change for an event at a severity. An empty
// severity counts as info.
func Delta(eventType, severity string) (float64, error) {
	base, ok := catalog[eventType]
	if !ok {
		return 0, fmt.Errorf("unknown event type %q: %w", eventType, errdefs.ErrInvalid)
	}
	if severity == "" {
		severity = model.SeverityInfo
	}
	factor, ok := severityFactors[severity]
	if !ok {
		return 0, fmt.Errorf("unknown severity %q (allowed: info, warning, critical): %w", severity, errdefs.ErrInvalid)
	}
	return base * factor, nil
}

// isCallOutcome reports whether an event describes how a call went, and
// whether the outcome was good. Used by the aggregate score.
func isCallOutcome(eventType string) (outcome, positive bool) {
	switch eventType {
	case EventSuccessfulCall, EventHighQualityStream:
		return true, true
	case EventPoorQuality, EventCallDropped:
		return true, false
	}
	return false, false
}
