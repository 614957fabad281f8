// Package model defines the core data types for the relaymesh control plane.
package model

import "time"

// NodeRole is the part a node plays in the overlay.
type NodeRole string

const (
	RolePeer       NodeRole = "peer"
	RoleRelay      NodeRole = "relay"
	RoleEdge       NodeRole = "edge"
	RoleSuperRelay NodeRole = "super_relay"
)

// Valid reports whether r is one of the known roles.
func (r NodeRole) Valid() bool {
	switch r {
	case RolePeer, RoleRelay, RoleEdge, RoleSuperRelay:
		return true
	}
	return false
}

// CanRelay reports whether nodes with this role forward third-party traffic.
func (r NodeRole) CanRelay() bool {
	return r == RoleRelay || r == RoleEdge || r == RoleSuperRelay
}

// Node lifecycle states.
const (
	NodeStatusActive       = "active"
	NodeStatusOffline      = "offline"
	NodeStatusDeregistered = "deregistered"
)

// Location is a WGS84 coordinate pair in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Node is a peer or relay participating in the overlay.
//
// ReputationScore is kept unclamped; it may go negative. The trust level is
// never stored and is always derived from the score on read.
type Node struct {
	ID       string   `json:"id"`
	Identity string   `json:"identity"`
	Address  string   `json:"address"`
	Role     NodeRole `json:"role"`
	Location Location `json:"location"`
	Region   string   `json:"region,omitempty"`
	Country  string   `json:"country,omitempty"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	PacketLoss   float64 `json:"packet_loss"`
	UptimePct    float64 `json:"uptime_pct"`

	ReputationScore float64 `json:"reputation_score"`

	CurrentConnections    int     `json:"current_connections"`
	MaxConnections        int     `json:"max_connections"`
	BandwidthCapacityMbps float64 `json:"bandwidth_capacity_mbps"`
	BandwidthUsageMbps    float64 `json:"bandwidth_usage_mbps"`

	Online               bool `json:"online"`
	AcceptingConnections bool `json:"accepting_connections"`
	SupportsCompression  bool `json:"supports_compression"`
	// IdentitySuspended is set while the owning identity sits in the
	// suspended tier. It withdraws the node regardless of its own score.
	IdentitySuspended bool `json:"identity_suspended,omitempty"`

	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// OnlineSeconds accumulates time observed online between heartbeats and
	// feeds UptimePct.
	OnlineSeconds float64 `json:"online_seconds"`
	// UptimeMilestones counts uptime_milestone rewards already granted.
	UptimeMilestones int       `json:"uptime_milestones"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SpareBandwidthMbps is capacity minus usage, floored at zero.
func (n *Node) SpareBandwidthMbps() float64 {
	spare := n.BandwidthCapacityMbps - n.BandwidthUsageMbps
	if spare < 0 {
		return 0
	}
	return spare
}

// SpareConnections is the number of additional connections the node can take.
func (n *Node) SpareConnections() int {
	spare := n.MaxConnections - n.CurrentConnections
	if spare < 0 {
		return 0
	}
	return spare
}

// RouteType classifies a path by its shape.
type RouteType string

const (
	RouteDirect      RouteType = "direct"
	RouteRelay       RouteType = "relay"
	RouteMultiHop    RouteType = "multi_hop"
	RouteCentralized RouteType = "centralized"
)

// ScoreFactors is the per-route explanation of how the composite score was
// reached.
type ScoreFactors struct {
	LatencyScore      float64 `json:"latency_score"`
	BandwidthScore    float64 `json:"bandwidth_score"`
	HopScore          float64 `json:"hop_score"`
	AvgReputation     float64 `json:"avg_reputation"`
	AvgUptime         float64 `json:"avg_uptime"`
	ProtocolBonus     float64 `json:"protocol_bonus"`
	Hops              int     `json:"hops"`
	GreatCircleKm     float64 `json:"great_circle_km"`
	InterHopLatencyMs float64 `json:"inter_hop_latency_ms"`
}

// Route is a scored path between two identities. Candidates are transient;
// the selected one is persisted and later updated with observed performance.
type Route struct {
	ID             string    `json:"id"`
	SourceIdentity string    `json:"source_identity"`
	DestIdentity   string    `json:"dest_identity"`
	MediaType      string    `json:"media_type"`
	Path           []string  `json:"path"`
	PathLength     int       `json:"path_length"`
	Type           RouteType `json:"type"`

	PredictedLatencyMs     float64      `json:"predicted_latency_ms"`
	PredictedBandwidthMbps float64      `json:"predicted_bandwidth_mbps"`
	Score                  float64      `json:"score"`
	IsOptimal              bool         `json:"is_optimal"`
	SupportsCompression    bool         `json:"supports_compression"`
	Factors                ScoreFactors `json:"factors"`

	ActualLatencyMs     float64    `json:"actual_latency_ms,omitempty"`
	ActualBandwidthMbps float64    `json:"actual_bandwidth_mbps,omitempty"`
	ActualPacketLoss    float64    `json:"actual_packet_loss,omitempty"`
	ActualJitterMs      float64    `json:"actual_jitter_ms,omitempty"`
	UsageCount          int        `json:"usage_count"`
	SuccessfulUses      int        `json:"successful_uses"`
	SuccessRate         float64    `json:"success_rate"`
	MeanLatencyErrorMs  float64    `json:"mean_latency_error_ms"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Relays returns the intermediate node IDs of the path. Centralized routes
// have no relays: the middle element is the rendezvous point.
func (r *Route) Relays() []string {
	if r.Type == RouteCentralized || len(r.Path) < 3 {
		return nil
	}
	return r.Path[1 : len(r.Path)-1]
}

// Entity types that carry a reputation.
const (
	EntityNode     = "node"
	EntityIdentity = "identity"
)

// Severity levels for reputation events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ReputationEvent is an immutable entry in the reputation log.
type ReputationEvent struct {
	ID          string            `json:"id"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	EventType   string            `json:"event_type"`
	Severity    string            `json:"severity"`
	Delta       float64           `json:"delta"`
	ScoreAfter  float64           `json:"score_after"`
	LevelAfter  TrustLevel        `json:"level_after"`
	Description string            `json:"description,omitempty"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// IdentityReputation is the running score of an overlay identity.
type IdentityReputation struct {
	Identity  string    `json:"identity"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Abuse report lifecycle states.
const (
	ReportPending   = "pending"
	ReportReviewed  = "reviewed"
	ReportDismissed = "dismissed"
)

// AbuseReport is a complaint filed by one identity against a node or identity.
type AbuseReport struct {
	ID                 string            `json:"id"`
	ReporterIdentity   string            `json:"reporter_identity"`
	ReportedEntityType string            `json:"reported_entity_type"`
	ReportedEntityID   string            `json:"reported_entity_id"`
	ReportType         string            `json:"report_type"`
	Severity           string            `json:"severity"`
	Description        string            `json:"description"`
	Evidence           map[string]string `json:"evidence,omitempty"`
	Status             string            `json:"status"`
	NeedsReview        bool              `json:"needs_review"`
	PenaltyApplied     bool              `json:"penalty_applied"`
	CreatedAt          time.Time         `json:"created_at"`
}

// TrustLevel is the discrete classification derived from a reputation score.
type TrustLevel string

const (
	TrustVerified    TrustLevel = "verified"
	TrustTrusted     TrustLevel = "trusted"
	TrustEstablished TrustLevel = "established"
	TrustCaution     TrustLevel = "caution"
	TrustSuspended   TrustLevel = "suspended"
)
