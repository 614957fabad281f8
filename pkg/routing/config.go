package routing

import (
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/geo"
	"github.com/relaymesh/relaymesh/pkg/model"
)

// Weights are the linear coefficients of the composite score. Latency and
// hop weights are conventionally negative; the scorer uses their magnitude
// against an inverted sub-score.
type Weights struct {
	Latency       float64 `yaml:"latency" json:"latency"`
	Bandwidth     float64 `yaml:"bandwidth" json:"bandwidth"`
	Reputation    float64 `yaml:"reputation" json:"reputation"`
	Hops          float64 `yaml:"hops" json:"hops"`
	Uptime        float64 `yaml:"uptime" json:"uptime"`
	ProtocolBonus float64 `yaml:"protocol_bonus" json:"protocol_bonus"`
}

// Rendezvous describes the fixed relay used by the centralized fallback.
type Rendezvous struct {
	ID                  string         `yaml:"id" json:"id"`
	Location            model.Location `yaml:"location" json:"location"`
	LatencyMs           float64        `yaml:"latency_ms" json:"latency_ms"`
	BandwidthMbps       float64        `yaml:"bandwidth_mbps" json:"bandwidth_mbps"`
	Reputation          float64        `yaml:"reputation" json:"reputation"`
	UptimePct           float64        `yaml:"uptime_pct" json:"uptime_pct"`
	SupportsCompression bool           `yaml:"supports_compression" json:"supports_compression"`
}

// Config holds the tunable routing heuristics.
type Config struct {
	Weights Weights `yaml:"weights"`

	// DirectMaxKm bounds direct routes between nodes in different regions.
	DirectMaxKm float64 `yaml:"direct_max_km"`
	// LowLossThreshold is the packet loss fraction both endpoints must stay
	// under for a cross-region direct route.
	LowLossThreshold float64 `yaml:"low_loss_threshold"`
	// SingleRelayCandidates is how many of the best relays form one-relay paths.
	SingleRelayCandidates int `yaml:"single_relay_candidates"`
	// MultiHopCandidates is how many of the best relays are paired into
	// two-relay paths.
	MultiHopCandidates int `yaml:"multi_hop_candidates"`
	// MaxDetourRatio caps a two-relay path's leg sum relative to the direct
	// great-circle distance.
	MaxDetourRatio float64 `yaml:"max_detour_ratio"`
	// MinRelayTrustScore is the reputation floor for relay candidates.
	MinRelayTrustScore float64 `yaml:"min_relay_trust_score"`
	// RelayLimit caps how many relays the directory returns.
	RelayLimit int `yaml:"relay_limit"`
	// MinAcceptableScore is the score at or above which a route is optimal.
	MinAcceptableScore float64 `yaml:"min_acceptable_score"`
	// TieEpsilon is the score difference treated as a tie.
	TieEpsilon float64 `yaml:"tie_epsilon"`

	CacheTTL         time.Duration `yaml:"cache_ttl"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// BreakerFailures is the number of consecutive store failures that opens
	// the discovery circuit breaker; BreakerCooldown is how long it stays open.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	Rendezvous Rendezvous `yaml:"rendezvous"`
}

// DefaultConfig returns the stock heuristics.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Latency:       -0.40,
			Bandwidth:     0.25,
			Reputation:    0.15,
			Hops:          -0.10,
			Uptime:        0.05,
			ProtocolBonus: 10,
		},
		DirectMaxKm:           5000,
		LowLossThreshold:      0.02,
		SingleRelayCandidates: 10,
		MultiHopCandidates:    6,
		MaxDetourRatio:        1.5,
		MinRelayTrustScore:    70,
		RelayLimit:            20,
		MinAcceptableScore:    50,
		TieEpsilon:            1e-6,
		CacheTTL:              300 * time.Second,
		DiscoveryTimeout:      2 * time.Second,
		BreakerFailures:       5,
		BreakerCooldown:       30 * time.Second,
		Rendezvous: Rendezvous{
			ID:            "rendezvous",
			LatencyMs:     60,
			BandwidthMbps: 50,
			Reputation:    100,
			UptimePct:     100,
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig. Weights are
// taken as a whole when every weight is zero.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	setF := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	setI := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setD := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setF(&c.DirectMaxKm, d.DirectMaxKm)
	setF(&c.LowLossThreshold, d.LowLossThreshold)
	setI(&c.SingleRelayCandidates, d.SingleRelayCandidates)
	setI(&c.MultiHopCandidates, d.MultiHopCandidates)
	setF(&c.MaxDetourRatio, d.MaxDetourRatio)
	setF(&c.MinRelayTrustScore, d.MinRelayTrustScore)
	setI(&c.RelayLimit, d.RelayLimit)
	setF(&c.MinAcceptableScore, d.MinAcceptableScore)
	setF(&c.TieEpsilon, d.TieEpsilon)
	setD(&c.CacheTTL, d.CacheTTL)
	setD(&c.DiscoveryTimeout, d.DiscoveryTimeout)
	setD(&c.BreakerCooldown, d.BreakerCooldown)
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.Rendezvous.ID == "" {
		c.Rendezvous.ID = d.Rendezvous.ID
	}
	setF(&c.Rendezvous.LatencyMs, d.Rendezvous.LatencyMs)
	setF(&c.Rendezvous.BandwidthMbps, d.Rendezvous.BandwidthMbps)
	setF(&c.Rendezvous.Reputation, d.Rendezvous.Reputation)
	setF(&c.Rendezvous.UptimePct, d.Rendezvous.UptimePct)
}

// Validate rejects settings the generator or scorer cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.DirectMaxKm < 0:
		return fmt.Errorf("direct_max_km must be non-negative: %w", errdefs.ErrInvalid)
	case c.LowLossThreshold < 0 || c.LowLossThreshold > 1:
		return fmt.Errorf("low_loss_threshold must be a fraction in [0, 1]: %w", errdefs.ErrInvalid)
	case c.SingleRelayCandidates < 0 || c.MultiHopCandidates < 0 || c.RelayLimit < 0:
		return fmt.Errorf("candidate limits must be non-negative: %w", errdefs.ErrInvalid)
	case c.MaxDetourRatio < 1:
		return fmt.Errorf("max_detour_ratio must be at least 1: %w", errdefs.ErrInvalid)
	case c.MinAcceptableScore < 0 || c.MinAcceptableScore > 100:
		return fmt.Errorf("min_acceptable_score must be in [0, 100]: %w", errdefs.ErrInvalid)
	case c.CacheTTL < 0 || c.DiscoveryTimeout < 0:
		return fmt.Errorf("cache_ttl and discovery_timeout must be non-negative: %w", errdefs.ErrInvalid)
	case !geo.ValidLocation(c.Rendezvous.Location):
		return fmt.Errorf("rendezvous location %+v is out of range: %w", c.Rendezvous.Location, errdefs.ErrInvalid)
	}
	return nil
}
