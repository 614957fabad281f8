package trust

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/events"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/store"
)

// Engine applies reputation events to running scores. Score changes go
// through the store's atomic Mutate, so concurrent events on one entity
// never lose a delta, and suspension lands in the same write as the score
// that triggered it.
type Engine struct {
	store   store.Store
	hub     *events.Hub
	metrics *observability.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithHub publishes trust level transitions to h.
func WithHub(h *events.Hub) Option { return func(e *Engine) { e.hub = h } }

// WithMetrics records event and suspension counters.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine returns an Engine backed by s.
func NewEngine(s store.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: s, clock: clock.New(), logger: logger.Named("trust")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EventRequest is the input to RecordEvent.
type EventRequest struct {
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	EventType   string            `json:"event_type"`
	Severity    string            `json:"severity"`
	Description string            `json:"description,omitempty"`
	Evidence    map[string]string `json:"evidence,omitempty"`
}

// EventResult reports the effect of one RecordEvent call.
type EventResult struct {
	EventID       string           `json:"event_id"`
	EntityType    string           `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Delta         float64          `json:"delta"`
	Score         float64          `json:"score"`
	ReportedScore float64          `json:"reported_score"`
	Level         model.TrustLevel `json:"level"`
	PreviousLevel model.TrustLevel `json:"previous_level"`
}

// Suspended reports whether this event moved the entity into the suspended
// tier.
func (r *EventResult) Suspended() bool {
	return r.Level == model.TrustSuspended && r.PreviousLevel != model.TrustSuspended
}

func validateEntity(entityType, entityID string) error {
	if entityType != model.EntityNode && entityType != model.EntityIdentity {
		return fmt.Errorf("entity type %q (allowed: node, identity): %w", entityType, errdefs.ErrInvalid)
	}
	if entityID == "" {
		return fmt.Errorf("entity id is required: %w", errdefs.ErrInvalid)
	}
	return nil
}

// RecordEvent applies the catalog delta for req.EventType, scaled by
// severity, to the entity's running score and appends a ReputationEvent to
// the log. Invalid input is rejected before anything is written.
func (e *Engine) RecordEvent(ctx context.Context, req EventRequest) (*EventResult, error) {
	if err := validateEntity(req.EntityType, req.EntityID); err != nil {
		return nil, err
	}
	delta, err := Delta(req.EventType, req.Severity)
	if err != nil {
		return nil, err
	}
	if req.Severity == "" {
		req.Severity = model.SeverityInfo
	}

	now := e.clock.Now().UTC()
	res := &EventResult{EntityType: req.EntityType, EntityID: req.EntityID, Delta: delta}

	switch req.EntityType {
	case model.EntityNode:
		_, err = e.store.Nodes().Mutate(ctx, req.EntityID, func(n *model.Node) error {
			res.PreviousLevel = LevelFor(n.ReputationScore)
			n.ReputationScore += delta
			res.Score = n.ReputationScore
			res.Level = LevelFor(n.ReputationScore)
			ApplyAdmission(n, res.PreviousLevel, res.Level)
			n.UpdatedAt = now
			return nil
		})
	case model.EntityIdentity:
		_, err = e.store.Identities().Upsert(ctx, req.EntityID, func(rep *model.IdentityReputation) error {
			if rep.CreatedAt.IsZero() {
				rep.CreatedAt = now
				rep.Score = BaseScore
			}
			res.PreviousLevel = LevelFor(rep.Score)
			rep.Score += delta
			res.Score = rep.Score
			res.Level = LevelFor(rep.Score)
			rep.UpdatedAt = now
			return nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s to %s %q: %w", req.EventType, req.EntityType, req.EntityID, err)
	}
	res.ReportedScore = ReportedScore(res.Score)
	if req.EntityType == model.EntityIdentity && crossesSuspension(res.PreviousLevel, res.Level) {
		e.applyIdentityAdmission(ctx, req.EntityID, res.Level == model.TrustSuspended, now)
	}

	ev := &model.ReputationEvent{
		ID:          uuid.NewString(),
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		EventType:   req.EventType,
		Severity:    req.Severity,
		Delta:       delta,
		ScoreAfter:  res.Score,
		LevelAfter:  res.Level,
		Description: req.Description,
		Evidence:    maps.Clone(req.Evidence),
		CreatedAt:   now,
	}
	res.EventID = ev.ID
	if err := e.store.ReputationEvents().Append(ctx, ev); err != nil {
		// The score change is already committed; the log entry is what we lose.
		e.logger.Error("append reputation event",
			zap.String("entity_type", req.EntityType),
			zap.String("entity_id", req.EntityID),
			zap.String("event_type", req.EventType),
			zap.Error(err))
	}

	e.metrics.IncTrustEvent(req.EventType)
	if res.Level != res.PreviousLevel {
		e.onLevelChange(req, res, now)
	}
	return res, nil
}

func crossesSuspension(prev, next model.TrustLevel) bool {
	return (prev == model.TrustSuspended) != (next == model.TrustSuspended)
}

// applyIdentityAdmission withdraws or restores every node of identity after
// the identity entered or left the suspended tier. Each node is updated on
// its own; a failed node is logged and skipped.
func (e *Engine) applyIdentityAdmission(ctx context.Context, identity string, suspended bool, now time.Time) {
	nodes, err := e.store.Nodes().ListByIdentity(ctx, identity)
	if err != nil {
		e.logger.Error("list nodes of suspended identity", zap.String("identity", identity), zap.Error(err))
		return
	}
	for _, n := range nodes {
		_, err := e.store.Nodes().Mutate(ctx, n.ID, func(n *model.Node) error {
			n.IdentitySuspended = suspended
			n.AcceptingConnections = Admissible(n)
			n.UpdatedAt = now
			return nil
		})
		if err != nil {
			e.logger.Error("apply identity admission",
				zap.String("identity", identity),
				zap.String("node_id", n.ID),
				zap.Bool("suspended", suspended),
				zap.Error(err))
		}
	}
}

func (e *Engine) onLevelChange(req EventRequest, res *EventResult, now time.Time) {
	fields := []zap.Field{
		zap.String("entity_type", req.EntityType),
		zap.String("entity_id", req.EntityID),
		zap.String("from", string(res.PreviousLevel)),
		zap.String("to", string(res.Level)),
		zap.Float64("score", res.Score),
		zap.String("cause", req.EventType),
	}
	if res.Suspended() {
		e.metrics.IncSuspension()
		e.logger.Warn("entity suspended", fields...)
	} else {
		e.logger.Info("trust level changed", fields...)
	}
	e.hub.Publish(events.Event{
		Type:       events.TypeTrustLevelChanged,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		From:       res.PreviousLevel,
		To:         res.Level,
		Score:      res.Score,
		Cause:      req.EventType,
		Time:       now,
	})
}

// Reputation is the current standing of one entity.
type Reputation struct {
	EntityType    string           `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Score         float64          `json:"score"`
	ReportedScore float64          `json:"reported_score"`
	Level         model.TrustLevel `json:"level"`
}

// Current returns the running score and level of an entity. An identity
// that never received an event sits at the base score.
func (e *Engine) Current(ctx context.Context, entityType, entityID string) (*Reputation, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return nil, err
	}
	var score float64
	switch entityType {
	case model.EntityNode:
		n, err := e.store.Nodes().Get(ctx, entityID)
		if err != nil {
			return nil, err
		}
		score = n.ReputationScore
	case model.EntityIdentity:
		rep, err := e.store.Identities().Get(ctx, entityID)
		switch {
		case errdefs.IsNotFound(err):
			score = BaseScore
		case err != nil:
			return nil, err
		default:
			score = rep.Score
		}
	}
	return &Reputation{
		EntityType:    entityType,
		EntityID:      entityID,
		Score:         score,
		ReportedScore: ReportedScore(score),
		Level:         LevelFor(score),
	}, nil
}

// History lists logged events for an entity, newest first.
func (e *Engine) History(ctx context.Context, f store.EventFilter) ([]model.ReputationEvent, error) {
	if f.EntityType != "" && f.EntityType != model.EntityNode && f.EntityType != model.EntityIdentity {
		return nil, fmt.Errorf("entity type %q: %w", f.EntityType, errdefs.ErrInvalid)
	}
	return e.store.ReputationEvents().List(ctx, f)
}
