// Package store defines the persistence interfaces for the relaymesh control
// plane. Implementations include an in-memory store (for dev/testing), an
// etcd-backed store and a PostgreSQL-backed store.
//
// Records that take concurrent deltas (node scores, route usage, identity
// scores) are changed through Mutate, which runs the callback as an atomic
// read-modify-write on a single record. A callback error aborts the write.
package store

import (
	"context"
	"time"

	"github.com/relaymesh/relaymesh/pkg/model"
)

// NodeStore persists MeshNode records.
type NodeStore interface {
	List(ctx context.Context) ([]model.Node, error)
	ListByIdentity(ctx context.Context, identity string) ([]model.Node, error)
	Get(ctx context.Context, id string) (*model.Node, error)
	Create(ctx context.Context, node *model.Node) error
	Mutate(ctx context.Context, id string, fn func(*model.Node) error) (*model.Node, error)
}

// RouteFilter narrows a route listing. Zero values match everything.
type RouteFilter struct {
	// NodeID matches routes whose path contains the node.
	NodeID string
	// Since matches routes created at or after the instant.
	Since time.Time
	// UsedSince matches routes last used at or after the instant.
	UsedSince time.Time
	Limit     int
}

// RouteStore persists selected routes for analytics and feedback.
type RouteStore interface {
	List(ctx context.Context, f RouteFilter) ([]model.Route, error)
	Get(ctx context.Context, id string) (*model.Route, error)
	Create(ctx context.Context, route *model.Route) error
	Mutate(ctx context.Context, id string, fn func(*model.Route) error) (*model.Route, error)
}

// IdentityStore persists running reputation scores for overlay identities.
type IdentityStore interface {
	Get(ctx context.Context, identity string) (*model.IdentityReputation, error)
	// Upsert runs fn on the stored record, or on a fresh record with only
	// Identity set (CreatedAt zero) when none exists yet.
	Upsert(ctx context.Context, identity string, fn func(*model.IdentityReputation) error) (*model.IdentityReputation, error)
}

// EventFilter narrows a reputation event listing.
type EventFilter struct {
	EntityType string
	EntityID   string
	Since      time.Time
	Limit      int
}

// ReputationEventStore is the append-only reputation log.
type ReputationEventStore interface {
	Append(ctx context.Context, ev *model.ReputationEvent) error
	// List returns matching events, newest first.
	List(ctx context.Context, f EventFilter) ([]model.ReputationEvent, error)
}

// ReportFilter narrows an abuse report listing.
type ReportFilter struct {
	Status     string
	EntityType string
	EntityID   string
	Since      time.Time
}

// AbuseReportStore persists abuse reports.
type AbuseReportStore interface {
	Create(ctx context.Context, r *model.AbuseReport) error
	Get(ctx context.Context, id string) (*model.AbuseReport, error)
	List(ctx context.Context, f ReportFilter) ([]model.AbuseReport, error)
	Mutate(ctx context.Context, id string, fn func(*model.AbuseReport) error) (*model.AbuseReport, error)
}

// Store aggregates all sub-stores into a single handle.
type Store interface {
	Nodes() NodeStore
	Routes() RouteStore
	Identities() IdentityStore
	ReputationEvents() ReputationEventStore
	AbuseReports() AbuseReportStore
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
