package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
)

// MemoryStore is an in-memory implementation of Store backed by maps and a
// read/write mutex per collection. Suitable for development, testing, and
// single-replica deployments.
type MemoryStore struct {
	nodes      *memoryNodeStore
	routes     *memoryRouteStore
	identities *memoryIdentityStore
	events     *memoryEventStore
	reports    *memoryReportStore
}

// NewMemoryStore returns a fully initialised MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:      &memoryNodeStore{data: make(map[string]model.Node)},
		routes:     &memoryRouteStore{data: make(map[string]model.Route)},
		identities: &memoryIdentityStore{data: make(map[string]model.IdentityReputation)},
		events:     &memoryEventStore{},
		reports:    &memoryReportStore{data: make(map[string]model.AbuseReport)},
	}
}

func (m *MemoryStore) Nodes() NodeStore                       { return m.nodes }
func (m *MemoryStore) Routes() RouteStore                     { return m.routes }
func (m *MemoryStore) Identities() IdentityStore              { return m.identities }
func (m *MemoryStore) ReputationEvents() ReputationEventStore { return m.events }
func (m *MemoryStore) AbuseReports() AbuseReportStore         { return m.reports }
func (m *MemoryStore) Ping(context.Context) error             { return nil }
func (m *MemoryStore) Close() error                           { return nil }

// ---------------------------------------------------------------------------
// Node store
// ---------------------------------------------------------------------------

type memoryNodeStore struct {
	mu   sync.RWMutex
	data map[string]model.Node
}

func (s *memoryNodeStore) List(_ context.Context) ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Node, 0, len(s.data))
	for _, n := range s.data {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryNodeStore) ListByIdentity(_ context.Context, identity string) ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Node
	for _, n := range s.data {
		if n.Identity == identity {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryNodeStore) Get(_ context.Context, id string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", id, errdefs.ErrNotFound)
	}
	return &n, nil
}

func (s *memoryNodeStore) Create(_ context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[node.ID]; exists {
		return fmt.Errorf("node %q already exists: %w", node.ID, errdefs.ErrConflict)
	}
	s.data[node.ID] = *node
	return nil
}

func (s *memoryNodeStore) Mutate(_ context.Context, id string, fn func(*model.Node) error) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", id, errdefs.ErrNotFound)
	}
	if err := fn(&n); err != nil {
		return nil, err
	}
	n.ID = id
	s.data[id] = n
	return &n, nil
}

// ---------------------------------------------------------------------------
// Route store
// ---------------------------------------------------------------------------

type memoryRouteStore struct {
	mu   sync.RWMutex
	data map[string]model.Route
}

func (s *memoryRouteStore) List(_ context.Context, f RouteFilter) ([]model.Route, error) {
	s.mu.RLock()
	all := make([]model.Route, 0, len(s.data))
	for _, r := range s.data {
		all = append(all, cloneRoute(r))
	}
	s.mu.RUnlock()
	return filterRoutes(all, f), nil
}

func (s *memoryRouteStore) Get(_ context.Context, id string) (*model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("route %q: %w", id, errdefs.ErrNotFound)
	}
	r = cloneRoute(r)
	return &r, nil
}

func (s *memoryRouteStore) Create(_ context.Context, route *model.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[route.ID]; exists {
		return fmt.Errorf("route %q already exists: %w", route.ID, errdefs.ErrConflict)
	}
	s.data[route.ID] = cloneRoute(*route)
	return nil
}

func (s *memoryRouteStore) Mutate(_ context.Context, id string, fn func(*model.Route) error) (*model.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("route %q: %w", id, errdefs.ErrNotFound)
	}
	r = cloneRoute(r)
	if err := fn(&r); err != nil {
		return nil, err
	}
	r.ID = id
	s.data[id] = cloneRoute(r)
	return &r, nil
}

// ---------------------------------------------------------------------------
// Identity store
// ---------------------------------------------------------------------------

type memoryIdentityStore struct {
	mu   sync.Mutex
	data map[string]model.IdentityReputation
}

func (s *memoryIdentityStore) Get(_ context.Context, identity string) (*model.IdentityReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.data[identity]
	if !ok {
		return nil, fmt.Errorf("identity %q: %w", identity, errdefs.ErrNotFound)
	}
	return &rep, nil
}

func (s *memoryIdentityStore) Upsert(_ context.Context, identity string, fn func(*model.IdentityReputation) error) (*model.IdentityReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.data[identity]
	if !ok {
		rep = model.IdentityReputation{Identity: identity}
	}
	if err := fn(&rep); err != nil {
		return nil, err
	}
	rep.Identity = identity
	s.data[identity] = rep
	return &rep, nil
}

// ---------------------------------------------------------------------------
// Reputation event log
// ---------------------------------------------------------------------------

type memoryEventStore struct {
	mu     sync.RWMutex
	events []model.ReputationEvent
}

func (s *memoryEventStore) Append(_ context.Context, ev *model.ReputationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.Evidence = maps.Clone(ev.Evidence)
	s.events = append(s.events, cp)
	return nil
}

func (s *memoryEventStore) List(_ context.Context, f EventFilter) ([]model.ReputationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Reverse append order so events sharing a timestamp still list newest first.
	rev := make([]model.ReputationEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		ev.Evidence = maps.Clone(ev.Evidence)
		rev = append(rev, ev)
	}
	return filterEvents(rev, f), nil
}

// ---------------------------------------------------------------------------
// Abuse report store
// ---------------------------------------------------------------------------

type memoryReportStore struct {
	mu   sync.RWMutex
	data map[string]model.AbuseReport
}

func (s *memoryReportStore) Create(_ context.Context, r *model.AbuseReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[r.ID]; exists {
		return fmt.Errorf("abuse report %q already exists: %w", r.ID, errdefs.ErrConflict)
	}
	cp := *r
	cp.Evidence = maps.Clone(r.Evidence)
	s.data[r.ID] = cp
	return nil
}

func (s *memoryReportStore) Get(_ context.Context, id string) (*model.AbuseReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("abuse report %q: %w", id, errdefs.ErrNotFound)
	}
	r.Evidence = maps.Clone(r.Evidence)
	return &r, nil
}

func (s *memoryReportStore) List(_ context.Context, f ReportFilter) ([]model.AbuseReport, error) {
	s.mu.RLock()
	all := make([]model.AbuseReport, 0, len(s.data))
	for _, r := range s.data {
		r.Evidence = maps.Clone(r.Evidence)
		all = append(all, r)
	}
	s.mu.RUnlock()
	return filterReports(all, f), nil
}

func (s *memoryReportStore) Mutate(_ context.Context, id string, fn func(*model.AbuseReport) error) (*model.AbuseReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("abuse report %q: %w", id, errdefs.ErrNotFound)
	}
	r.Evidence = maps.Clone(r.Evidence)
	if err := fn(&r); err != nil {
		return nil, err
	}
	r.ID = id
	s.data[id] = r
	out := r
	out.Evidence = maps.Clone(r.Evidence)
	return &out, nil
}
