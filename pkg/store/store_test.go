package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

// TestEtcdStore requires a running etcd cluster:
//
//	RELAYMESH_TEST_ETCD=http://localhost:2379 go test ./pkg/store/...
func TestEtcdStore(t *testing.T) {
	addr := os.Getenv("RELAYMESH_TEST_ETCD")
	if addr == "" {
		t.Skip("set RELAYMESH_TEST_ETCD=http://localhost:2379 to run etcd integration tests")
	}
	s, err := NewEtcdStore(strings.Split(addr, ","), nil)
	if err != nil {
		t.Fatalf("NewEtcdStore: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

// TestPostgresStore requires a reachable PostgreSQL database:
//
//	RELAYMESH_TEST_POSTGRES=postgres://localhost/relaymesh_test?sslmode=disable go test ./pkg/store/...
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RELAYMESH_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("set RELAYMESH_TEST_POSTGRES to a DSN to run PostgreSQL integration tests")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func runStoreSuite(t *testing.T, s Store) {
	t.Helper()
	// Unique per run so integration backends can be reused.
	run := uuid.NewString()[:8]
	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})
	t.Run("Nodes", func(t *testing.T) { testNodeStore(t, s.Nodes(), run) })
	t.Run("NodeMutateConcurrent", func(t *testing.T) { testNodeMutateConcurrent(t, s.Nodes(), run) })
	t.Run("Routes", func(t *testing.T) { testRouteStore(t, s.Routes(), run) })
	t.Run("Identities", func(t *testing.T) { testIdentityStore(t, s.Identities(), run) })
	t.Run("Events", func(t *testing.T) { testEventStore(t, s.ReputationEvents(), run) })
	t.Run("Reports", func(t *testing.T) { testReportStore(t, s.AbuseReports(), run) })
}

// ---------------------------------------------------------------------------
// NodeStore
// ---------------------------------------------------------------------------

func testNodeStore(t *testing.T, ns NodeStore, run string) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	identity := "alice-" + run
	node := &model.Node{
		ID:              "node-1-" + run,
		Identity:        identity,
		Address:         "10.0.0.1:7000",
		Role:            model.RoleRelay,
		ReputationScore: 50,
		Online:          true,
		Status:          model.NodeStatusActive,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}
	if err := ns.Create(ctx, node); err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := ns.Create(ctx, node); !errdefs.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	got, err := ns.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Identity != identity || got.Address != "10.0.0.1:7000" {
		t.Fatalf("unexpected node: %+v", got)
	}
	if _, err := ns.Get(ctx, "missing-"+run); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	other := *node
	other.ID = "node-2-" + run
	other.Identity = "bob-" + run
	if err := ns.Create(ctx, &other); err != nil {
		t.Fatalf("create second node: %v", err)
	}
	byID, err := ns.ListByIdentity(ctx, identity)
	if err != nil {
		t.Fatalf("list by identity: %v", err)
	}
	if len(byID) != 1 || byID[0].ID != node.ID {
		t.Fatalf("expected only %s, got %+v", node.ID, byID)
	}

	updated, err := ns.Mutate(ctx, node.ID, func(n *model.Node) error {
		n.ReputationScore -= 20
		n.AcceptingConnections = false
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if updated.ReputationScore != 30 {
		t.Fatalf("expected score 30, got %f", updated.ReputationScore)
	}

	// A failing callback must leave the record untouched.
	boom := errors.New("boom")
	if _, err := ns.Mutate(ctx, node.ID, func(n *model.Node) error {
		n.ReputationScore = -1000
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	got, _ = ns.Get(ctx, node.ID)
	if got.ReputationScore != 30 {
		t.Fatalf("aborted mutate leaked a write: score %f", got.ReputationScore)
	}

	if _, err := ns.Mutate(ctx, "missing-"+run, func(*model.Node) error { return nil }); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found on mutate, got %v", err)
	}
}

func testNodeMutateConcurrent(t *testing.T, ns NodeStore, run string) {
	ctx := context.Background()
	id := "node-cc-" + run
	if err := ns.Create(ctx, &model.Node{ID: id, Identity: "cc-" + run, ReputationScore: 50}); err != nil {
		t.Fatalf("create: %v", err)
	}
	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := ns.Mutate(ctx, id, func(n *model.Node) error {
					n.ReputationScore++
					return nil
				}); err != nil {
					t.Errorf("mutate: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	got, err := ns.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := float64(50 + workers*perWorker); got.ReputationScore != want {
		t.Fatalf("lost updates: expected %f, got %f", want, got.ReputationScore)
	}
}

// ---------------------------------------------------------------------------
// RouteStore
// ---------------------------------------------------------------------------

func testRouteStore(t *testing.T, rs RouteStore, run string) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	relay := "relay-" + run
	routes := []model.Route{
		{ID: "r1-" + run, Path: []string{"a", relay, "b"}, PathLength: 2, Type: model.RouteRelay, CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "r2-" + run, Path: []string{"a", "b"}, PathLength: 1, Type: model.RouteDirect, CreatedAt: base.Add(-time.Minute)},
		{ID: "r3-" + run, Path: []string{"c", relay, "d"}, PathLength: 2, Type: model.RouteRelay, CreatedAt: base},
	}
	for i := range routes {
		if err := rs.Create(ctx, &routes[i]); err != nil {
			t.Fatalf("create route: %v", err)
		}
	}

	viaRelay, err := rs.List(ctx, RouteFilter{NodeID: relay})
	if err != nil {
		t.Fatalf("list by node: %v", err)
	}
	if len(viaRelay) != 2 || viaRelay[0].ID != "r3-"+run {
		t.Fatalf("expected r3 then r1, got %+v", viaRelay)
	}

	recent, err := rs.List(ctx, RouteFilter{NodeID: relay, Since: base.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "r3-"+run {
		t.Fatalf("expected only r3, got %+v", recent)
	}

	used := base.Add(time.Second)
	r, err := rs.Mutate(ctx, "r1-"+run, func(r *model.Route) error {
		r.UsageCount++
		r.LastUsedAt = &used
		return nil
	})
	if err != nil {
		t.Fatalf("mutate route: %v", err)
	}
	if r.UsageCount != 1 {
		t.Fatalf("expected usage 1, got %d", r.UsageCount)
	}
	usedRoutes, err := rs.List(ctx, RouteFilter{NodeID: relay, UsedSince: base})
	if err != nil {
		t.Fatalf("list used since: %v", err)
	}
	if len(usedRoutes) != 1 || usedRoutes[0].ID != "r1-"+run {
		t.Fatalf("expected only r1 used, got %+v", usedRoutes)
	}

	if _, err := rs.Get(ctx, "missing-"+run); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// IdentityStore
// ---------------------------------------------------------------------------

func testIdentityStore(t *testing.T, is IdentityStore, run string) {
	ctx := context.Background()
	id := "carol-" + run
	if _, err := is.Get(ctx, id); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	for i := 0; i < 2; i++ {
		_, err := is.Upsert(ctx, id, func(rep *model.IdentityReputation) error {
			if rep.CreatedAt.IsZero() {
				rep.CreatedAt = time.Now().UTC()
				rep.Score = 50
			}
			rep.Score += 5
			return nil
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	rep, err := is.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rep.Score != 60 {
		t.Fatalf("expected 60, got %f", rep.Score)
	}
}

// ---------------------------------------------------------------------------
// ReputationEventStore
// ---------------------------------------------------------------------------

func testEventStore(t *testing.T, es ReputationEventStore, run string) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	entity := "node-ev-" + run
	for i := 0; i < 3; i++ {
		ev := &model.ReputationEvent{
			ID:         fmt.Sprintf("ev-%d-%s", i, run),
			EntityType: model.EntityNode,
			EntityID:   entity,
			EventType:  "successful_call",
			Severity:   model.SeverityInfo,
			Delta:      1,
			Evidence:   map[string]string{"call": fmt.Sprint(i)},
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := es.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evs, err := es.List(ctx, EventFilter{EntityType: model.EntityNode, EntityID: entity})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].ID != "ev-2-"+run {
		t.Fatalf("expected newest first, got %s", evs[0].ID)
	}
	evs[0].Evidence["call"] = "overwritten"
	again, err := es.List(ctx, EventFilter{EntityType: model.EntityNode, EntityID: entity, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if again[0].Evidence["call"] != "2" {
		t.Fatalf("stored evidence changed through a returned copy: %v", again[0].Evidence)
	}
	limited, err := es.List(ctx, EventFilter{EntityType: model.EntityNode, EntityID: entity, Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 event, got %d", len(limited))
	}
}

// ---------------------------------------------------------------------------
// AbuseReportStore
// ---------------------------------------------------------------------------

func testReportStore(t *testing.T, rs AbuseReportStore, run string) {
	ctx := context.Background()
	r := &model.AbuseReport{
		ID:                 "rep-" + run,
		ReporterIdentity:   "dave",
		ReportedEntityType: model.EntityNode,
		ReportedEntityID:   "node-x-" + run,
		ReportType:         "spam",
		Severity:           "high",
		Status:             model.ReportPending,
		NeedsReview:        true,
		Evidence:           map[string]string{"pcap": "s3://bucket/1.pcap"},
		CreatedAt:          time.Now().UTC(),
	}
	if err := rs.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := rs.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Evidence["pcap"] = "overwritten"
	got.Evidence["extra"] = "x"
	listed, err := rs.List(ctx, ReportFilter{EntityID: r.ReportedEntityID})
	if err != nil || len(listed) != 1 {
		t.Fatalf("list: %v (%d reports)", err, len(listed))
	}
	listed[0].Evidence["pcap"] = "overwritten"
	got, err = rs.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Evidence["pcap"] != "s3://bucket/1.pcap" || len(got.Evidence) != 1 {
		t.Fatalf("stored evidence changed through a returned copy: %v", got.Evidence)
	}
	pending, err := rs.List(ctx, ReportFilter{Status: model.ReportPending, EntityID: r.ReportedEntityID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending report, got %d", len(pending))
	}
	mutated, err := rs.Mutate(ctx, r.ID, func(r *model.AbuseReport) error {
		r.Status = model.ReportReviewed
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	mutated.Evidence["pcap"] = "overwritten"
	if got, _ := rs.Get(ctx, r.ID); got.Evidence["pcap"] != "s3://bucket/1.pcap" {
		t.Fatalf("stored evidence changed through the mutate result: %v", got.Evidence)
	}
	pending, err = rs.List(ctx, ReportFilter{Status: model.ReportPending, EntityID: r.ReportedEntityID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending reports, got %d", len(pending))
	}
}
