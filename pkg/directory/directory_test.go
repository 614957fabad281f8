package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

func relay(id string, score, latency float64, conns int) model.Node {
	return model.Node{
		ID:                   id,
		Identity:             "op-" + id,
		Role:                 model.RoleRelay,
		ReputationScore:      score,
		AvgLatencyMs:         latency,
		CurrentConnections:   conns,
		MaxConnections:       100,
		Online:               true,
		AcceptingConnections: true,
		Status:               model.NodeStatusActive,
	}
}

func seed(t *testing.T, nodes ...model.Node) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	for i := range nodes {
		require.NoError(t, s.Nodes().Create(context.Background(), &nodes[i]))
	}
	return s
}

func ids(nodes []model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestRelayCandidatesFilters(t *testing.T) {
	peer := relay("peer", 95, 5, 0)
	peer.Role = model.RolePeer
	suspended := relay("suspended", 5, 1, 0)
	suspended.AcceptingConnections = false
	lowTrust := relay("low", 60, 1, 0)
	offline := relay("offline", 95, 1, 0)
	offline.Online = false
	busy := relay("busy", 95, 1, 80)
	edge := relay("edge", 75, 12, 10)
	edge.Role = model.RoleEdge
	super := relay("super", 92, 20, 0)
	super.Role = model.RoleSuperRelay

	s := seed(t, peer, suspended, lowTrust, offline, busy, edge, super, relay("r1", 80, 10, 79))
	d := New(s.Nodes())

	got, err := d.RelayCandidates(context.Background(), RelayQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"super", "r1", "edge"}, ids(got))
}

func TestRelayCandidatesOrdering(t *testing.T) {
	s := seed(t,
		relay("slow", 90, 40, 0),
		relay("fast", 90, 10, 50),
		relay("fast-idle", 90, 10, 5),
		relay("best", 99, 80, 0),
	)
	d := New(s.Nodes())

	got, err := d.RelayCandidates(context.Background(), RelayQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"best", "fast-idle", "fast", "slow"}, ids(got))
}

func TestRelayCandidatesQueryOptions(t *testing.T) {
	a := relay("a", 95, 1, 0)
	a.SupportsCompression = true
	b := relay("b", 85, 1, 0)
	c := relay("c", 75, 1, 0)
	c.SupportsCompression = true
	d := New(seed(t, a, b, c).Nodes())
	ctx := context.Background()

	got, err := d.RelayCandidates(ctx, RelayQuery{Exclude: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(got))

	got, err = d.RelayCandidates(ctx, RelayQuery{RequireCompression: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))

	got, err = d.RelayCandidates(ctx, RelayQuery{MinTrustScore: 80})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	got, err = d.RelayCandidates(ctx, RelayQuery{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestRelayCandidatesEmpty(t *testing.T) {
	d := New(store.NewMemoryStore().Nodes())
	got, err := d.RelayCandidates(context.Background(), RelayQuery{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOnlineNodes(t *testing.T) {
	mk := func(id string, score, latency float64) model.Node {
		n := relay(id, score, latency, 0)
		n.Identity = "alice"
		n.Role = model.RolePeer
		return n
	}
	laptop := mk("laptop", 50, 30)
	phone := mk("phone", 50, 12)
	desktop := mk("desktop", 64, 80)
	old := mk("old", 99, 1)
	old.Online = false
	closed := mk("closed", 99, 1)
	closed.AcceptingConnections = false

	d := New(seed(t, laptop, phone, desktop, old, closed, relay("other", 90, 1, 0)).Nodes())
	ctx := context.Background()

	got, err := d.OnlineNodes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"desktop", "phone", "laptop"}, ids(got))

	known, err := d.KnownIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, known)

	got, err = d.OnlineNodes(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
	known, err = d.KnownIdentity(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, known)
}

type brokenNodes struct{ store.NodeStore }

func (brokenNodes) List(context.Context) ([]model.Node, error) {
	return nil, errors.New("connection refused")
}

func (brokenNodes) ListByIdentity(context.Context, string) ([]model.Node, error) {
	return nil, errors.New("connection refused")
}

func (brokenNodes) Get(context.Context, string) (*model.Node, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	d := New(brokenNodes{})
	ctx := context.Background()

	_, err := d.RelayCandidates(ctx, RelayQuery{})
	assert.True(t, errdefs.IsUnavailable(err))
	_, err = d.OnlineNodes(ctx, "alice")
	assert.True(t, errdefs.IsUnavailable(err))
	_, err = d.KnownIdentity(ctx, "alice")
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestRelayCandidatesFollowTrustEvents(t *testing.T) {
	s := seed(t, relay("r1", 75, 10, 0), relay("r2", 95, 20, 0))
	d := New(s.Nodes())
	engine := trust.NewEngine(s, nil)
	ctx := context.Background()

	got, err := d.RelayCandidates(ctx, RelayQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r1"}, ids(got))

	for i := 0; i < 3; i++ {
		_, err := engine.RecordEvent(ctx, trust.EventRequest{EntityType: model.EntityNode, EntityID: "r1", EventType: trust.EventMaliciousBehavior})
		require.NoError(t, err)
	}
	got, err = d.RelayCandidates(ctx, RelayQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids(got))

	for i := 0; i < 5; i++ {
		_, err := engine.RecordEvent(ctx, trust.EventRequest{EntityType: model.EntityNode, EntityID: "r2", EventType: trust.EventMaliciousBehavior})
		require.NoError(t, err)
	}
	got, err = d.RelayCandidates(ctx, RelayQuery{})
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.Nodes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 15.0, n.ReputationScore)
	assert.True(t, n.AcceptingConnections)
	n, err = s.Nodes().Get(ctx, "r2")
	require.NoError(t, err)
	assert.False(t, n.AcceptingConnections)
}

func TestSuspendedIdentityWithdrawsItsRelays(t *testing.T) {
	s := seed(t, relay("r1", 95, 10, 0), relay("r2", 90, 10, 0))
	d := New(s.Nodes())
	engine := trust.NewEngine(s, nil)
	ctx := context.Background()

	report := trust.AbuseReportRequest{
		ReporterIdentity:   "op-r2",
		ReportedEntityType: model.EntityIdentity,
		ReportedEntityID:   "op-r1",
		ReportType:         "malicious",
		Severity:           trust.ReportSeverityCritical,
	}
	// malicious_behavior at critical severity: -40 per report.
	_, err := engine.ProcessAbuseReport(ctx, report)
	require.NoError(t, err)
	got, err := d.RelayCandidates(ctx, RelayQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(got), "identity at 10 is not yet suspended")

	_, err = engine.ProcessAbuseReport(ctx, report)
	require.NoError(t, err)
	got, err = d.RelayCandidates(ctx, RelayQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids(got))

	n, err := s.Nodes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, n.IdentitySuspended)
	assert.False(t, n.AcceptingConnections)
	assert.Equal(t, 95.0, n.ReputationScore)

	// Back to 10, the caution floor.
	for i := 0; i < 4; i++ {
		_, err := engine.RecordEvent(ctx, trust.EventRequest{
			EntityType: model.EntityIdentity,
			EntityID:   "op-r1",
			EventType:  trust.EventVerifiedIdentity,
			Severity:   model.SeverityCritical,
		})
		require.NoError(t, err)
	}
	got, err = d.RelayCandidates(ctx, RelayQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(got))
	n, err = s.Nodes().Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, n.IdentitySuspended)
	assert.True(t, n.AcceptingConnections)
}

func TestRouteUsable(t *testing.T) {
	a := relay("a", 50, 5, 0)
	a.Role = model.RolePeer
	b := relay("b", 50, 5, 0)
	b.Role = model.RolePeer
	lowRelay := relay("low", 40, 5, 0)
	busy := relay("busy", 95, 5, 90)
	closed := relay("closed", 50, 5, 0)
	closed.Role = model.RolePeer
	closed.AcceptingConnections = false
	d := New(seed(t, a, b, relay("good", 95, 5, 0), lowRelay, busy, closed).Nodes())
	ctx := context.Background()

	cases := map[string]struct {
		route model.Route
		want  bool
	}{
		"direct":            {model.Route{Type: model.RouteDirect, Path: []string{"a", "b"}}, true},
		"healthy relay":     {model.Route{Type: model.RouteRelay, Path: []string{"a", "good", "b"}}, true},
		"relay below trust": {model.Route{Type: model.RouteRelay, Path: []string{"a", "low", "b"}}, false},
		"relay over load":   {model.Route{Type: model.RouteRelay, Path: []string{"a", "busy", "b"}}, false},
		"endpoint closed":   {model.Route{Type: model.RouteDirect, Path: []string{"a", "closed"}}, false},
		"node gone":         {model.Route{Type: model.RouteRelay, Path: []string{"a", "gone", "b"}}, false},
		"centralized":       {model.Route{Type: model.RouteCentralized, Path: []string{"x", "rendezvous", "y"}}, true},
		"path too short":    {model.Route{Type: model.RouteDirect, Path: []string{"a"}}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := d.RouteUsable(ctx, &tc.route, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := New(brokenNodes{}).RouteUsable(ctx, &model.Route{Type: model.RouteDirect, Path: []string{"a", "b"}}, 0)
	assert.True(t, errdefs.IsUnavailable(err))
}
