package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/apiserver"
	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/directory"
	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
	"github.com/relaymesh/relaymesh/pkg/routing"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

func newServer(t *testing.T, opts apiserver.ServerOptions) *httptest.Server {
	t.Helper()
	s := store.NewMemoryStore()
	engine := trust.NewEngine(s, nil)
	srv := apiserver.NewServer(apiserver.Deps{
		Store:    s,
		Registry: registry.New(s, nil),
		Router:   routing.NewRouter(routing.DefaultConfig(), directory.New(s.Nodes()), s.Routes(), nil),
		Feedback: feedback.NewRecorder(s.Routes(), engine, nil, nil, nil),
		Trust:    engine,
	}, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func register(t *testing.T, c client.APIClient, identity string, loc model.Location) *registry.NodeView {
	t.Helper()
	v, err := c.RegisterNode(context.Background(), registry.RegisterRequest{
		Identity: identity,
		Address:  "198.51.100.20:7000",
		Role:     model.RoleRelay,
		Location: loc,
	})
	require.NoError(t, err)
	return v
}

func TestClientAgainstServer(t *testing.T) {
	ts := newServer(t, apiserver.DefaultServerOptions())
	c := client.New(ts.URL+"/", "")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))
	alice := register(t, c, "alice", model.Location{Latitude: 51.5, Longitude: -0.12})
	bob := register(t, c, "bob", model.Location{Latitude: 52.2, Longitude: 0.12})
	assert.Equal(t, model.TrustEstablished, alice.TrustLevel)

	hb, err := c.Heartbeat(ctx, alice.ID, registry.Heartbeat{CurrentConnections: 3, AvgLatencyMs: 9})
	require.NoError(t, err)
	assert.Equal(t, 3, hb.CurrentConnections)

	nodes, err := c.ListNodes(ctx, client.NodeQuery{Identity: "bob"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, bob.ID, nodes[0].ID)

	route, err := c.FindRoute(ctx, routing.Request{SourceIdentity: "alice", DestIdentity: "bob"})
	require.NoError(t, err)
	assert.Equal(t, model.RouteDirect, route.Type)

	res, err := c.ReportPerformance(ctx, route.ID, feedback.PerformanceReport{LatencyMs: 15, BandwidthMbps: 10})
	require.NoError(t, err)
	assert.True(t, res.Successful)

	got, err := c.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	routes, err := c.ListRoutes(ctx, bob.ID, 10)
	require.NoError(t, err)
	assert.Len(t, routes, 1)

	ev, err := c.RecordTrustEvent(ctx, trust.EventRequest{
		EntityType: model.EntityIdentity, EntityID: "alice", EventType: trust.EventVerifiedIdentity,
	})
	require.NoError(t, err)
	assert.Equal(t, 55.0, ev.Score)

	events, err := c.ListTrustEvents(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	agg, err := c.Reputation(ctx, model.EntityNode, bob.ID, 12)
	require.NoError(t, err)
	assert.Equal(t, 12.0, agg.WindowHours)

	rep, err := c.ReportAbuse(ctx, trust.AbuseReportRequest{
		ReporterIdentity: "alice", ReportedEntityType: model.EntityNode, ReportedEntityID: bob.ID,
		ReportType: "spam", Severity: trust.ReportSeverityLow,
	})
	require.NoError(t, err)
	assert.False(t, rep.PenaltyApplied)
	reports, err := c.ListAbuseReports(ctx, model.ReportPending)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	_, err = c.DeregisterNode(ctx, bob.ID)
	require.NoError(t, err)
	st, err := c.NetworkStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalNodes)
	assert.Equal(t, 1, st.OnlineNodes)
}

func TestClientErrorClassification(t *testing.T) {
	ts := newServer(t, apiserver.DefaultServerOptions())
	c := client.New(ts.URL, "")
	ctx := context.Background()

	_, err := c.GetNode(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)

	_, err = c.FindRoute(ctx, routing.Request{SourceIdentity: "a", DestIdentity: "a"})
	assert.True(t, errdefs.IsInvalid(err))

	n := register(t, c, "carol", model.Location{})
	_, err = c.DeregisterNode(ctx, n.ID)
	require.NoError(t, err)
	_, err = c.Heartbeat(ctx, n.ID, registry.Heartbeat{})
	assert.True(t, errdefs.IsConflict(err))
}

func TestClientSendsToken(t *testing.T) {
	opts := apiserver.DefaultServerOptions()
	opts.APIKeys = map[string]apiserver.APIKeyInfo{"op-token": {Role: apiserver.RoleOperator}}
	ts := newServer(t, opts)
	ctx := context.Background()

	_, err := client.New(ts.URL, "").ListNodes(ctx, client.NodeQuery{})
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = client.New(ts.URL, "op-token").ListNodes(ctx, client.NodeQuery{})
	assert.NoError(t, err)
}

func TestClientPlainTextErrorAndOutage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
	}))
	c := client.New(ts.URL, "")
	err := c.Health(context.Background())
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream busy", apiErr.Message)
	assert.True(t, errdefs.IsUnavailable(err))

	ts.Close()
	err = c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestMockClient(t *testing.T) {
	m := &client.MockClient{}
	ctx := context.Background()

	nodes, err := m.ListNodes(ctx, client.NodeQuery{Level: string(model.TrustVerified)})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "relay-lon", nodes[0].Identity)

	_, err = m.GetNode(ctx, "nope")
	assert.True(t, errdefs.IsNotFound(err))

	res, err := m.RecordTrustEvent(ctx, trust.EventRequest{
		EntityType: model.EntityNode, EntityID: "n", EventType: trust.EventSpamDetected,
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, res.Score)

	_, err = m.RecordTrustEvent(ctx, trust.EventRequest{EventType: "bogus"})
	assert.True(t, errdefs.IsInvalid(err))

	routes, err := m.ListRoutes(ctx, "node-relay-lon-01", 0)
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}
