package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
)

func TestAbuseReportHighSeverityPenalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addNode(t, "n1", BaseScore)

	r, err := f.engine.ProcessAbuseReport(ctx, AbuseReportRequest{
		ReporterIdentity:   "alice",
		ReportedEntityType: model.EntityNode,
		ReportedEntityID:   "n1",
		ReportType:         "spam",
		Severity:           ReportSeverityHigh,
		Description:        "flooding the relay",
		Evidence:           map[string]string{"pcap": "s3://bucket/1.pcap"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReportPending, r.Status)
	assert.True(t, r.NeedsReview)
	assert.True(t, r.PenaltyApplied)

	// spam_detected at warning severity: -10 * 1.5.
	n, err := f.store.Nodes().Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 35.0, n.ReputationScore)

	log, err := f.engine.History(ctx, store.EventFilter{EntityID: "n1"})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, EventSpamDetected, log[0].EventType)
	assert.Equal(t, r.ID, log[0].Evidence["abuse_report_id"])
	assert.Equal(t, "s3://bucket/1.pcap", log[0].Evidence["pcap"])

	stored, err := f.store.AbuseReports().Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.PenaltyApplied)
	_, hasID := stored.Evidence["abuse_report_id"]
	assert.False(t, hasID)
}

func TestAbuseReportCriticalIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.engine.ProcessAbuseReport(ctx, AbuseReportRequest{
		ReporterIdentity:   "alice",
		ReportedEntityType: model.EntityIdentity,
		ReportedEntityID:   "mallory",
		ReportType:         "malicious",
		Severity:           ReportSeverityCritical,
	})
	require.NoError(t, err)
	assert.True(t, r.PenaltyApplied)

	cur, err := f.engine.Current(ctx, model.EntityIdentity, "mallory")
	require.NoError(t, err)
	assert.Equal(t, 10.0, cur.Score)
	assert.Equal(t, model.TrustCaution, cur.Level)
}

func TestAbuseReportLowSeverityOnlyRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addNode(t, "n1", BaseScore)

	r, err := f.engine.ProcessAbuseReport(ctx, AbuseReportRequest{
		ReporterIdentity:   "alice",
		ReportedEntityType: model.EntityNode,
		ReportedEntityID:   "n1",
		ReportType:         "harassment",
		Severity:           ReportSeverityLow,
	})
	require.NoError(t, err)
	assert.False(t, r.NeedsReview)
	assert.False(t, r.PenaltyApplied)

	n, err := f.store.Nodes().Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, BaseScore, n.ReputationScore)

	pending, err := f.engine.ListAbuseReports(ctx, store.ReportFilter{Status: model.ReportPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAbuseReportValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addNode(t, "n1", BaseScore)

	valid := AbuseReportRequest{
		ReporterIdentity:   "alice",
		ReportedEntityType: model.EntityNode,
		ReportedEntityID:   "n1",
		ReportType:         "abuse",
		Severity:           ReportSeverityMedium,
	}
	mutations := []func(*AbuseReportRequest){
		func(r *AbuseReportRequest) { r.ReporterIdentity = "" },
		func(r *AbuseReportRequest) { r.ReportedEntityType = "router" },
		func(r *AbuseReportRequest) { r.ReportType = "rudeness" },
		func(r *AbuseReportRequest) { r.Severity = "apocalyptic" },
	}
	for i, mutate := range mutations {
		req := valid
		mutate(&req)
		_, err := f.engine.ProcessAbuseReport(ctx, req)
		assert.True(t, errdefs.IsInvalid(err), "case %d: %v", i, err)
	}

	req := valid
	req.ReportedEntityID = "ghost"
	_, err := f.engine.ProcessAbuseReport(ctx, req)
	assert.True(t, errdefs.IsNotFound(err))

	all, err := f.engine.ListAbuseReports(ctx, store.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAggregateReputationNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addNode(t, "relay-1", BaseScore)
	_, err := f.store.Nodes().Mutate(ctx, "relay-1", func(n *model.Node) error {
		n.UptimePct = 90
		return nil
	})
	require.NoError(t, err)

	for _, ev := range []string{EventSuccessfulCall, EventSuccessfulCall, EventHighQualityStream, EventPoorQuality, EventRelayHelp} {
		_, err := f.engine.RecordEvent(ctx, EventRequest{EntityType: model.EntityNode, EntityID: "relay-1", EventType: ev})
		require.NoError(t, err)
	}

	used := f.clock.Now().UTC()
	require.NoError(t, f.store.Routes().Create(ctx, &model.Route{
		ID:                 "r1",
		Path:               []string{"src", "relay-1", "dst"},
		Type:               model.RouteRelay,
		PredictedLatencyMs: 100,
		UsageCount:         4,
		SuccessfulUses:     3,
		SuccessRate:        0.75,
		MeanLatencyErrorMs: 20,
		LastUsedAt:         &used,
		CreatedAt:          used,
	}))
	// Never used, so it does not count.
	require.NoError(t, f.store.Routes().Create(ctx, &model.Route{
		ID:        "r2",
		Path:      []string{"src", "relay-1", "dst"},
		Type:      model.RouteRelay,
		CreatedAt: used,
	}))

	agg, err := f.engine.AggregateReputation(ctx, model.EntityNode, "relay-1", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultWindowHours, agg.WindowHours)
	assert.Equal(t, 4, agg.CallEvents)
	assert.Equal(t, 3, agg.PositiveCalls)
	assert.InDelta(t, 75, agg.CallQuality, 1e-9)
	assert.Equal(t, 1, agg.RoutesObserved)
	// 100 * (0.5*0.75 + 0.5*0.8)
	assert.InDelta(t, 77.5, agg.RelayPerformance, 1e-9)
	assert.InDelta(t, 90, agg.Uptime, 1e-9)
	assert.InDelta(t, 0.4*75+0.3*77.5+0.3*90, agg.Score, 1e-9)
	assert.Equal(t, model.TrustEstablished, agg.Level)

	// One pending report costs ten points; dismissed ones cost nothing.
	r, err := f.engine.ProcessAbuseReport(ctx, AbuseReportRequest{
		ReporterIdentity: "bob", ReportedEntityType: model.EntityNode, ReportedEntityID: "relay-1",
		ReportType: "other", Severity: ReportSeverityLow,
	})
	require.NoError(t, err)
	dismissed, err := f.engine.ProcessAbuseReport(ctx, AbuseReportRequest{
		ReporterIdentity: "carol", ReportedEntityType: model.EntityNode, ReportedEntityID: "relay-1",
		ReportType: "other", Severity: ReportSeverityLow,
	})
	require.NoError(t, err)
	_, err = f.store.AbuseReports().Mutate(ctx, dismissed.ID, func(r *model.AbuseReport) error {
		r.Status = model.ReportDismissed
		return nil
	})
	require.NoError(t, err)
	require.NotEqual(t, r.ID, dismissed.ID)

	agg, err = f.engine.AggregateReputation(ctx, model.EntityNode, "relay-1", 12)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.AbuseReports)
	assert.InDelta(t, 10, agg.AbusePenalty, 1e-9)
	assert.InDelta(t, 0.4*75+0.3*77.5+0.3*90-10, agg.Score, 1e-9)
}

func TestAggregateReputationWindowExcludesOldData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addNode(t, "n1", BaseScore)

	_, err := f.engine.RecordEvent(ctx, EventRequest{EntityType: model.EntityNode, EntityID: "n1", EventType: EventCallDropped})
	require.NoError(t, err)
	f.clock.Add(48 * time.Hour)

	agg, err := f.engine.AggregateReputation(ctx, model.EntityNode, "n1", 24)
	require.NoError(t, err)
	assert.Equal(t, 0, agg.CallEvents)
	assert.Equal(t, neutralComponent, agg.CallQuality)
	assert.Equal(t, neutralComponent, agg.RelayPerformance)
	assert.InDelta(t, 0.4*50+0.3*50+0.3*100, agg.Score, 1e-9)
}

func TestAggregateReputationIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.AggregateReputation(ctx, model.EntityIdentity, "nobody", 24)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = f.engine.AggregateReputation(ctx, model.EntityIdentity, "alice", MaxWindowHours+1)
	assert.True(t, errdefs.IsInvalid(err))

	_, err = f.engine.RecordEvent(ctx, EventRequest{EntityType: model.EntityIdentity, EntityID: "alice", EventType: EventSuccessfulCall})
	require.NoError(t, err)

	agg, err := f.engine.AggregateReputation(ctx, model.EntityIdentity, "alice", 24)
	require.NoError(t, err)
	assert.Equal(t, 51.0, agg.RunningScore)
	assert.InDelta(t, 100, agg.CallQuality, 1e-9)
	assert.InDelta(t, 100, agg.Uptime, 1e-9)
}

func TestPredictionAccuracy(t *testing.T) {
	assert.Equal(t, 1.0, PredictionAccuracy(&model.Route{PredictedLatencyMs: 50}))
	assert.InDelta(t, 0.5, PredictionAccuracy(&model.Route{PredictedLatencyMs: 50, MeanLatencyErrorMs: 25}), 1e-9)
	assert.Equal(t, 0.0, PredictionAccuracy(&model.Route{PredictedLatencyMs: 50, MeanLatencyErrorMs: 80}))
}
