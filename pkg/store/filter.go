package store

import (
	"slices"
	"sort"

	"github.com/relaymesh/relaymesh/pkg/model"
)

// The memory and etcd backends both hold whole collections client-side and
// narrow them with these helpers.

func matchRoute(r *model.Route, f RouteFilter) bool {
	if f.NodeID != "" && !slices.Contains(r.Path, f.NodeID) {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.UsedSince.IsZero() && (r.LastUsedAt == nil || r.LastUsedAt.Before(f.UsedSince)) {
		return false
	}
	return true
}

func filterRoutes(in []model.Route, f RouteFilter) []model.Route {
	out := make([]model.Route, 0, len(in))
	for i := range in {
		if matchRoute(&in[i], f) {
			out = append(out, in[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func filterEvents(in []model.ReputationEvent, f EventFilter) []model.ReputationEvent {
	out := make([]model.ReputationEvent, 0, len(in))
	for _, ev := range in {
		if f.EntityType != "" && ev.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && ev.EntityID != f.EntityID {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func filterReports(in []model.AbuseReport, f ReportFilter) []model.AbuseReport {
	out := make([]model.AbuseReport, 0, len(in))
	for _, r := range in {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.EntityType != "" && r.ReportedEntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && r.ReportedEntityID != f.EntityID {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func cloneRoute(r model.Route) model.Route {
	r.Path = slices.Clone(r.Path)
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		r.LastUsedAt = &t
	}
	return r
}
