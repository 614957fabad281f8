package apiserver

import (
	"net/http"

	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/routing"
	"github.com/relaymesh/relaymesh/pkg/store"
)

func (s *Server) handleFindOptimalRoute(w http.ResponseWriter, r *http.Request) {
	var req routing.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	route, err := s.router.FindOptimalRoute(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleRoutePerformance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var report feedback.PerformanceReport
	if !decodeJSON(w, r, &report) {
		return
	}
	res, err := s.feedback.UpdateRoutePerformance(r.Context(), id, report)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since, err := querySince(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = 100
	}
	routes, err := s.store.Routes().List(r.Context(), store.RouteFilter{
		NodeID: q.Get("node_id"),
		Since:  since,
		Limit:  limit,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	route, err := s.store.Routes().Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}
