package apiserver

import (
	"net/http"

	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodes, err := s.registry.ListNodes(r.Context(), registry.NodeFilter{
		Identity: q.Get("identity"),
		Status:   q.Get("status"),
		Role:     model.NodeRole(q.Get("role")),
		Level:    model.TrustLevel(q.Get("level")),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := s.registry.RegisterNode(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registry.View(*n))
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.registry.GetNodeInfo(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var hb registry.Heartbeat
	if !decodeJSON(w, r, &hb) {
		return
	}
	n, err := s.registry.NodeHeartbeat(r.Context(), id, hb)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registry.View(*n))
}

func (s *Server) handleDeregisterNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.registry.DeregisterNode(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registry.View(*n))
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.GetNetworkStatus(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
