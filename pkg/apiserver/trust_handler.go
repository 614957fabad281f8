package apiserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/events"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamPongWait   = 2 * streamPingPeriod
)

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req trust.EventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.trust.RecordEvent(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
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
	evs, err := s.trust.History(r.Context(), store.EventFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	entityType, id := r.PathValue("type"), r.PathValue("id")
	if err := ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window, err := queryFloat(r.URL.Query().Get("window_hours"), "window_hours")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agg, err := s.trust.AggregateReputation(r.Context(), entityType, id, window)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleReportAbuse(w http.ResponseWriter, r *http.Request) {
	var req trust.AbuseReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rep, err := s.trust.ProcessAbuseReport(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) handleListAbuseReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reports, err := s.trust.ListAbuseReports(r.Context(), store.ReportFilter{
		Status:     q.Get("status"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// handleTrustStream upgrades to a websocket and forwards hub events as JSON
// text frames until either side goes away. entity_id narrows the stream to
// one entity.
func (s *Server) handleTrustStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream is not enabled")
		return
	}
	entityID := r.URL.Query().Get("entity_id")
	// Subscribe first so nothing published after the handshake is missed.
	sub, cancel := s.hub.Subscribe()
	defer cancel()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Info("trust stream client connected", zap.String("remote_addr", remote))
	defer s.logger.Info("trust stream client disconnected", zap.String("remote_addr", remote))

	// The reader only handles control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if entityID != "" && ev.EntityID != entityID {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(ev)
}
