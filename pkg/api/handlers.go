package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/quanta/quanta/pkg/engine"
	"github.com/quanta/quanta/pkg/frames"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type statusResponse struct {
	Identity   string                  `json:"identity,omitempty"`
	Roles      []engine.RoleStatus     `json:"roles"`
	Counters   *engine.CounterSnapshot `json:"counters,omitempty"`
	Aggregate  *float64                `json:"aggregate,omitempty"`
	QueueDepth *int                    `json:"queue_depth,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Roles: []engine.RoleStatus{}}
	if s.deps.Status != nil {
		resp.Roles = s.deps.Status.Status()
	}
	if rt := s.deps.Runtime; rt != nil {
		resp.Identity = rt.Identity
		snap := rt.Counters.Snapshot()
		resp.Counters = &snap
	}
	if s.deps.Aggregate != nil {
		v := s.deps.Aggregate.GlobalAggregate()
		resp.Aggregate = &v
	}
	if s.deps.Queue != nil {
		n := s.deps.Queue.Len()
		resp.QueueDepth = &n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type lineageEntry struct {
	ID         string  `json:"id"`
	FrameIndex int64   `json:"frame_index"`
	Timestamp  int64   `json:"timestamp_ms"`
	Aggregate  float64 `json:"aggregate"`
}

const defaultLineageLimit = 20

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusNotFound, "no store configured")
		return
	}
	limit := defaultLineageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	mainFrames, err := frames.Lineage(r.Context(), s.deps.Store, limit)
	if err != nil {
		s.logger.WithError(err).Error("lineage walk failed")
		s.writeError(w, http.StatusInternalServerError, "failed to walk lineage")
		return
	}
	out := make([]lineageEntry, 0, len(mainFrames))
	for _, f := range mainFrames {
		out = append(out, lineageEntry{
			ID:         f.ID,
			FrameIndex: f.FrameIndex,
			Timestamp:  f.Timestamp.UnixMilli(),
			Aggregate:  f.Aggregate,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encode response")
	}
}
