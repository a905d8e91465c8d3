package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
	"github.com/kubilitics/kubilitics-anomaly/internal/pipeline"
	"github.com/kubilitics/kubilitics-anomaly/internal/report"
)

// SourceInfo describes a configured data source.
type SourceInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RunRequest is the optional body of POST /sources/{name}/run.
type RunRequest struct {
	End               int64   `json:"end"`
	Initialize        bool    `json:"initialize"`
	SkipHistoryUpdate bool    `json:"skip_history_update"`
	ItemIDs           []int64 `json:"item_ids"`
	MaxItemIDs        int     `json:"max_item_ids"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"sources": len(s.service.Load().Runners()),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	runners := s.service.Load().Runners()
	out := make([]SourceInfo, 0, len(runners))
	for _, rn := range runners {
		out = append(out, SourceInfo{Name: rn.Name(), Type: rn.Type()})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleAnomalies — GET /api/v1/sources/{name}/anomalies
//
//	Query params:
//	  since   — only rows created at or after this epoch
//	  cluster — only rows of this cluster id
//	  limit, offset — paging of the raw rows
//	  view    — "rows" (default) or "report"
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.runner(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var query db.AnomalyQuery
	var err error
	if v := q.Get("since"); v != "" {
		if query.Since, err = strconv.ParseInt(v, 10, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid since")
			return
		}
	}
	if v := q.Get("cluster"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid cluster")
			return
		}
		query.ClusterID = &id
	}
	if v := q.Get("limit"); v != "" {
		if query.Limit, err = strconv.Atoi(v); err != nil || query.Limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if query.Offset, err = strconv.Atoi(v); err != nil || query.Offset < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}

	rows, err := rn.Ledger().Query(r.Context(), query)
	if err != nil {
		s.logger.Error("query anomalies", zap.String("source", rn.Name()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []models.Anomaly{}
	}

	switch q.Get("view") {
	case "", "rows":
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"source":    rn.Name(),
			"anomalies": rows,
			"total":     len(rows),
		})
	case "report":
		respondJSON(w, http.StatusOK, report.Build(rn.Name(), rows))
	default:
		respondError(w, http.StatusBadRequest, "view must be rows or report")
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.runner(w, r)
	if !ok {
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sum, err := rn.Run(r.Context(), req.End, pipeline.Options{
		Initialize:        req.Initialize,
		SkipHistoryUpdate: req.SkipHistoryUpdate,
		ItemIDs:           req.ItemIDs,
		MaxItemIDs:        req.MaxItemIDs,
	})
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, sum)
	}
}

func (s *Server) runner(w http.ResponseWriter, r *http.Request) (*pipeline.Runner, bool) {
	name := mux.Vars(r)["name"]
	rn, ok := s.service.Load().Runner(name)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown data source "+strconv.Quote(name))
	}
	return rn, ok
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
