package api

import (
	"context"
	"net/http"
	"snipbin/svc/util"
	"time"
)

type HealthResponse struct {
	Status   string `json:"status"`
	DBStatus string `json:"db_status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Health reports liveness plus whether the database answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		writeJSON(w, http.StatusInternalServerError, HealthResponse{Status: "error", DBStatus: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", DBStatus: "ok"})
}

// Ready fails only when the database is down. A missing or failing Redis
// leaves the service degraded but serving from the local cache.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Database: "up",
		Cache:    "up",
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.db.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database readiness check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	if s.rdb != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := s.rdb.Ping(cacheCtx); err != nil {
			util.Warn().Err(err).Msg("cache readiness check failed")
			resp.Cache = "down"
			resp.Degraded = true
		}
	} else {
		resp.Cache = "unavailable"
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
