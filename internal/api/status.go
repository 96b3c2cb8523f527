package api

import (
	"net/http"
	"time"

	"github.com/posbridge/posbridge/internal/pool"
)

type statusResponse struct {
	Service     string       `json:"service"`
	Version     string       `json:"version"`
	Environment string       `json:"environment"`
	UptimeSec   int64        `json:"uptimeSec"`
	Pools       []pool.Stats `json:"pools"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := []pool.Stats{}
	if s.manager != nil {
		stats = s.manager.GetAllPoolsStats()
	}

	writeJSON(w, s.logger, http.StatusOK, statusResponse{
		Service:     s.cfg.Application.Name,
		Version:     s.cfg.Application.Version,
		Environment: s.env.Environment,
		UptimeSec:   int64(time.Since(s.startedAt).Seconds()),
		Pools:       stats,
	})
}
