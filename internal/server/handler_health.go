package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Uptime     string `json:"uptime"`
	Scheduler  string `json:"scheduler"`
	Store      string `json:"store"`
	Executions int    `json:"executions"`
	Processors int    `json:"processors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	sched := "disabled"
	if s.scheduler != nil {
		sched = "running"
	}
	st := "none"
	if s.store != nil {
		st = "sqlite"
	}
	respondOK(w, reqID, healthResponse{
		Status:     "healthy",
		Version:    "0.1.0",
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Scheduler:  sched,
		Store:      st,
		Executions: len(s.dispatcher.ListExecutions(r.Context())),
		Processors: len(s.dispatcher.ListProcessors()),
	})
}
