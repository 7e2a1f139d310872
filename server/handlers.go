package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/pulse/schedule"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !readJSON(w, r, &req) {
		return
	}

	job, err := s.deps.Scheduler.Schedule(r.Context(), req.ToJob())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	s.logger.Infow("Job created via API", logger.FieldJobID, job.ID, logger.FieldProgram, job.ProgramID)
	_ = writeJSON(w, http.StatusCreated, NewJobResponse(job))
}

// handleListJobs serves GET /api/jobs?state=pending,failed&limit=50&all=true
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := schedule.ListFilter{IncludeDisabled: q.Get("all") == "true"}

	if raw := q.Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := schedule.State(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(part))
				return
			}
			filter.States = append(filter.States, st)
		}
	}

	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter.Limit = limit

	jobs, err := s.deps.Jobs.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, NewJobResponse(j))
	}
	_ = writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, NewJobResponse(job))
}

// handleCancelJob answers 202 when a running capture was signalled and 200
// when the job was marked cancelled outright.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := s.deps.Scheduler.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	status := http.StatusOK
	if outcome == schedule.CancelSignalled {
		status = http.StatusAccepted
	}
	_ = writeJSON(w, status, CancelResponse{ID: id, Outcome: string(outcome)})
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	var running []schedule.Job
	if s.deps.Running != nil {
		running = s.deps.Running.Running()
	}
	out := make([]JobResponse, 0, len(running))
	for i := range running {
		out = append(out, NewJobResponse(&running[i]))
	}
	_ = writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	recs, err := s.deps.Recordings.List(r.Context(), limit)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	out := make([]RecordingResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NewRecordingResponse(rec))
	}
	_ = writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		State:   s.State().String(),
		Version: s.version,
		Clients: s.hub.ClientCount(),
	}
	if s.deps.Running != nil {
		resp.Running = len(s.deps.Running.Running())
	}
	if s.deps.Stats != nil {
		resp.Scheduler = s.deps.Stats()
	}

	status := http.StatusOK
	if s.State() != ServerStateRunning {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Debugw("WebSocket upgrade failed", "error", err.Error())
		return
	}

	c := newClient(s.hub, conn)
	select {
	case s.hub.register <- c:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
