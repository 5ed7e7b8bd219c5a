package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cast"

	"github.com/alem-hub/warning-engine/internal/application/engine"
	"github.com/alem-hub/warning-engine/internal/application/query"
	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/warning-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleLive handles the liveness endpoint.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// eventAccepted is returned for every accepted event.
type eventAccepted struct {
	EventID string `json:"eventId"`
	State   string `json:"state"`
}

// handleSubmitEvent handles POST /api/v1/events
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var event warning.DataChangeEvent
	if err := render.DecodeJSON(r.Body, &event); err != nil {
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_body", "Request body must be a JSON event", err.Error())
		return
	}

	// The engine fills in a missing ID; assign it here so the caller can poll.
	event = event.WithDefaults(time.Now().UTC())

	if err := s.deps.Engine.ProcessDataChangeEvent(r.Context(), event); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, eventAccepted{EventID: event.ID, State: string(warning.StateQueued)})
}

// batchRequest is the body of POST /api/v1/events/batch.
type batchRequest struct {
	Events []warning.DataChangeEvent `json:"events"`
}

// batchResponse reports how many events were queued.
type batchResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	EventIDs []string `json:"eventIds"`
	Errors   []string `json:"errors,omitempty"`
}

// handleSubmitBatch handles POST /api/v1/events/batch
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_body", "Request body must contain an events array", err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeJSONError(w, r, http.StatusBadRequest, "empty_batch", "At least one event is required")
		return
	}
	if s.config.MaxBatchSize > 0 && len(req.Events) > s.config.MaxBatchSize {
		writeJSONError(w, r, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("At most %d events per batch", s.config.MaxBatchSize))
		return
	}

	now := time.Now().UTC()
	ids := make([]string, len(req.Events))
	for i := range req.Events {
		req.Events[i] = req.Events[i].WithDefaults(now)
		ids[i] = req.Events[i].ID
	}

	accepted, err := s.deps.Engine.ProcessBatchEvents(r.Context(), req.Events)
	resp := batchResponse{Accepted: accepted, EventIDs: ids}

	switch {
	case err == nil:
	case shared.IsValidation(err):
		for _, e := range unwrapJoined(err) {
			resp.Errors = append(resp.Errors, e.Error())
		}
		resp.Rejected = len(resp.Errors)
	default:
		// Queueing stopped partway; events after the failure were not queued.
		if accepted == 0 {
			s.writeEngineError(w, r, err)
			return
		}
		resp.Errors = []string{err.Error()}
		resp.Rejected = len(req.Events) - accepted
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSONWithMeta(w, r, status, resp, &ResponseMeta{TotalCount: len(req.Events)})
}

// handleEventStatus handles GET /api/v1/events/{id}
func (s *Server) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, ok := s.deps.Engine.EventStatus(id)
	if !ok {
		writeJSONError(w, r, http.StatusNotFound, "event_not_found", "Event is unknown or no longer tracked")
		return
	}
	writeJSON(w, r, http.StatusOK, ev)
}

// handleRecentEvents handles GET /api/v1/events
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events := s.deps.Engine.RecentEvents()
	if events == nil {
		events = []engine.TrackedEvent{}
	}
	writeJSONWithMeta(w, r, http.StatusOK, events, &ResponseMeta{TotalCount: len(events)})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case shared.IsValidation(err):
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_event", "Event failed validation", err.Error())
	case errors.Is(err, engine.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, r, http.StatusServiceUnavailable, "queue_full", "Event queue is full, retry later")
	case errors.Is(err, engine.ErrEngineStopped):
		writeJSONError(w, r, http.StatusServiceUnavailable, "engine_stopped", "Engine is not accepting events")
	default:
		s.logger.Error("event submission failed", logger.Err(err))
		writeJSONError(w, r, http.StatusInternalServerError, "internal_error", "Failed to submit event")
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE STATUS
// ══════════════════════════════════════════════════════════════════════════════

type engineStatusResponse struct {
	Engine engine.Status        `json:"engine"`
	Jobs   []scheduler.JobInfo  `json:"jobs,omitempty"`
	Cache  engineStatusCacheRef `json:"cache"`
}

type engineStatusCacheRef struct {
	Size    int     `json:"size"`
	HitRate float64 `json:"hitRate"`
}

// handleEngineStatus handles GET /api/v1/engine/status
func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	resp := engineStatusResponse{Engine: s.deps.Engine.Status()}
	if s.deps.Scheduler != nil {
		resp.Jobs = s.deps.Scheduler.ListJobs()
	}
	cs := s.deps.Cache.Stats()
	resp.Cache = engineStatusCacheRef{Size: cs.Size, HitRate: cs.HitRate}
	writeJSON(w, r, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════════════════════
// WARNING QUERIES
// ══════════════════════════════════════════════════════════════════════════════

// handleWarningStats handles GET /api/v1/warnings/stats
func (s *Server) handleWarningStats(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.WarningStats.Handle(r.Context(), query.GetWarningStatsQuery{})
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	age := result.Age(time.Now())
	w.Header().Set("Age", strconv.Itoa(int(age.Seconds())))
	writeJSON(w, r, http.StatusOK, result.Stats)
}

// handleStudentWarnings handles GET /api/v1/students/{id}/warnings
func (s *Server) handleStudentWarnings(w http.ResponseWriter, r *http.Request) {
	q := query.GetStudentWarningsQuery{
		StudentID:  chi.URLParam(r, "id"),
		Limit:      getQueryParamInt(r, "limit", 0),
		ActiveOnly: getQueryParamBool(r, "active"),
	}

	result, err := s.deps.StudentWarnings.Handle(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, result, &ResponseMeta{TotalCount: result.Total})
}

func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case shared.IsValidation(err):
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_query", "Invalid query parameters", err.Error())
	case shared.IsNotFound(err):
		writeJSONError(w, r, http.StatusNotFound, "not_found", "Student not found")
	case shared.IsRetryable(err):
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Storage temporarily unavailable")
	default:
		s.logger.Error("query failed", logger.Err(err), logger.Operation(r.URL.Path))
		writeJSONError(w, r, http.StatusInternalServerError, "internal_error", "Query failed")
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CACHE ADMINISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// handleCacheStats handles GET /api/v1/cache/stats
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Cache.Stats())
}

// handleCacheClear handles POST /api/v1/cache/clear
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	size := s.deps.Cache.Len()
	s.deps.Cache.Clear(r.Context())
	if getQueryParamBool(r, "resetStats") {
		s.deps.Cache.ResetStats()
	}
	s.logger.Info("cache cleared via API", logger.Count("entries", size))
	writeJSON(w, r, http.StatusOK, map[string]int{"cleared": size})
}

// handleCacheInvalidate handles POST /api/v1/cache/invalidate/{dataType}
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	dt := cache.DataType(chi.URLParam(r, "dataType"))
	if !dt.IsKnown() {
		writeJSONError(w, r, http.StatusBadRequest, "unknown_data_type", fmt.Sprintf("Unknown data type %q", dt))
		return
	}

	n := s.deps.Cache.InvalidateByType(r.Context(), dt)
	writeJSON(w, r, http.StatusOK, map[string]any{"dataType": dt, "invalidated": n})
}

// handleCacheCleanup handles POST /api/v1/cache/cleanup?maxEntries=N
func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	maxEntries := getQueryParamInt(r, "maxEntries", 0)
	if maxEntries < 0 {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_query", "maxEntries cannot be negative")
		return
	}
	writeJSON(w, r, http.StatusOK, s.deps.Cache.Cleanup(maxEntries))
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULED JOBS
// ══════════════════════════════════════════════════════════════════════════════

type jobsResponse struct {
	Jobs    []scheduler.JobInfo       `json:"jobs"`
	Metrics scheduler.MetricsSnapshot `json:"metrics"`
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, jobsResponse{
		Jobs:    s.deps.Scheduler.ListJobs(),
		Metrics: s.deps.Scheduler.GetMetrics().Snapshot(),
	})
}

// handleJobHistory handles GET /api/v1/jobs/history?limit=N
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	limit := getQueryParamInt(r, "limit", 50)
	if limit < 0 {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_query", "limit cannot be negative")
		return
	}
	history := s.deps.Scheduler.GetHistory(limit)
	writeJSONWithMeta(w, r, http.StatusOK, history, &ResponseMeta{TotalCount: len(history)})
}

// handleJobInfo handles GET /api/v1/jobs/{name}
func (s *Server) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Scheduler.GetJobInfo(chi.URLParam(r, "name"))
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

// handleRunJob handles POST /api/v1/jobs/{name}/run. The job runs on the
// request context; a failed run is reported in the result with 200.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scheduler.RunNow(r.Context(), chi.URLParam(r, "name"))
	if result == nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// handleToggleJob handles POST /api/v1/jobs/{name}/enable and /disable.
func (s *Server) handleToggleJob(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		toggle := s.deps.Scheduler.DisableJob
		if enabled {
			toggle = s.deps.Scheduler.EnableJob
		}
		if err := toggle(name); err != nil {
			s.writeJobError(w, r, err)
			return
		}
		info, err := s.deps.Scheduler.GetJobInfo(name)
		if err != nil {
			s.writeJobError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, info)
	}
}

func (s *Server) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeJSONError(w, r, http.StatusNotFound, "job_not_found", err.Error())
		return
	}
	s.logger.Error("job request failed", logger.Err(err))
	writeJSONError(w, r, http.StatusInternalServerError, "internal_error", "Job request failed")
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// getQueryParamInt gets an integer query parameter with a default value.
func getQueryParamInt(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	n, err := cast.ToIntE(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getQueryParamBool gets a boolean query parameter.
func getQueryParamBool(r *http.Request, name string) bool {
	b, _ := cast.ToBoolE(r.URL.Query().Get(name))
	return b
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
