package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"envfleet/internal/provider"
	"envfleet/internal/routine"
	"envfleet/internal/runtime/supervisor"
	"envfleet/internal/storage"
	"envfleet/internal/task/queue"
	"envfleet/internal/task/scheduler"
	"envfleet/internal/task/trigger"
	logx "envfleet/pkg/logx"
)

// ErrInvalidRequest marks launch errors caused by the caller's input.
var ErrInvalidRequest = errors.New("invalid request")

const maxBodyBytes = 1 << 20

type healthResponse struct {
	Status    string             `json:"status"`
	GoVersion string             `json:"go_version"`
	Uptime    string             `json:"uptime"`
	Workers   []supervisor.Stats `json:"workers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Health != nil {
		resp.Workers = s.deps.Health()
	}
	respondOK(w, RequestIDFromContext(r.Context()), resp)
}

type statusResponse struct {
	scheduler.Status
	Schedules []trigger.Info `json:"schedules,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.deps.Runs.Status()}
	if s.deps.Schedules != nil {
		resp.Schedules = s.deps.Schedules.Snapshot()
	}
	respondOK(w, RequestIDFromContext(r.Context()), resp)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, codeValidation, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Routines) == 0 {
		respondError(w, reqID, http.StatusBadRequest, codeValidation, "routines is required")
		return
	}
	if req.Concurrency < 0 {
		respondError(w, reqID, http.StatusBadRequest, codeValidation, "concurrency must be >= 0")
		return
	}

	id, err := s.deps.Runs.Launch(r.Context(), req)
	if err != nil {
		s.respondLaunchError(w, reqID, err)
		return
	}
	respondAccepted(w, reqID, map[string]string{"run_id": id})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	stopped := s.deps.Runs.Stop(r.Context())
	respondOK(w, RequestIDFromContext(r.Context()), map[string]bool{"stopped": stopped})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.deps.History == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, codeUnavailable, "run history is disabled")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	runs, err := s.deps.History.ListRuns(r.Context(), limit)
	if err != nil {
		s.respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.deps.History == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, codeUnavailable, "run history is disabled")
		return
	}
	sum, err := s.deps.History.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, sum)
}

type environmentsResponse struct {
	Items []provider.Environment `json:"items"`
	Total int                    `json:"total"`
	Page  int                    `json:"page"`
	Size  int                    `json:"size"`
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	size, err := queryInt(r, "size", 50)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	opt := provider.ListOptions{Page: page, PageSize: size, Name: strings.TrimSpace(r.URL.Query().Get("name"))}
	if g := strings.TrimSpace(r.URL.Query().Get("group")); g != "" {
		id, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, codeValidation, "group must be an integer")
			return
		}
		opt.GroupID = &id
	}

	p, err := s.deps.Provider.ListEnvironments(r.Context(), opt)
	if err != nil {
		s.log.Warn("list environments failed", logx.Err(err))
		respondError(w, reqID, http.StatusBadGateway, codeUpstream, err.Error())
		return
	}
	items := p.Items
	if items == nil {
		items = []provider.Environment{}
	}
	respondOK(w, reqID, environmentsResponse{Items: items, Total: p.Total, Page: page, Size: size})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	var out []trigger.Info
	if s.deps.Schedules != nil {
		out = s.deps.Schedules.Snapshot()
	}
	if out == nil {
		out = []trigger.Info{}
	}
	respondOK(w, RequestIDFromContext(r.Context()), out)
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.deps.Schedules == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, codeUnavailable, "schedules are disabled")
		return
	}
	id, err := s.deps.Schedules.RunNow(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, trigger.ErrUnknownSchedule) {
			respondError(w, reqID, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		s.respondLaunchError(w, reqID, err)
		return
	}
	respondAccepted(w, reqID, map[string]string{"run_id": id})
}

func (s *Server) respondLaunchError(w http.ResponseWriter, reqID string, err error) {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		respondError(w, reqID, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, queue.ErrNoEnvironments),
		errors.Is(err, queue.ErrNoRoutines),
		errors.Is(err, queue.ErrUnknownMode),
		errors.Is(err, routine.ErrNotFound),
		errors.Is(err, routine.ErrInvalidRef):
		respondError(w, reqID, http.StatusBadRequest, codeValidation, err.Error())
	case errors.As(err, &apiErr):
		respondError(w, reqID, http.StatusBadGateway, codeUpstream, err.Error())
	default:
		s.log.Error("launch failed", logx.Err(err))
		respondError(w, reqID, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func (s *Server) respondStoreError(w http.ResponseWriter, reqID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, reqID, http.StatusNotFound, codeNotFound, "run not found")
	case errors.Is(err, storage.ErrDisabled):
		respondError(w, reqID, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		s.log.Error("run history read failed", logx.Err(err))
		respondError(w, reqID, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}
