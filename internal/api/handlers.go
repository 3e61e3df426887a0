package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"taskq/internal/domain"
	"taskq/internal/protocol"
	"taskq/internal/task"
)

const defaultDeadLetterLimit = 100

// optionsKey carries parsed options through kwargs into Task.Delay.
const optionsKey = "task_options"

type delayReq struct {
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Options map[string]any `json:"options"`
}

type delayResp struct {
	TaskID string `json:"task_id"`
}

type errorResp struct {
	Error string `json:"error"`
}

func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := s.deps.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task "+strconv.Quote(name))
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req delayReq
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = make(map[string]any)
	}
	if _, taken := kwargs[optionsKey]; taken && req.Options != nil {
		writeError(w, http.StatusBadRequest, optionsKey+" is reserved")
		return
	}
	if req.Options != nil {
		opts, err := domain.ParseTaskOptions(s.deps.Clock, req.Options)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kwargs[optionsKey] = opts
	}

	id, err := t.Delay(r.Context(), req.Args, kwargs)
	switch {
	case errors.Is(err, protocol.ErrUnsupportedValue), errors.Is(err, task.ErrOptionsAsArg):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Str("task_name", name).Msg("delay failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, delayResp{TaskID: id})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Healthy != nil && !s.deps.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stale"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letter store is disabled")
		return
	}

	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	dls, err := s.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("list dead letters")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dls)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResp{Error: msg})
}
