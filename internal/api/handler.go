package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/voxqueue/voxqueue/internal/auth"
	"github.com/voxqueue/voxqueue/internal/manager"
	"github.com/voxqueue/voxqueue/internal/task"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Handler struct {
	manager *manager.Manager
	auth    *auth.Service
}

func NewHandler(m *manager.Manager, a *auth.Service) *Handler {
	return &Handler{manager: m, auth: a}
}

type CreateTaskRequest struct {
	Type       task.Type     `json:"task_type"`
	InputPath  string        `json:"input_path"`
	Callback   task.Callback `json:"callback"`
	Params     task.Params   `json:"params"`
	Priority   task.Priority `json:"priority"`
	MaxRetries *int          `json:"max_retries"`
	Timeout    int64         `json:"timeout"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// diarization and emotion analysis are separately licensed
	if p := req.Params.Transcribe; p != nil {
		key := authedKey(r)
		if p.SpeakerDiarization {
			if err := h.auth.Check(key, auth.PermDiarize); err != nil {
				respondError(w, http.StatusForbidden, "api key lacks speaker_diarization permission")
				return
			}
		}
		if p.EmotionRecognition {
			if err := h.auth.Check(key, auth.PermEmotion); err != nil {
				respondError(w, http.StatusForbidden, "api key lacks emotion_recognition permission")
				return
			}
		}
	}

	maxRetries := task.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	t, err := h.manager.Submit(r.Context(), task.Config{
		Type:       req.Type,
		InputPath:  req.InputPath,
		Callback:   req.Callback,
		Params:     req.Params,
		Priority:   req.Priority,
		MaxRetries: maxRetries,
		Timeout:    req.Timeout,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]task.Status{"status": st})
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	tasks, err := h.manager.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

type UpdatePriorityRequest struct {
	Priority task.Priority `json:"priority"`
}

func (h *Handler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req UpdatePriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.manager.UpdatePriority(r.Context(), chi.URLParam(r, "id"), req.Priority)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrInvalidConfig):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrInvalidState):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
