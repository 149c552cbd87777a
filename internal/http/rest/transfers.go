package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tmavro/enginebridge/internal/logctx"
	"github.com/tmavro/enginebridge/internal/storage"
	"github.com/tmavro/enginebridge/internal/task"
)

// TransfersHandler exposes the task queue over HTTP: enqueue a transfer,
// then poll its status until it reaches a terminal outcome.
type TransfersHandler struct {
	username string
	password string
	repo     storage.TaskRepository
	validate *validator.Validate
}

func NewTransfersHandler(username, password string, repo storage.TaskRepository) *TransfersHandler {
	return &TransfersHandler{
		username: username,
		password: password,
		repo:     repo,
		validate: validator.New(),
	}
}

type enqueueRequest struct {
	URL              string            `json:"url" validate:"required,url"`
	FilePath         string            `json:"file_path" validate:"required"`
	Headers          map[string]string `json:"headers"`
	ProgressHandleID *int64            `json:"progress_handle_id"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	FilePath  string `json:"file_path"`
	Status    string `json:"status"`
	ErrorCode int32  `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *TransfersHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.basicAuth)

	r.Post("/transfers", h.enqueueTransfer)
	r.Get("/transfers/{id}", h.getTransfer)

	return r
}

func (h *TransfersHandler) enqueueTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode enqueue request", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if err := h.validate.Struct(req); err != nil {
		logger.Warn("enqueue request validation failed", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	headersJSON := "{}"

	if len(req.Headers) > 0 {
		raw, err := json.Marshal(req.Headers)
		if err != nil {
			logger.Error("failed to encode headers", "err", err)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid headers"})

			return
		}

		headersJSON = string(raw)
	}

	progressHandle := task.NoProgressHandle
	if req.ProgressHandleID != nil {
		progressHandle = *req.ProgressHandleID
	}

	rec := storage.TaskRecord{
		ID:               uuid.New().String(),
		URL:              req.URL,
		FilePath:         req.FilePath,
		HeadersJSON:      headersJSON,
		ProgressHandleID: progressHandle,
	}

	if err := h.repo.EnqueueTask(rec); err != nil {
		logger.Error("failed to enqueue task", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})

		return
	}

	logger.Info("transfer enqueued", "task_id", rec.ID, "url", rec.URL)
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: rec.ID})
}

func (h *TransfersHandler) getTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	id := chi.URLParam(r, "id")

	rec, err := h.repo.GetTask(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "transfer not found"})

			return
		}

		logger.Error("failed to load task", "task_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:        rec.ID,
		URL:       rec.URL,
		FilePath:  rec.FilePath,
		Status:    rec.Status,
		ErrorCode: rec.ErrorCode,
		Error:     rec.Error,
	})
}

// basicAuth guards the queue endpoints when credentials are configured.
func (h *TransfersHandler) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" && h.password == "" {
			next.ServeHTTP(w, r)

			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="bridged"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
