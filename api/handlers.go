package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Skryldev/userstore/health"
	"github.com/Skryldev/userstore/models"
	"github.com/Skryldev/userstore/repo"
)

const maxBodyBytes = 1 << 20

type handler struct {
	users   repo.UserRepository
	checker HealthChecker
	logger  *slog.Logger
}

// checkHealth reports 200 while the store answers (healthy or degraded)
// and 503 otherwise.
func (h *handler) checkHealth(w http.ResponseWriter, r *http.Request) {
	rep := h.checker.Check(r.Context())
	status := http.StatusOK
	if rep.Status == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var params models.CreateUserParams
	if err := decodeJSON(w, r, &params); err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.users.Create(r.Context(), params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/users/"+strconv.FormatInt(u.ID, 10))
	writeJSON(w, http.StatusCreated, u)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	users, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.users.Count(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, users)
}

func (h *handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var params models.UpdateUserParams
	if err := decodeJSON(w, r, &params); err != nil {
		h.fail(w, r, err)
		return
	}
	params.ID = id

	u, err := h.users.Update(r.Context(), params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	he := MapErrorToHTTP(err)
	if he.StatusCode == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "unhandled error", slog.Any("error", err))
	}
	writeError(w, he)
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, invalidRequest("id must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidRequest(key + " must be an integer")
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequest("request body is empty")
		}
		return invalidRequest("malformed JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, he *HTTPError) {
	writeJSON(w, he.StatusCode, he.ToErrorResponse())
}
