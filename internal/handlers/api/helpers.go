package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lildude/racesync/internal/athletes"
	"github.com/lildude/racesync/internal/batch"
	"github.com/lildude/racesync/internal/eventgroup"
	"github.com/lildude/racesync/internal/queue"
	"github.com/lildude/racesync/internal/races"
	"github.com/sirupsen/logrus"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, log logrus.FieldLogger, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.WithError(err).Error("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, log logrus.FieldLogger, status int, message string, err error) {
	if err != nil {
		log.WithError(err).WithField("status", status).Error(message)
	}
	respondJSON(w, log, status, errorBody{Error: message})
}

// respondStoreError maps the stores' sentinel errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, batch.ErrNotFound),
		errors.Is(err, races.ErrNotFound),
		errors.Is(err, athletes.ErrNotFound),
		errors.Is(err, eventgroup.ErrNotFound):
		respondJSON(w, log, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, eventgroup.ErrNotPending):
		respondJSON(w, log, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		respondError(w, log, http.StatusInternalServerError, "internal error", err)
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func uintParam(r *http.Request, name string) (uint, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

func int64Param(r *http.Request, name string) (int64, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "id")
}
