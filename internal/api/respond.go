package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cad-orchestrator/internal/llm"
	"cad-orchestrator/internal/logger"
	"cad-orchestrator/internal/memory"
	"cad-orchestrator/internal/orchestrator"
)

var errBadRequestBody = errors.New("invalid request body")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("[ERROR] Failed to encode response: %v", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP statuses
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("[ERROR] %s %s: %v", r.Method, r.URL.Path, err)
		writeMessage(w, status, "internal server error")
		return
	}
	writeMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequestBody),
		errors.Is(err, orchestrator.ErrInvalidSpec),
		errors.Is(err, orchestrator.ErrInvalidCheckpoint),
		errors.Is(err, orchestrator.ErrInvalidEvent),
		errors.Is(err, memory.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownJob),
		errors.Is(err, memory.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrJobTerminal),
		errors.Is(err, orchestrator.ErrNoRecoverableCheckpoint),
		errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, llm.ErrProviderDegraded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into dst. An empty body leaves dst untouched
// when optional is set.
func decode(r *http.Request, dst interface{}, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	return errBadRequestBody
}
