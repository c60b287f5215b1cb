package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/autodeploy/internal/cluster"
	"github.com/splax/autodeploy/internal/executor"
	"github.com/splax/autodeploy/internal/jenkins"
	"github.com/splax/autodeploy/internal/registry"
	"github.com/splax/autodeploy/internal/service/deploy"
	"github.com/splax/autodeploy/internal/store"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, cluster.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, jenkins.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateID),
		errors.Is(err, store.ErrStaleTransition),
		errors.Is(err, cluster.ErrNoPreviousRevision):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, jenkins.ErrUnavailable),
		errors.Is(err, jenkins.ErrUnauthorized),
		errors.Is(err, jenkins.ErrInvalidResponse),
		errors.Is(err, registry.ErrUnavailable),
		errors.Is(err, cluster.ErrCommandFailed),
		errors.Is(err, cluster.ErrRolloutTimeout):
		return http.StatusBadGateway
	case errors.Is(err, deploy.ErrClusterDisabled),
		errors.Is(err, deploy.ErrRegistryDisabled),
		errors.Is(err, executor.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
