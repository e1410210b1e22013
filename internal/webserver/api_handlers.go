package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/iteratedev/iterate/internal/buildinfo"
	"github.com/iteratedev/iterate/internal/daemon"
	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/store"
	"github.com/iteratedev/iterate/internal/worktree"
)

const requestBodyLimit = 1 << 20

// reservedNames are path prefixes the daemon serves itself, so an iteration
// with one of these names could never be reached through the proxy.
var reservedNames = map[string]bool{
	"api":     true,
	"ws":      true,
	"metrics": true,
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("webserver", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeErr maps a domain error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidName),
		errors.Is(err, store.ErrInvalidStatus),
		errors.Is(err, worktree.ErrUnknownStrategy),
		errors.Is(err, daemon.ErrInvalidCount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrIterationExists),
		errors.Is(err, worktree.ErrDirtyBase):
		return http.StatusConflict
	case errors.Is(err, daemon.ErrAtCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, daemon.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, daemon.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Iterations ---

type createIterationRequest struct {
	Name       string `json:"name"`
	BaseBranch string `json:"baseBranch"`
}

type pickRequest struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
}

type logsResponse struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

func (srv *Server) handleListIterations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.daemon.Store().Iterations())
}

// handleCreateIteration blocks until the iteration is ready or has failed.
func (srv *Server) handleCreateIteration(w http.ResponseWriter, r *http.Request) {
	var req createIterationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if reservedNames[strings.ToLower(name)] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("iteration name %q is reserved", name))
		return
	}

	it, err := srv.daemon.CreateIteration(r.Context(), name, strings.TrimSpace(req.BaseBranch))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (srv *Server) handleGetIteration(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	it, ok := srv.daemon.Store().Iteration(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("iteration %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (srv *Server) handleIterationLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lines, err := srv.daemon.Logs(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Name: name, Lines: lines})
}

func (srv *Server) handleDeleteIteration(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := srv.daemon.RemoveIteration(r.Context(), name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": name})
}

func (srv *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	var req pickRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	result, err := srv.daemon.Pick(r.Context(), name, req.Strategy)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Feedback ---

var annotationActions = map[string]store.FeedbackStatus{
	"acknowledge": store.FeedbackAcknowledged,
	"resolve":     store.FeedbackResolved,
	"dismiss":     store.FeedbackDismissed,
}

func (srv *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	s := srv.daemon.Store()
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		writeJSON(w, http.StatusOK, s.AnnotationsByStatus(store.FeedbackStatus(status)))
		return
	}
	writeJSON(w, http.StatusOK, s.Annotations())
}

func (srv *Server) handlePendingAnnotations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.daemon.Store().AnnotationsByStatus(store.FeedbackPending))
}

func (srv *Server) handleAnnotationAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	status, ok := annotationActions[action]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q (want acknowledge, resolve or dismiss)", action))
		return
	}
	a, err := srv.daemon.UpdateAnnotation(r.PathValue("id"), status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (srv *Server) handleListDomChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.daemon.Store().DomChanges())
}

func (srv *Server) handleClearDomChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": srv.daemon.ClearDomChanges()})
}

// --- Commands ---

type commandRequest struct {
	Command string `json:"command"`
	Prompt  string `json:"prompt"`
	Count   int    `json:"count"`
}

func (srv *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	cmd, err := srv.daemon.RunCommand(req.Command, req.Prompt, req.Count)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (srv *Server) handleLatestCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := srv.daemon.Store().LatestCommand()
	if !ok {
		writeError(w, http.StatusNotFound, "no command has been run")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (srv *Server) handleCommandByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cmd, ok := srv.daemon.Store().Command(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("command %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// --- Daemon ---

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Iterations int    `json:"iterations"`
	Clients    int    `json:"clients"`
}

func (srv *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.daemon.Store().Snapshot())
}

func (srv *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.daemon.Config())
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	select {
	case <-srv.daemon.Done():
		status = "shutting_down"
	default:
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Version:    buildinfo.Current().Version,
		Iterations: srv.daemon.Store().Count(),
		Clients:    srv.daemon.Hub().Clients(),
	})
}

// handleShutdown answers first; the daemon's Run then stops every child and
// the serving loop closes the listener.
func (srv *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	srv.daemon.RequestShutdown()
}
