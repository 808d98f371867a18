package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/lifecycle"
	"github.com/GoCodeAlone/tasktrack/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Service *lifecycle.Service
	Bus     comms.Bus
	Logger  *slog.Logger
	Version string
	StartAt int64 // unix timestamp of server start
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/resolution", h.getResolution)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		if b.Changes == nil {
			return nil, task.Validationf("changes are required")
		}
		return h.Service.EditTask(ctx, a, id, *b.Changes)
	}))
	mux.HandleFunc("DELETE /api/tasks/{id}", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.DeleteTask(ctx, a, id, b.Reason)
	}))

	// State machine
	mux.HandleFunc("POST /api/tasks/{id}/accept", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, _ actionBody) (*task.Task, error) {
		return h.Service.Accept(ctx, a, id)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/start", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, _ actionBody) (*task.Task, error) {
		return h.Service.Start(ctx, a, id)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.Complete(ctx, a, id, lifecycle.Submission{Link: b.Link, Files: b.Files, Note: b.Note})
	}))
	mux.HandleFunc("POST /api/tasks/{id}/verify", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.Verify(ctx, a, id, b.Note)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/fail", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.Fail(ctx, a, id, b.Reason)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/reopen", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.Reopen(ctx, a, id, b.Reason)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/reopen/accept", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, _ actionBody) (*task.Task, error) {
		return h.Service.AcceptReopen(ctx, a, id)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/reopen/decline", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.DeclineReopen(ctx, a, id, b.Reason)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/reopen/decline/accept", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.AcceptReopenDecline(ctx, a, id, b.Note)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/decline", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.DeclineAssignment(ctx, a, id, b.Reason)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/withdraw", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.Withdraw(ctx, a, id, b.Reason, b.Confirmed)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/reassign", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.Reassign(ctx, a, id, b.Assignee)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/archive", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, _ actionBody) (*task.Task, error) {
		return h.Service.Archive(ctx, a, id)
	}))

	// Modification requests
	mux.HandleFunc("POST /api/tasks/{id}/modifications", h.requestModification)
	mux.HandleFunc("POST /api/tasks/{id}/modifications/{rid}/approve", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.ApproveModification(ctx, a, id, b.requestID, b.Note)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/modifications/{rid}/reject", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.RejectModification(ctx, a, id, b.requestID, b.Note)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/modifications/{rid}/counter", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		if b.Changes == nil {
			return nil, task.Validationf("changes are required")
		}
		return h.Service.CounterProposeModification(ctx, a, id, b.requestID, *b.Changes, b.Note)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/modifications/{rid}/accept-counter", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.AcceptCounterProposal(ctx, a, id, b.requestID)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/modifications/{rid}/execute", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.ExecuteModification(ctx, a, id, b.requestID)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/modifications/{rid}/messages", h.postMessage)

	// Extensions
	mux.HandleFunc("POST /api/tasks/{id}/extensions", h.requestExtension)
	mux.HandleFunc("POST /api/tasks/{id}/extensions/{rid}/approve", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.ApproveExtension(ctx, a, id, b.requestID, b.Note)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/extensions/{rid}/partial", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		if b.DueDate == nil {
			return nil, task.Validationf("due_date is required")
		}
		return h.Service.PartiallyApproveExtension(ctx, a, id, b.requestID, *b.DueDate, b.Note)
	}))
	mux.HandleFunc("POST /api/tasks/{id}/extensions/{rid}/reject", h.taskAction(func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error) {
		return h.Service.RejectExtension(ctx, a, id, b.requestID, b.Note)
	}))

	mux.HandleFunc("GET /api/notifications", h.listNotifications)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// actionBody is the union of the small payloads the action routes accept.
type actionBody struct {
	Reason    string        `json:"reason,omitempty"`
	Note      string        `json:"note,omitempty"`
	Confirmed bool          `json:"confirmed,omitempty"`
	Assignee  string        `json:"assignee,omitempty"`
	Link      string        `json:"link,omitempty"`
	Files     []string      `json:"files,omitempty"`
	Text      string        `json:"text,omitempty"`
	DueDate   *time.Time    `json:"due_date,omitempty"`
	Changes   *task.Changes `json:"changes,omitempty"`

	requestID string
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StatusFor maps a lifecycle error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrExpired):
		return http.StatusGone
	case errors.Is(err, task.ErrStateConflict),
		errors.Is(err, task.ErrAlreadyProcessed),
		errors.Is(err, task.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func requireActor(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, bool) {
	a, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
	}
	return a, ok
}

type taskFunc func(ctx context.Context, a lifecycle.Actor, id string, b actionBody) (*task.Task, error)

// taskAction adapts a lifecycle operation into a handler returning the updated task.
func (h *Handlers) taskAction(fn taskFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := requireActor(w, r)
		if !ok {
			return
		}
		var b actionBody
		if err := decodeBody(r, &b); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		b.requestID = r.PathValue("rid")
		t, err := fn(r.Context(), a, r.PathValue("id"), b)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	a, ok := requireActor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := task.Filter{}

	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}
	if v := q.Get("assigned_to"); v != "" {
		filter.AssignedTo = v
	}
	if v := q.Get("created_by"); v != "" {
		filter.CreatedBy = v
	}
	if v := q.Get("include_archived"); v != "" {
		filter.IncludeArchived, _ = strconv.ParseBool(v)
	}
	if v := q.Get("has_pending_request"); v != "" {
		filter.HasPendingRequest, _ = strconv.ParseBool(v)
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	// Employees only ever see their own tasks.
	if a.Role != task.RoleAdmin {
		filter.AssignedTo = a.ID
	}

	tasks, err := h.Service.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	a, ok := requireActor(w, r)
	if !ok {
		return
	}
	var in lifecycle.NewTask
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Service.CreateTask(r.Context(), a, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// visibleTask loads a task the actor is allowed to read.
func (h *Handlers) visibleTask(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	a, ok := requireActor(w, r)
	if !ok {
		return nil, false
	}
	t, err := h.Service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, false
	}
	if a.Role != task.RoleAdmin && t.AssignedTo != a.ID {
		writeError(w, http.StatusForbidden, "task is assigned to someone else")
		return nil, false
	}
	return t, true
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	if t, ok := h.visibleTask(w, r); ok {
		writeJSON(w, http.StatusOK, t)
	}
}

func (h *Handlers) getResolution(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.visibleTask(w, r); !ok {
		return
	}
	res, err := h.Service.Resolution(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) requestModification(w http.ResponseWriter, r *http.Request) {
	a, ok := requireActor(w, r)
	if !ok {
		return
	}
	var in lifecycle.ModificationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req, err := h.Service.RequestModification(r.Context(), a, r.PathValue("id"), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	a, ok := requireActor(w, r)
	if !ok {
		return
	}
	var b actionBody
	if err := decodeBody(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	msg, err := h.Service.PostModificationMessage(r.Context(), a, r.PathValue("id"), r.PathValue("rid"), b.Text)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) requestExtension(w http.ResponseWriter, r *http.Request) {
	a, ok := requireActor(w, r)
	if !ok {
		return
	}
	var b actionBody
	if err := decodeBody(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if b.DueDate == nil {
		writeError(w, http.StatusBadRequest, "due_date is required")
		return
	}
	ext, err := h.Service.RequestExtension(r.Context(), a, r.PathValue("id"), *b.DueDate, b.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

// --- Notification handlers ---

func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	a, ok := requireActor(w, r)
	if !ok {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	if h.Bus == nil {
		writeJSON(w, http.StatusOK, []*comms.Notification{})
		return
	}
	notes, err := h.Bus.History(a.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notes == nil {
		notes = []*comms.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if h.StartAt > 0 {
		resp["uptime_seconds"] = time.Now().Unix() - h.StartAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
