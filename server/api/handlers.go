// Package api implements the REST handlers for tasks and generation.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/GoCodeAlone/taskdeck/generate"
	"github.com/GoCodeAlone/taskdeck/internal/apperr"
	"github.com/GoCodeAlone/taskdeck/server/sse"
	"github.com/GoCodeAlone/taskdeck/task"
)

// StatusTrailer is the trailer sent at the end of a streamed generation.
// Its value is "complete" on a clean end and "error" when the stream was cut
// short by an upstream failure.
const StatusTrailer = "X-Generation-Status"

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks   *task.Service
	Gen     *generate.Service
	Limiter *RateLimiter // nil disables rate limiting
	Logger  *slog.Logger
	Version string

	// StartTime is reported as uptime; zero omits it.
	StartTime time.Time
}

// RegisterRoutes registers the authenticated API routes on mux. The caller
// is responsible for placing the auth middleware in front of mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/tasks", gzhttp.GzipHandler(http.HandlerFunc(h.listTasks)))
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.Handle("GET /api/tasks/{id}", gzhttp.GzipHandler(http.HandlerFunc(h.getTask)))
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("GET /api/tasks/watch", h.watchTasks)

	mux.Handle("POST /api/generate", h.Limiter.Middleware(http.HandlerFunc(h.generate)))
	mux.Handle("POST /api/generate-object", h.Limiter.Middleware(http.HandlerFunc(h.generateObject)))

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
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

// genericUpstreamMessage is what clients see for upstream failures; the
// detail goes to the log.
const genericUpstreamMessage = "Generation failed, please try again"

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// fail maps a service error to its status and error body.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	msg := apperr.Message(err)
	switch kind {
	case apperr.KindUpstreamFailure, apperr.KindSchemaValidationFailure:
		h.logger().Error("generation request failed",
			slog.String("path", r.URL.Path), slog.String("kind", string(kind)), slog.Any("err", err))
		msg = genericUpstreamMessage
	case apperr.KindInvalidArgument, apperr.KindUnauthenticated, apperr.KindForbidden,
		apperr.KindNotFound, apperr.KindRateLimited:
	default:
		h.logger().Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		msg = "internal server error"
	}
	writeError(w, status, msg)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.New(apperr.KindInvalidArgument, "api.decode", "invalid request body: %v", err)
	}
	return nil
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.ListMine(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var in task.CreateInput
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.Tasks.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// getTask answers an unknown id with 200 and a JSON null.
func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// taskPatch decodes only the patchable fields; anything else in the body,
// such as userId or createdAt, is ignored.
type taskPatch struct {
	Name        *string `json:"name"`
	Text        *string `json:"text"`
	IsCompleted *bool   `json:"isCompleted"`
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	var p taskPatch
	if err := decode(r, &p); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.Tasks.Update(r.Context(), r.PathValue("id"), task.Patch{
		Name:        p.Name,
		Text:        p.Text,
		IsCompleted: p.IsCompleted,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Remove(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// watchTasks pushes the caller's full task list as an SSE data frame on
// connect and after every change.
func (h *Handlers) watchTasks(w http.ResponseWriter, r *http.Request) {
	updates, err := h.Tasks.Watch(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	stream, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for tasks := range updates {
		if err := stream.Send(tasks); err != nil {
			h.logger().Debug("watch client gone", slog.Any("err", err))
			return
		}
	}
}

// --- Generation handlers ---

func (h *Handlers) generate(w http.ResponseWriter, r *http.Request) {
	var req generate.Request
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if v := r.URL.Query().Get("stream"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			req.Stream = b
		}
	}
	if req.Stream {
		h.streamGenerate(w, r, req)
		return
	}
	res, err := h.Gen.Generate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// streamGenerate relays fragments as a chunked text/plain body. Headers are
// only committed with the first fragment so that a failure before any
// output still gets a JSON error with a proper status.
func (h *Handlers) streamGenerate(w http.ResponseWriter, r *http.Request, req generate.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	begin := func() {
		started = true
		w.Header().Set("Trailer", StatusTrailer)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
	}
	sink := generate.SinkFunc(func(fragment string) error {
		if !started {
			begin()
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	_, err := h.Gen.Stream(r.Context(), req, sink)
	if err != nil && !started {
		h.fail(w, r, err)
		return
	}
	if !started {
		begin()
	}
	status := "complete"
	if err != nil {
		status = "error"
		if !errors.Is(err, apperr.UpstreamFailure) {
			h.logger().Debug("generation stream stopped", slog.Any("err", err))
		}
	}
	w.Header().Set(StatusTrailer, status)
}

func (h *Handlers) generateObject(w http.ResponseWriter, r *http.Request) {
	var req generate.Request
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	obj, err := h.Gen.Recipe(r.Context(), req.Prompt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": obj})
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if h.Gen != nil {
		resp["provider"] = h.Gen.Provider()
		resp["usage"] = h.Gen.Usage()
	}
	if !h.StartTime.IsZero() {
		resp["uptime"] = time.Since(h.StartTime).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
