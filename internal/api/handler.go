// Package api serves the engine to the chat-serving layer over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/assembler"
	"github.com/rcliao/character-memory/internal/engine"
	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/store"
)

const maxBody = 1 << 20

// Handler exposes the engine's contracts.
type Handler struct {
	engine *engine.Engine
	log    logrus.FieldLogger
}

// NewHandler creates a handler.
func NewHandler(e *engine.Engine, log logrus.FieldLogger) *Handler {
	return &Handler{engine: e, log: log.WithField("component", "api")}
}

// Router builds the HTTP routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(h.requestLog)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/context", h.Assemble)
		r.Post("/exchanges", h.RecordExchange)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/close", h.CloseSession)
		r.Put("/characters/{name}", h.PutCharacter)
		r.Post("/universes/{id}/entities", h.SeedEntities)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Put("/settings", h.PutSettings)
			r.Get("/memories", h.ListMemories)
			r.Delete("/memories", h.PurgeMemories)
			r.Get("/summary", h.Summary)
		})
	})
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalid), errors.Is(err, assembler.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, assembler.ErrNoStores):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	Error(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": chiMiddleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Store().DB().PingContext(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Assemble returns the context bundle for a turn.
func (h *Handler) Assemble(w http.ResponseWriter, r *http.Request) {
	var req assembler.Request
	if !decode(w, r, &req) {
		return
	}
	b, err := h.engine.Assemble(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, b)
}

// RecordExchange queues a finished turn for background processing.
func (h *Handler) RecordExchange(w http.ResponseWriter, r *http.Request) {
	var in engine.ExchangeInput
	if !decode(w, r, &in) {
		return
	}
	rec, err := h.engine.RecordExchange(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, rec)
}

// GetSession returns a session with its messages.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// CloseSession starts closing a session.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.CloseSession(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "closing"})
}

// PutCharacter registers a persona.
func (h *Handler) PutCharacter(w http.ResponseWriter, r *http.Request) {
	var c model.Character
	if !decode(w, r, &c) {
		return
	}
	c.Name = chi.URLParam(r, "name")
	out, err := h.engine.PutCharacter(r.Context(), c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

type seedRequest struct {
	Entities []model.EntityUpdate `json:"entities"`
}

// SeedEntities stores ingestion entities for a universe.
func (h *Handler) SeedEntities(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.engine.SeedEntities(r.Context(), chi.URLParam(r, "id"), req.Entities)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"seeded": n})
}

// PutSettings stores a user's settings.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var st model.UserSettings
	if !decode(w, r, &st) {
		return
	}
	st.UserID = chi.URLParam(r, "id")
	if err := h.engine.PutSettings(r.Context(), st); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// ListMemories lists a user's memories by importance.
func (h *Handler) ListMemories(w http.ResponseWriter, r *http.Request) {
	q := store.MemoryQuery{
		UserID:        chi.URLParam(r, "id"),
		CharacterName: r.URL.Query().Get("character"),
		Limit:         50,
	}
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := model.ParseKind(k)
		if err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		q.Kind = kind
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	mems, err := h.engine.Store().ListMemories(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if mems == nil {
		mems = []model.Memory{}
	}
	JSON(w, http.StatusOK, mems)
}

// PurgeMemories deletes a user's memories.
func (h *Handler) PurgeMemories(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.PurgeMemories(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("character"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"purged": n})
}

// Summary reports a user's history with one character.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	character := r.URL.Query().Get("character")
	if character == "" {
		Error(w, http.StatusBadRequest, "character query parameter is required")
		return
	}
	cs, err := h.engine.Summary(r.Context(), chi.URLParam(r, "id"), character)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, cs)
}
