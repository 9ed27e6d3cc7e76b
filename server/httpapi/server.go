// Package httpapi exposes the boundary API over HTTP for the presentation
// layer: REST endpoints for mailboxes, messages, attachments and settings,
// a server-sent-events stream for live notifications, and the Prometheus
// metrics endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsarmail/pulsar/api"
	"github.com/pulsarmail/pulsar/logger"
)

// Server serves the boundary API over a loopback HTTP listener.
type Server struct {
	app    *api.API
	server *http.Server
}

// New builds the HTTP server with all routes registered.
func New(addr string, app *api.API) *Server {
	s := &Server{app: app}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/mailboxes", s.handleListMailboxes).Methods(http.MethodGet)
	v1.HandleFunc("/mailboxes/{id:[0-9]+}/messages", s.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id:[0-9]+}", s.handleGetMessage).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id:[0-9]+}/read", s.handleMarkRead).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id:[0-9]+}", s.handleDeleteMessage).Methods(http.MethodDelete)
	v1.HandleFunc("/messages/delete", s.handleDeleteMessages).Methods(http.MethodPost)
	v1.HandleFunc("/unread", s.handleUnread).Methods(http.MethodGet)
	v1.HandleFunc("/attachments/{id:[0-9]+}", s.handleDownloadAttachment).Methods(http.MethodGet)
	v1.HandleFunc("/attachments/{id:[0-9]+}/open", s.handleOpenAttachment).Methods(http.MethodPost)
	v1.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	v1.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)
	v1.HandleFunc("/port", s.handleGetPort).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the SSE stream stays open indefinitely
	}
	return s
}

// Handler returns the routed handler, for serving through a custom listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving. It blocks until the listener fails or the server is
// stopped; http.ErrServerClosed is filtered out as the normal shutdown path.
func (s *Server) Start() error {
	logger.Info("HTTP API listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP API server error: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping HTTP API")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := s.app.ListMailboxes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mailboxes)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	messages, err := s.app.ListMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	detail, err := s.app.GetMessage(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.app.MarkRead(r.Context(), pathID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteMessage(r.Context(), pathID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("ids must not be empty"))
		return
	}
	if err := s.app.DeleteMessages(r.Context(), req.IDs); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	total, err := s.app.GetTotalUnreadCount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"totalUnread": total})
}

func (s *Server) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	att, err := s.app.GetAttachment(r.Context(), pathID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	contentType := "application/octet-stream"
	if att.ContentType != nil && *att.ContentType != "" {
		contentType = *att.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(att.Content)))
	w.Write(att.Content)
}

func (s *Server) handleOpenAttachment(w http.ResponseWriter, r *http.Request) {
	if err := s.app.OpenAttachment(r.Context(), pathID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.app.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]string
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if len(settings) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("no settings given"))
		return
	}
	if err := s.app.UpdateSettings(r.Context(), settings); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPort(w http.ResponseWriter, r *http.Request) {
	port, err := s.app.GetCurrentPort(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"port": port})
}

// handleEvents streams notification events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	events, cancel := s.app.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if api.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

// pathID extracts the numeric {id} path variable. The route pattern already
// guarantees it parses.
func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
