// Package server exposes a controller over HTTP: a browser chat UI, a JSON thread API and a
// server-sent-events stream per turn.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/cors"

	"github.com/darkostanimirovic/chatgraph"
)

const (
	maxRequestBytes  = 64 << 10
	maxMessageLength = 8000
	defaultKeepAlive = 15 * time.Second
)

//go:embed ui
var uiFS embed.FS

// Config configures the server.
type Config struct {
	Controller  *chatgraph.Controller
	Logger      *slog.Logger
	CORSOrigins []string
	// KeepAlive is the SSE comment interval. Zero uses 15s.
	KeepAlive time.Duration
}

// Server serves the chat UI and API.
type Server struct {
	ctrl      *chatgraph.Controller
	logger    *slog.Logger
	keepAlive time.Duration
	render    *renderer
	handler   http.Handler
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Controller.Logger()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	s := &Server{
		ctrl:      cfg.Controller,
		logger:    logger,
		keepAlive: keepAlive,
		render:    newRenderer(),
	}

	mux := http.NewServeMux()
	ui, _ := fs.Sub(uiFS, "ui")
	mux.Handle("GET /", http.FileServerFS(ui))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("POST /api/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("GET /api/threads/{id}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("POST /api/threads/{id}/messages", s.handleSendMessage)

	var handler http.Handler = mux
	handler = recovery(logger)(handler)
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"},
		}).Handler(handler)
	}
	s.handler = handler
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout stays 0 so SSE streams can outlive it.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type threadSummary struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.ctrl.Store().ListThreadsWithTitles(r.Context())
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	out := make([]threadSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadSummary{ThreadID: t.ThreadID, Title: t.Title})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"thread_id": chatgraph.NewThreadID()})
}

type threadView struct {
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	CheckpointID string    `json:"checkpoint_id"`
	Messages     []Message `json:"messages"`
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cp, err := s.ctrl.Store().Latest(r.Context(), id)
	if errors.Is(err, chatgraph.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("load thread failed", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	writeJSON(w, http.StatusOK, threadView{
		ThreadID:     id,
		Title:        cp.State.Metadata.Title,
		CheckpointID: cp.ID,
		Messages:     s.render.renderable(cp.State.Messages),
	})
}

type checkpointView struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	Messages  int       `json:"messages"`
	Title     string    `json:"title,omitempty"`
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.ctrl.Store().History(r.Context(), id)
	if errors.Is(err, chatgraph.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("load history failed", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	out := make([]checkpointView, 0, len(history))
	for _, cp := range history {
		out = append(out, checkpointView{
			ID:        cp.ID,
			Sequence:  cp.Sequence,
			CreatedAt: cp.CreatedAt,
			Messages:  len(cp.State.Messages),
			Title:     cp.State.Metadata.Title,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sendRequest struct {
	Message string `json:"message"`
}

func (r sendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Message, validation.Required, validation.Length(1, maxMessageLength)),
	)
}

// handleSendMessage runs one turn and streams its events. A client disconnect cancels the turn
// before commit.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Reading to EOF lets net/http notice a client disconnect and cancel r.Context().
	_, _ = io.Copy(io.Discard, body)
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := s.ctrl.Run(ctx, id, req.Message)
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	var writeErr error
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if writeErr != nil {
				continue
			}
			if writeErr = sse.WriteEvent(string(event.Type), s.eventPayload(event)); writeErr != nil {
				s.logger.Warn("client disconnected", "thread_id", id, "error", writeErr)
				cancel()
			}
		case <-ticker.C:
			if writeErr != nil {
				continue
			}
			if writeErr = sse.WriteKeepAlive(); writeErr != nil {
				s.logger.Warn("keep-alive write failed, stopping", "thread_id", id, "error", writeErr)
				cancel()
			}
		}
	}
}

// eventPayload adds rendered HTML to the events the UI displays as markdown.
func (s *Server) eventPayload(event chatgraph.Event) chatgraph.Event {
	if event.Type != chatgraph.EventTypeFinalOutput {
		return event
	}
	data := make(map[string]any, len(event.Data)+1)
	for k, v := range event.Data {
		data[k] = v
	}
	if response, ok := data["response"].(string); ok {
		data["html"] = s.render.HTML(response)
	}
	event.Data = data
	return event
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// recovery turns handler panics into 500 responses.
func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"path", r.URL.Path,
						"method", r.Method,
						"stack", string(debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
