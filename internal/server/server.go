// Package server exposes the relay over HTTP: the streaming chat websocket,
// a small chat management API, file uploads and the MCP endpoint.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-relay/internal/history"
	"chat-relay/internal/session"
	"chat-relay/internal/upload"
)

const (
	ChatIDHeader    = "X-Chat-ID"
	shutdownTimeout = 5 * time.Second

	// room for multipart headers and boundaries on top of the file itself
	multipartOverhead = 1 << 20
)

type Options struct {
	Addr           string
	AllowedOrigins []string
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

type Server struct {
	opts     Options
	store    *history.Store
	uploads  *upload.Store
	deps     session.Deps
	log      *zap.Logger
	upgrader websocket.Upgrader
	started  time.Time

	srv      *http.Server
	sessions sync.WaitGroup
}

// New wires a server. deps.Store must be store; the registry in deps is the
// one the server closes on shutdown.
func New(opts Options, store *history.Store, uploads *upload.Store, deps session.Deps, logger *zap.Logger) *Server {
	s := &Server{
		opts:    opts,
		store:   store,
		uploads: uploads,
		deps:    deps,
		log:     logger,
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /ws/chat", s.handleChatSocket)
	mux.HandleFunc("GET /ws/chat/{id}", s.handleChatSocket)
	if s.opts.MCP != nil {
		mux.Handle("/mcp", s.opts.MCP)
	}

	return s.cors(mux)
}

// Run serves until ctx is cancelled, then closes live sessions and waits for
// them to finish.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.opts.Addr))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", zap.Error(err))
	}
	s.deps.Registry.CloseAll()
	s.sessions.Wait()
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	chat, created, err := session.Resolve(s.store, r.PathValue("id"))
	if err != nil {
		if chat.ID == "" {
			s.log.Error("resolving chat", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		s.log.Warn("chat created but not persisted", zap.String("chat_id", chat.ID), zap.Error(err))
	}

	header := http.Header{}
	header.Set(ChatIDHeader, chat.ID)
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the response.
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.log.Info("websocket connected",
		zap.String("chat_id", chat.ID),
		zap.Bool("new_chat", created),
		zap.String("remote", r.RemoteAddr),
	)

	sess := session.New(chat.ID, newWSConn(conn), s.deps)
	if err := sess.Run(r.Context()); err != nil {
		s.log.Info("session ended", zap.String("session", sess.ID()), zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "chat-relay",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).String(),
		"chats":     s.store.Len(),
		"sessions":  s.deps.Registry.Len(),
	})
}

type chatSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.store.ListChats()
	out := make([]chatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatSummary{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: len(c.Messages),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON request: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	chat, err := s.store.CreateChat(req.Title)
	if err != nil {
		s.log.Error("create chat", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.store.GetChat(r.PathValue("id"))
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// handleDeleteChat removes the chat and disconnects any session attached to it.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.store.DeleteChat(id)
	if !deleted {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Warn("chat deleted but not persisted", zap.String("chat_id", id), zap.Error(err))
	}
	closed := s.deps.Registry.CloseChat(id)
	s.log.Info("chat deleted", zap.String("chat_id", id), zap.Int("sessions_closed", closed))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes()+multipartOverhead)
	file, hdr, err := r.FormFile("file")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, upload.ErrTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, "Missing file field: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	info, err := s.uploads.Save(hdr.Filename, file)
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, upload.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("saving upload", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
