// Package session drives one client connection: every inbound frame becomes
// a user turn that is persisted, sent to the model, streamed back line by
// line and closed with the relay sentinel once the answer is stored.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-relay/internal/history"
	"chat-relay/internal/llm"
	"chat-relay/internal/prompt"
	"chat-relay/internal/relay"
	"chat-relay/internal/storage"
)

// Conn is a duplex text channel. ReadText blocks for the next complete
// client frame and returns io.EOF once the peer has closed normally.
type Conn interface {
	ReadText() (string, error)
	WriteText(frame string) error
	Close() error
}

// ChatStore is the subset of the history store a session uses.
type ChatStore interface {
	GetChat(id string) (history.Chat, bool)
	CreateChat(title string) (history.Chat, error)
	AppendMessage(id, role, content string) (history.Message, error)
	GetMessages(id string) []history.Message
}

type State int

const (
	StateInit State = iota
	StateReady
	StateReceiving
	StateProcessing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateReceiving:
		return "receiving"
	case StateProcessing:
		return "processing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Deps are the collaborators shared by all sessions of a server.
type Deps struct {
	Store    ChatStore
	Client   llm.Client
	Relay    *relay.Relay
	Registry *Registry
	// Recorder is optional.
	Recorder storage.Recorder
	Logger   *zap.Logger
}

type Session struct {
	id        string
	chatID    string
	conn      Conn
	deps      Deps
	log       *zap.Logger
	startedAt time.Time

	mu    sync.RWMutex
	state State

	closeOnce sync.Once
}

// Resolve returns the chat a new connection should attach to: the requested
// one when it exists, otherwise a freshly created chat whose id the caller
// must adopt. created reports which case applied.
func Resolve(store ChatStore, requestedID string) (chat history.Chat, created bool, err error) {
	if requestedID != "" {
		if c, ok := store.GetChat(requestedID); ok {
			return c, false, nil
		}
	}
	c, err := store.CreateChat("")
	if err != nil {
		return c, true, errors.Wrap(err, "creating chat for connection")
	}
	return c, true, nil
}

func New(chatID string, conn Conn, deps Deps) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		chatID:    chatID,
		conn:      conn,
		deps:      deps,
		log:       deps.Logger.With(zap.String("session", id), zap.String("chat_id", chatID)),
		startedAt: time.Now(),
		state:     StateInit,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) ChatID() string       { return s.chatID }
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close closes the underlying connection; a blocked Run returns shortly after.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("closing connection", zap.Error(err))
		}
	})
}

// Run serves the connection until the client goes away, a transport error
// occurs or ctx is cancelled. A clean client close returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateReady)
	s.deps.Registry.Add(s)
	s.log.Info("session ready")
	defer func() {
		s.deps.Registry.Remove(s)
		s.setState(StateTerminated)
		s.Close()
		s.log.Info("session terminated", zap.Duration("duration", time.Since(s.startedAt)))
	}()

	for {
		s.setState(StateReceiving)
		raw, err := s.conn.ReadText()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "reading client frame")
		}

		s.setState(StateProcessing)
		if err := s.turn(ctx, raw); err != nil {
			return err
		}
	}
}

// turn handles one user message. Only failures that end the session are
// returned; inference problems are logged and the turn still closes with the
// sentinel.
func (s *Session) turn(ctx context.Context, raw string) error {
	if _, err := s.deps.Store.AppendMessage(s.chatID, history.RoleUser, raw); err != nil {
		if errors.Is(err, history.ErrChatNotFound) {
			s.log.Warn("chat was deleted while connected")
			_ = s.deps.Relay.Finish(s.conn)
			return errors.Wrap(err, "appending user message")
		}
		// The message is kept in memory and reaches disk with the next write.
		s.log.Error("persisting user message", zap.Error(err))
	}

	req := prompt.Assemble(s.deps.Store.GetMessages(s.chatID), raw)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	stream, err := s.deps.Client.Stream(turnCtx, req)
	if err != nil {
		s.log.Error("inference failed to start", zap.Error(err))
		return s.finish()
	}

	full, err := s.deps.Relay.Pipe(turnCtx, stream, s.conn)
	switch {
	case err == nil:
		s.log.Info("turn completed", zap.Int("response_bytes", len(full)), zap.Duration("took", time.Since(start)))
		s.persistAssistant(raw, full, false)
		return s.finish()
	case errors.Is(err, relay.ErrInference):
		s.log.Error("inference failed mid-stream", zap.Error(err), zap.Int("response_bytes", len(full)))
		s.persistAssistant(raw, full, true)
		return s.finish()
	default:
		// Client is gone or the server is shutting down: keep what was generated.
		s.log.Warn("turn interrupted", zap.Error(err), zap.Int("response_bytes", len(full)))
		s.persistAssistant(raw, full, true)
		return errors.Wrap(err, "streaming response")
	}
}

func (s *Session) finish() error {
	return s.deps.Relay.Finish(s.conn)
}

// persistAssistant stores the response and records the turn. Empty partial
// responses are dropped.
func (s *Session) persistAssistant(userMessage, content string, partial bool) {
	if partial && content == "" {
		return
	}
	if _, err := s.deps.Store.AppendMessage(s.chatID, history.RoleAssistant, content); err != nil {
		s.log.Error("persisting assistant message", zap.Error(err), zap.Bool("partial", partial))
	}
	if s.deps.Recorder == nil {
		return
	}
	ev := storage.Event{
		Timestamp:         time.Now().UTC(),
		ChatID:            s.chatID,
		UserMessage:       userMessage,
		AssistantResponse: content,
		Partial:           partial,
	}
	if err := s.deps.Recorder.AppendInteraction(ev); err != nil {
		s.log.Warn("recording interaction", zap.Error(err))
	}
}
