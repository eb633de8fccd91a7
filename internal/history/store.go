package history

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrChatNotFound = errors.New("chat not found")

// Store keeps every chat in memory and rewrites the whole backing file after
// each mutation. A single lock serializes all mutations together with their
// persistence, so concurrent writers never lose updates.
type Store struct {
	path string
	log  *zap.Logger
	now  func() time.Time

	mu     sync.RWMutex
	chats  map[string]*Chat
	lastID int64
}

type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the store from path. A missing or malformed file yields an
// empty store; only failing to prepare the directory is an error.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure history dir")
	}
	s := &Store{
		path:  path,
		log:   logger,
		now:   time.Now,
		chats: make(map[string]*Chat),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.log.Warn("history file unreadable, starting empty", zap.String("path", s.path), zap.Error(err))
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	chats := make(map[string]*Chat)
	if err := json.Unmarshal(data, &chats); err != nil {
		s.log.Warn("history file corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return
	}
	if chats == nil {
		// a literal null decodes to a nil map
		chats = make(map[string]*Chat)
	}
	for id, c := range chats {
		if c == nil {
			delete(chats, id)
			continue
		}
		c.ID = id
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > s.lastID {
			s.lastID = n
		}
	}
	s.chats = chats
	s.log.Info("history loaded", zap.String("path", s.path), zap.Int("chats", len(chats)))
}

// nextID returns the current Unix time in milliseconds, bumped past the last
// issued id so that ids stay unique and increasing.
func (s *Store) nextID(now time.Time) string {
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	for {
		if _, taken := s.chats[strconv.FormatInt(id, 10)]; !taken {
			break
		}
		id++
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

func (s *Store) CreateChat(title string) (Chat, error) {
	if title == "" {
		title = DefaultTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := &Chat{
		ID:        s.nextID(now),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chats[c.ID] = c
	return c.clone(), s.persistLocked()
}

func (s *Store) GetChat(id string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, false
	}
	return c.clone(), true
}

// ListChats returns every chat, most recently updated first.
func (s *Store) ListChats() []Chat {
	s.mu.RLock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return lessID(out[j].ID, out[i].ID)
	})
	return out
}

// AppendMessage adds a message to the chat and persists the store. The
// first user message of a chat that still has the default title becomes
// its title. Unknown ids return ErrChatNotFound.
func (s *Store) AppendMessage(id, role, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[id]
	if !ok {
		return Message{}, ErrChatNotFound
	}

	now := s.now()
	msg := Message{Role: role, Content: content, Timestamp: now}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = now

	if c.Title == DefaultTitle && role == RoleUser && len(c.Messages) == 1 {
		c.Title = deriveTitle(content)
	}

	return msg, s.persistLocked()
}

// DeleteChat removes the chat and reports whether it existed.
func (s *Store) DeleteChat(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return false, nil
	}
	delete(s.chats, id)
	return true, s.persistLocked()
}

func (s *Store) GetMessages(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return []Message{}
	}
	return append([]Message{}, c.Messages...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}

func (s *Store) Path() string { return s.path }

// Snapshot writes the current state of the store to path.
func (s *Store) Snapshot(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "ensure snapshot dir")
	}
	return writeFileAtomic(path, s.chats)
}

func (s *Store) persistLocked() error {
	if err := writeFileAtomic(s.path, s.chats); err != nil {
		s.log.Error("failed to persist history", zap.String("path", s.path), zap.Error(err))
		return err
	}
	return nil
}

// writeFileAtomic replaces path with the JSON encoding of chats via a
// temporary file in the same directory, so readers never see a torn file.
func writeFileAtomic(path string, chats map[string]*Chat) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(chats); err != nil {
		return errors.Wrap(err, "encode history")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "replace history file")
	}
	return nil
}

// lessID orders numeric ids numerically and falls back to string order.
func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
