package session

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"chat-relay/internal/history"
	"chat-relay/internal/llm"
	"chat-relay/internal/prompt"
	"chat-relay/internal/relay"
	"chat-relay/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errClosed = errors.New("use of closed network connection")

type fakeConn struct {
	in     chan string
	frames chan string
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	out     []string
	failAt  int // 1-based frame that fails; 0 never fails
	onWrite func(frame string)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan string),
		frames: make(chan string, 64),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadText() (string, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return "", io.EOF
		}
		return m, nil
	case <-c.done:
		return "", errClosed
	}
}

func (c *fakeConn) WriteText(frame string) error {
	c.mu.Lock()
	if c.failAt > 0 && len(c.out)+1 == c.failAt {
		c.mu.Unlock()
		return errors.New("broken pipe")
	}
	c.out = append(c.out, frame)
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		hook(frame)
	}
	c.frames <- frame
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// turn sends msg and collects frames up to and including the sentinel.
func (c *fakeConn) turn(t *testing.T, msg string) []string {
	t.Helper()
	c.send(t, msg)
	return c.collect(t)
}

func (c *fakeConn) send(t *testing.T, msg string) {
	t.Helper()
	select {
	case c.in <- msg:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not read the message")
	}
}

func (c *fakeConn) collect(t *testing.T) []string {
	t.Helper()
	var got []string
	for {
		select {
		case f := <-c.frames:
			got = append(got, f)
			if f == relay.Sentinel {
				return got
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no sentinel, frames so far: %q", got)
		}
	}
}

type fakeClient struct {
	mu       sync.Mutex
	requests []llm.Request
	respond  func(req llm.Request) (llm.Stream, error)
}

func (c *fakeClient) Stream(_ context.Context, req llm.Request) (llm.Stream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.respond(req)
}

func (c *fakeClient) lastRequest() llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func replying(fragments ...string) *fakeClient {
	return &fakeClient{respond: func(llm.Request) (llm.Stream, error) {
		return llm.NewSliceStream(fragments...), nil
	}}
}

type memRecorder struct {
	mu     sync.Mutex
	events []storage.Event
}

func (r *memRecorder) AppendInteraction(e storage.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memRecorder) LoadInteractions() ([]storage.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Event(nil), r.events...), nil
}

type harness struct {
	store    *history.Store
	registry *Registry
	recorder *memRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "chat_history.json"), zap.NewNop())
	require.NoError(t, err)
	return &harness{store: store, registry: NewRegistry(), recorder: &memRecorder{}}
}

func (h *harness) deps(client llm.Client) Deps {
	return Deps{
		Store:    h.store,
		Client:   client,
		Relay:    relay.New(0, zap.NewNop()),
		Registry: h.registry,
		Recorder: h.recorder,
		Logger:   zap.NewNop(),
	}
}

func (h *harness) newChat(t *testing.T) string {
	t.Helper()
	c, err := h.store.CreateChat("")
	require.NoError(t, err)
	return c.ID
}

func run(s *Session) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func TestRun_StreamsLinesAndPersistsBeforeSentinel(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	client := replying("Hel", "lo\nWo", "rld")
	conn := newFakeConn()

	var atSentinel []history.Message
	conn.onWrite = func(frame string) {
		if frame == relay.Sentinel {
			atSentinel = h.store.GetMessages(chatID)
		}
	}

	s := New(chatID, conn, h.deps(client))
	errc := run(s)

	frames := conn.turn(t, "hi")
	assert.Equal(t, []string{"Hello\n", "World", relay.Sentinel}, frames)
	require.Len(t, atSentinel, 2)
	assert.Equal(t, history.RoleUser, atSentinel[0].Role)
	assert.Equal(t, "hi", atSentinel[0].Content)
	assert.Equal(t, history.RoleAssistant, atSentinel[1].Role)
	assert.Equal(t, "Hello\nWorld", atSentinel[1].Content)

	req := client.lastRequest()
	assert.Equal(t, "hi", req.Input)
	require.Len(t, req.History, 1)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, req.History[0])

	assert.Equal(t, 1, h.registry.Len())
	close(conn.in)
	require.NoError(t, wait(t, errc))
	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, StateTerminated, s.State())

	events, _ := h.recorder.LoadInteractions()
	require.Len(t, events, 1)
	assert.Equal(t, chatID, events[0].ChatID)
	assert.Equal(t, "Hello\nWorld", events[0].AssistantResponse)
	assert.False(t, events[0].Partial)
}

func TestRun_HistoryGrowsAcrossTurns(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	client := replying("ok")
	conn := newFakeConn()
	errc := run(New(chatID, conn, h.deps(client)))

	conn.turn(t, "first")
	conn.turn(t, "second")

	req := client.lastRequest()
	require.Len(t, req.History, 3)
	assert.Equal(t, "first", req.History[0].Content)
	assert.Equal(t, "ok", req.History[1].Content)
	assert.Equal(t, "second", req.History[2].Content)

	close(conn.in)
	require.NoError(t, wait(t, errc))
	assert.Len(t, h.store.GetMessages(chatID), 4)
}

func TestRun_EmptyResponseStillEndsTurn(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	conn := newFakeConn()
	errc := run(New(chatID, conn, h.deps(replying())))

	assert.Equal(t, []string{relay.Sentinel}, conn.turn(t, "anything?"))

	close(conn.in)
	require.NoError(t, wait(t, errc))
	msgs := h.store.GetMessages(chatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].Content)
}

func TestRun_InferenceStartFailureKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	calls := 0
	client := &fakeClient{respond: func(llm.Request) (llm.Stream, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("model not loaded")
		}
		return llm.NewSliceStream("back"), nil
	}}
	conn := newFakeConn()
	errc := run(New(chatID, conn, h.deps(client)))

	assert.Equal(t, []string{relay.Sentinel}, conn.turn(t, "one"))
	assert.Equal(t, []string{"back", relay.Sentinel}, conn.turn(t, "two"))

	close(conn.in)
	require.NoError(t, wait(t, errc))
	msgs := h.store.GetMessages(chatID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "back", msgs[2].Content)
}

func TestRun_InferenceFailureMidStreamPersistsPartial(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	client := &fakeClient{respond: func(llm.Request) (llm.Stream, error) {
		return llm.NewFailingStream(errors.New("model crashed"), "partial "), nil
	}}
	conn := newFakeConn()
	errc := run(New(chatID, conn, h.deps(client)))

	assert.Equal(t, []string{"partial ", relay.Sentinel}, conn.turn(t, "go"))

	close(conn.in)
	require.NoError(t, wait(t, errc))
	msgs := h.store.GetMessages(chatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial ", msgs[1].Content)

	events, _ := h.recorder.LoadInteractions()
	require.Len(t, events, 1)
	assert.True(t, events[0].Partial)
}

func TestRun_TransportFailureEndsSessionAndKeepsPartial(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	conn := newFakeConn()
	conn.failAt = 2
	s := New(chatID, conn, h.deps(replying("line one\n", "line two\n", "tail")))
	errc := run(s)

	conn.send(t, "stream please")
	err := wait(t, errc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, relay.ErrTransport))

	assert.Equal(t, 0, h.registry.Len())
	msgs := h.store.GetMessages(chatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "line one\nline two\n", msgs[1].Content)

	events, _ := h.recorder.LoadInteractions()
	require.Len(t, events, 1)
	assert.True(t, events[0].Partial)
}

func TestRun_FileAnalysisIsFramedButStoredRaw(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	client := replying("looks fine")
	conn := newFakeConn()
	errc := run(New(chatID, conn, h.deps(client)))

	raw := prompt.FileMarker + " notes.txt\n\nhello"
	conn.turn(t, raw)

	req := client.lastRequest()
	assert.NotEqual(t, raw, req.Input)
	assert.Contains(t, req.Input, raw)
	assert.Equal(t, raw, req.History[len(req.History)-1].Content)

	close(conn.in)
	require.NoError(t, wait(t, errc))
	assert.Equal(t, raw, h.store.GetMessages(chatID)[0].Content)
}

func TestRun_ChatDeletedWhileConnected(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	conn := newFakeConn()
	errc := run(New(chatID, conn, h.deps(replying("unused"))))

	deleted, err := h.store.DeleteChat(chatID)
	require.NoError(t, err)
	require.True(t, deleted)

	assert.Equal(t, []string{relay.Sentinel}, conn.turn(t, "hello?"))
	err = wait(t, errc)
	assert.True(t, errors.Is(err, history.ErrChatNotFound))
	assert.Equal(t, 0, h.store.Len())
}

func TestRun_ConcurrentSessionsOnDifferentChats(t *testing.T) {
	h := newHarness(t)
	chatA, chatB := h.newChat(t), h.newChat(t)
	connA, connB := newFakeConn(), newFakeConn()
	errA := run(New(chatA, connA, h.deps(replying("a"))))
	errB := run(New(chatB, connB, h.deps(replying("b"))))

	connA.send(t, "to a")
	connB.send(t, "to b")
	assert.Equal(t, []string{"a", relay.Sentinel}, connA.collect(t))
	assert.Equal(t, []string{"b", relay.Sentinel}, connB.collect(t))

	close(connA.in)
	close(connB.in)
	require.NoError(t, wait(t, errA))
	require.NoError(t, wait(t, errB))

	assert.Equal(t, []string{"to a", "a"}, contents(h.store.GetMessages(chatA)))
	assert.Equal(t, []string{"to b", "b"}, contents(h.store.GetMessages(chatB)))
}

func TestRegistryCloseAll_TerminatesSessions(t *testing.T) {
	h := newHarness(t)
	chatID := h.newChat(t)
	conn := newFakeConn()
	errc := run(New(chatID, conn, h.deps(replying())))

	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	h.registry.CloseAll()

	err := wait(t, errc)
	assert.True(t, errors.Is(err, errClosed))
	assert.Equal(t, 0, h.registry.Len())
}

func TestResolve(t *testing.T) {
	h := newHarness(t)
	existing := h.newChat(t)

	chat, created, err := Resolve(h.store, existing)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, chat.ID)

	chat, created, err = Resolve(h.store, "no-such-chat")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, existing, chat.ID)
	_, ok := h.store.GetChat(chat.ID)
	assert.True(t, ok)

	chat, created, err = Resolve(h.store, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, history.DefaultTitle, chat.Title)
	assert.Equal(t, 3, h.store.Len())
}

func contents(msgs []history.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
