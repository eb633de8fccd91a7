// Package mcpserver exposes chat management as MCP tools over SSE.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"chat-relay/internal/history"
)

const (
	Name    = "chat-relay"
	Version = "1.0.0"

	defaultListLimit = 20
	maxListLimit     = 100
)

type ChatStore interface {
	ListChats() []history.Chat
	GetChat(id string) (history.Chat, bool)
	CreateChat(title string) (history.Chat, error)
	DeleteChat(id string) (bool, error)
}

// SessionCloser disconnects the live sessions of a chat.
type SessionCloser interface {
	CloseChat(chatID string) int
}

type ListChatsParams struct {
	Limit int `json:"limit,omitempty" mcp:"maximum number of chats to return (default: 20, max: 100)"`
}

type GetChatParams struct {
	ChatID string `json:"chat_id" mcp:"id of the chat to fetch"`
}

type CreateChatParams struct {
	Title string `json:"title,omitempty" mcp:"optional title; derived from the first message when empty"`
}

type DeleteChatParams struct {
	ChatID string `json:"chat_id" mcp:"id of the chat to delete"`
}

// Tools implements the MCP tool handlers on top of a chat store.
type Tools struct {
	store    ChatStore
	sessions SessionCloser
	log      *zap.Logger
}

// NewTools builds the tool set. sessions may be nil when no live
// connections exist, as in offline use.
func NewTools(store ChatStore, sessions SessionCloser, logger *zap.Logger) *Tools {
	return &Tools{store: store, sessions: sessions, log: logger}
}

// NewServer builds an MCP server with every chat tool registered.
func NewServer(tools *Tools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    Name,
		Version: Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_chats",
		Description: "Lists stored chats, most recently updated first",
	}, tools.ListChats)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_chat",
		Description: "Returns the full transcript of a chat",
	}, tools.GetChat)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_chat",
		Description: "Creates an empty chat and returns its id",
	}, tools.CreateChat)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_chat",
		Description: "Deletes a chat and its messages",
	}, tools.DeleteChat)

	return server
}

// Handler serves the MCP server over SSE.
func Handler(server *mcp.Server) http.Handler {
	return mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server })
}

func (t *Tools) ListChats(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[ListChatsParams]) (*mcp.CallToolResultFor[any], error) {
	limit := params.Arguments.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	chats := t.store.ListChats()
	total := len(chats)
	if len(chats) > limit {
		chats = chats[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d chats", total)
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		fmt.Fprintf(&b, "\n- %s  %s (%d messages, updated %s)", c.ID, c.Title, len(c.Messages), c.UpdatedAt.Format(time.RFC3339))
		ids = append(ids, c.ID)
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: b.String()},
		},
		Meta: map[string]any{
			"total":    total,
			"chat_ids": ids,
		},
	}, nil
}

func (t *Tools) GetChat(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[GetChatParams]) (*mcp.CallToolResultFor[any], error) {
	chat, ok := t.store.GetChat(params.Arguments.ChatID)
	if !ok {
		return notFound(params.Arguments.ChatID), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", chat.Title, chat.ID)
	for _, m := range chat.Messages {
		fmt.Fprintf(&b, "\n\n[%s] %s", m.Role, m.Content)
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: b.String()},
		},
		Meta: map[string]any{
			"chat_id":  chat.ID,
			"title":    chat.Title,
			"messages": len(chat.Messages),
		},
	}, nil
}

func (t *Tools) CreateChat(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[CreateChatParams]) (*mcp.CallToolResultFor[any], error) {
	chat, err := t.store.CreateChat(params.Arguments.Title)
	if err != nil {
		t.log.Error("mcp create_chat", zap.Error(err))
		return &mcp.CallToolResultFor[any]{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("failed to create chat: %v", err)},
			},
		}, nil
	}
	t.log.Info("mcp created chat", zap.String("chat_id", chat.ID))

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("created chat %s (%s)", chat.ID, chat.Title)},
		},
		Meta: map[string]any{
			"chat_id": chat.ID,
			"title":   chat.Title,
		},
	}, nil
}

func (t *Tools) DeleteChat(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[DeleteChatParams]) (*mcp.CallToolResultFor[any], error) {
	id := params.Arguments.ChatID
	deleted, err := t.store.DeleteChat(id)
	if err != nil {
		// removed in memory; the file catches up on the next write
		t.log.Warn("mcp delete_chat persist", zap.String("chat_id", id), zap.Error(err))
	}
	if !deleted {
		return notFound(id), nil
	}
	closed := 0
	if t.sessions != nil {
		closed = t.sessions.CloseChat(id)
	}
	t.log.Info("mcp deleted chat", zap.String("chat_id", id), zap.Int("sessions_closed", closed))

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("deleted chat %s", id)},
		},
		Meta: map[string]any{"chat_id": id, "sessions_closed": closed},
	}, nil
}

func notFound(id string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("chat %q not found", id)},
		},
	}
}
