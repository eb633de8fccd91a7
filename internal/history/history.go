package history

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultTitle = "New Chat"

	titleLimit  = 30
	titleSuffix = "..."
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is a persisted conversation. Messages are chronological and only
// ever appended to.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Chat) clone() Chat {
	out := *c
	out.Messages = append([]Message{}, c.Messages...)
	return out
}

// deriveTitle turns the first user message into a title, cutting it at
// titleLimit characters.
func deriveTitle(content string) string {
	r := []rune(content)
	if len(r) > titleLimit {
		return string(r[:titleLimit]) + titleSuffix
	}
	return content
}
