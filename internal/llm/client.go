package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is a single inference call: the framed user input plus the
// conversation so far. History is chronological and already contains the
// stored copy of the current user message.
type Request struct {
	Input   string
	History []Message
}

// Messages flattens the request into the chat-completion message list:
// optional system directive, history, then the input as the final user turn.
func (r Request) Messages(systemPrompt string) []Message {
	out := make([]Message, 0, len(r.History)+2)
	if systemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: systemPrompt})
	}
	out = append(out, r.History...)
	out = append(out, Message{Role: RoleUser, Content: r.Input})
	return out
}

// Stream yields generated text fragments. Recv returns io.EOF once the
// model has finished. Close must be safe to call more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
