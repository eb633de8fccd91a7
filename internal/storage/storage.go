package storage

import "time"

// Event records one completed turn of a chat: the user's message and the
// assistant response that was persisted for it. Partial marks responses cut
// short by a disconnect or an inference failure.
// Events are expected to be appended in chronological order.
type Event struct {
	Timestamp         time.Time `json:"timestamp"`
	ChatID            string    `json:"chat_id"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	Partial           bool      `json:"partial,omitempty"`
}

// Recorder abstracts persistence of interaction events.
// LoadInteractions should return events in chronological order.
// Implementations must be safe for concurrent use.
type Recorder interface {
	AppendInteraction(event Event) error
	LoadInteractions() ([]Event, error)
}
