// Package prompt turns stored chat history and an incoming raw message into
// an inference request.
package prompt

import (
	"strings"

	"chat-relay/internal/history"
	"chat-relay/internal/llm"
)

// FileMarker is the prefix clients put in front of an uploaded file's
// content when asking for it to be analysed.
const FileMarker = "I'm sending you a file:"

const fileAnalysisTemplate = `%s

Please analyze this file and provide:
1. The file type and its likely purpose
2. An overview of its structure and organization
3. The key points, functions or sections it contains
4. Any potential issues, bugs or inconsistencies
5. Suggestions for improvement`

// History maps stored messages to model turns, keeping their order.
func History(msgs []history.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case history.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case history.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return out
}

// Classify reports whether raw is a file-analysis request and, if so,
// returns the wrapped prompt.
func Classify(raw string) (bool, string) {
	if !strings.Contains(raw, FileMarker) {
		return false, ""
	}
	return true, strings.Replace(fileAnalysisTemplate, "%s", raw, 1)
}

// Frame returns the text sent to the model for raw.
func Frame(raw string) string {
	if ok, wrapped := Classify(raw); ok {
		return wrapped
	}
	return raw
}

// Assemble builds the request for one turn. msgs must already contain the
// stored copy of raw; only the model-facing input is framed.
func Assemble(msgs []history.Message, raw string) llm.Request {
	return llm.Request{
		Input:   Frame(raw),
		History: History(msgs),
	}
}
