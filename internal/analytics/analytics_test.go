package analytics

import (
	"strings"
	"testing"
	"time"

	"chat-relay/internal/storage"
)

func TestAnalyzeDailyLogs(t *testing.T) {
	testDate := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	events := []storage.Event{
		// target day
		{
			Timestamp:         testDate.Add(2 * time.Hour),
			ChatID:            "100",
			UserMessage:       "Hi",
			AssistantResponse: "Hello!",
		},
		{
			Timestamp:         testDate.Add(4 * time.Hour),
			ChatID:            "100",
			UserMessage:       "Write a poem",
			AssistantResponse: "Roses",
			Partial:           true,
		},
		{
			Timestamp:         testDate.Add(6 * time.Hour),
			ChatID:            "200",
			UserMessage:       "Explain Go",
			AssistantResponse: "Go is",
		},
		// next day, ignored
		{
			Timestamp:         testDate.AddDate(0, 0, 1),
			ChatID:            "300",
			UserMessage:       "Tomorrow",
			AssistantResponse: "Later",
		},
		// no user message, ignored
		{
			Timestamp:         testDate.Add(8 * time.Hour),
			ChatID:            "100",
			AssistantResponse: "[system]",
		},
	}

	stats := AnalyzeDailyLogs(events, testDate)

	if stats.Date != "2024-01-15" {
		t.Errorf("Expected date '2024-01-15', got '%s'", stats.Date)
	}
	if stats.TotalTurns != 3 {
		t.Errorf("Expected 3 turns, got %d", stats.TotalTurns)
	}
	if stats.UniqueChats != 2 {
		t.Errorf("Expected 2 unique chats, got %d", stats.UniqueChats)
	}
	if stats.PartialTurns != 1 {
		t.Errorf("Expected 1 partial turn, got %d", stats.PartialTurns)
	}
	if stats.ResponseChars != len("Hello!")+len("Roses")+len("Go is") {
		t.Errorf("Unexpected response chars %d", stats.ResponseChars)
	}

	chat100, exists := stats.ChatStats["100"]
	if !exists {
		t.Fatal("Expected stats for chat 100")
	}
	if chat100.Turns != 2 || chat100.PartialTurns != 1 {
		t.Errorf("Unexpected chat 100 stats: %+v", chat100)
	}
	if chat200 := stats.ChatStats["200"]; chat200.Turns != 1 || chat200.PartialTurns != 0 {
		t.Errorf("Unexpected chat 200 stats: %+v", chat200)
	}
}

func TestAnalyzeDailyLogsEmptyData(t *testing.T) {
	testDate := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	stats := AnalyzeDailyLogs(nil, testDate)

	if stats.Date != "2024-01-15" {
		t.Errorf("Expected date '2024-01-15', got '%s'", stats.Date)
	}
	if stats.TotalTurns != 0 || stats.UniqueChats != 0 || stats.PartialTurns != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestGenerateReportSummary(t *testing.T) {
	stats := &DailyStats{
		Date:         "2024-01-15",
		TotalTurns:   5,
		UniqueChats:  2,
		PartialTurns: 1,
		ChatStats: map[string]ChatStats{
			"123": {ChatID: "123", Turns: 3, PartialTurns: 1},
			"456": {ChatID: "456", Turns: 2},
		},
	}

	summary := stats.GenerateReportSummary()

	for _, expected := range []string{
		"2024-01-15",
		"Turns: 5",
		"Unique chats: 2",
		"Partial responses: 1",
		"Chat 123: 3 turns, 1 partial",
		"Chat 456: 2 turns",
	} {
		if !strings.Contains(summary, expected) {
			t.Errorf("Expected summary to contain '%s'. Summary: %s", expected, summary)
		}
	}
	if strings.Index(summary, "Chat 123") > strings.Index(summary, "Chat 456") {
		t.Errorf("Expected chats sorted by id. Summary: %s", summary)
	}
}

func TestToJSON(t *testing.T) {
	stats := &DailyStats{
		Date:       "2024-01-15",
		TotalTurns: 1,
		ChatStats: map[string]ChatStats{
			"123": {ChatID: "123", Turns: 1},
		},
	}

	jsonStr, err := stats.ToJSON()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if !strings.Contains(jsonStr, "2024-01-15") {
		t.Errorf("Expected JSON to contain date, got: %s", jsonStr)
	}
	if !strings.Contains(jsonStr, `"chat_id": "123"`) {
		t.Errorf("Expected JSON to contain chat id, got: %s", jsonStr)
	}
}
