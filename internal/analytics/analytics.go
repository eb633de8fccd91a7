package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"chat-relay/internal/storage"
)

// DailyStats summarises one day of completed turns.
type DailyStats struct {
	Date          string               `json:"date"`
	TotalTurns    int                  `json:"total_turns"`
	UniqueChats   int                  `json:"unique_chats"`
	PartialTurns  int                  `json:"partial_turns"`
	ResponseChars int                  `json:"response_chars"`
	ChatStats     map[string]ChatStats `json:"chat_stats"`
}

// ChatStats is the per-chat slice of DailyStats.
type ChatStats struct {
	ChatID        string `json:"chat_id"`
	Turns         int    `json:"turns"`
	PartialTurns  int    `json:"partial_turns"`
	ResponseChars int    `json:"response_chars"`
}

// AnalyzeDailyLogs aggregates the events that fall on targetDate.
func AnalyzeDailyLogs(events []storage.Event, targetDate time.Time) *DailyStats {
	startOfDay := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	stats := &DailyStats{
		Date:      startOfDay.Format("2006-01-02"),
		ChatStats: make(map[string]ChatStats),
	}

	for _, event := range events {
		if event.Timestamp.Before(startOfDay) || !event.Timestamp.Before(endOfDay) {
			continue
		}
		// records without a user turn carry nothing to count
		if event.UserMessage == "" {
			continue
		}

		chars := len([]rune(event.AssistantResponse))
		stats.TotalTurns++
		stats.ResponseChars += chars

		chatStat, exists := stats.ChatStats[event.ChatID]
		if !exists {
			chatStat = ChatStats{ChatID: event.ChatID}
		}
		chatStat.Turns++
		chatStat.ResponseChars += chars
		if event.Partial {
			stats.PartialTurns++
			chatStat.PartialTurns++
		}
		stats.ChatStats[event.ChatID] = chatStat
	}

	stats.UniqueChats = len(stats.ChatStats)
	return stats
}

// GenerateReportSummary renders a plain-text report.
func (ds *DailyStats) GenerateReportSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chat relay activity for %s:\n\n", ds.Date)
	fmt.Fprintf(&b, "Totals:\n- Turns: %d\n- Unique chats: %d\n- Partial responses: %d\n- Response characters: %d\n\n",
		ds.TotalTurns, ds.UniqueChats, ds.PartialTurns, ds.ResponseChars)

	ids := make([]string, 0, len(ds.ChatStats))
	for id := range ds.ChatStats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(&b, "Per chat (%d chats):\n", len(ids))
	for _, id := range ids {
		cs := ds.ChatStats[id]
		fmt.Fprintf(&b, "- Chat %s: %d turns", id, cs.Turns)
		if cs.PartialTurns > 0 {
			fmt.Fprintf(&b, ", %d partial", cs.PartialTurns)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ToJSON serialises the stats for detailed inspection.
func (ds *DailyStats) ToJSON() (string, error) {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
