package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-relay/internal/analytics"
	"chat-relay/internal/storage"
)

const backupPrefix = "chat_history-"

// Snapshotter is the part of the chat store the backup job needs.
type Snapshotter interface {
	Snapshot(path string) error
}

// BackupJob writes a timestamped copy of the store into dir and keeps at
// most keep backups, dropping the oldest.
func BackupJob(store Snapshotter, dir string, keep int, now func() time.Time) JobFunc {
	return func(ctx context.Context) error {
		name := backupPrefix + now().UTC().Format("20060102-150405.000") + ".json"
		if err := store.Snapshot(filepath.Join(dir, name)); err != nil {
			return errors.Wrap(err, "snapshot")
		}
		return pruneBackups(dir, keep)
	}
}

func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read backup dir")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	// timestamps in the names sort chronologically
	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			return errors.Wrapf(err, "remove old backup %s", n)
		}
	}
	return nil
}

// ReportJob analyses the interaction log for the current day and logs the
// summary.
func ReportJob(rec storage.Recorder, logger *zap.Logger, now func() time.Time) JobFunc {
	return func(ctx context.Context) error {
		events, err := rec.LoadInteractions()
		if err != nil {
			return errors.Wrap(err, "load interactions")
		}
		stats := analytics.AnalyzeDailyLogs(events, now())
		logger.Info("daily report",
			zap.String("date", stats.Date),
			zap.Int("turns", stats.TotalTurns),
			zap.Int("unique_chats", stats.UniqueChats),
			zap.Int("partial_turns", stats.PartialTurns),
		)
		logger.Debug(stats.GenerateReportSummary())
		return nil
	}
}
