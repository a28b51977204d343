package call

import (
	"context"
	"fmt"
	"time"

	"github.com/bridgechat/bridge/internal/rest"
	"github.com/bridgechat/bridge/internal/store"
	"go.uber.org/zap"
)

// LogSource fetches remote call-log entries ended after a watermark.
type LogSource interface {
	CallLogSince(ctx context.Context, after time.Time) ([]rest.CallLogResponse, error)
}

// SyncCallLog reloads the local call log, pulls remote records ended after
// the local watermark and merges them in. A per-record upsert failure does
// not block the rest of the batch.
func (s *Session) SyncCallLog(ctx context.Context, src LogSource) error {
	watermark, err := s.db.LastCallEnd()
	if err != nil {
		return fmt.Errorf("read call-log watermark: %w", err)
	}

	var after time.Time
	if watermark > 0 {
		after = time.UnixMilli(watermark).UTC()
	}

	remote, err := src.CallLogSince(ctx, after)
	if err != nil {
		return fmt.Errorf("fetch call log: %w", err)
	}
	if len(remote) > 0 {
		records := make([]*store.CallRecord, len(remote))
		for i := range remote {
			records[i] = remote[i].ToStoreRecord()
		}
		if err := s.db.BatchUpsertCallRecords(records); err != nil {
			s.logger.Warn("call-log batch applied with failures", zap.Error(err))
		}
	}

	all, err := s.db.ListCallRecords(0)
	if err != nil {
		return fmt.Errorf("reload call log: %w", err)
	}

	s.mu.Lock()
	s.records = all
	s.mu.Unlock()

	s.logger.Info("call log synced",
		zap.Int("pulled", len(remote)),
		zap.Int("total", len(all)))
	return nil
}
