package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pdks/engine/internal/pdks/store"
)

// PrunerConfig holds the parameters for NewSyncHistoryPruner.
type PrunerConfig struct {
	// RetentionDays is how many days of sync history to keep.
	// 0 keeps everything (the pruner will not start).
	RetentionDays int

	// IntervalHours is how often the pruner runs. Defaults to 6.
	IntervalHours int
}

// SyncHistoryPruner periodically deletes sync history rows older than the
// retention window.
type SyncHistoryPruner struct {
	*periodic
	store     store.SyncHistoryStore
	retention time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewSyncHistoryPruner(s store.SyncHistoryStore, cfg PrunerConfig, logger *zap.SugaredLogger) *SyncHistoryPruner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	p := &SyncHistoryPruner{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if p.retention <= 0 {
		interval = 0
	}
	p.periodic = newPeriodic("sync history pruner", interval, func(ctx context.Context) { p.Prune(ctx) }, logger)
	return p
}

// Prune deletes rows older than the retention window once and returns how
// many went.
func (p *SyncHistoryPruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	deleted, err := p.store.PruneSyncHistory(ctx, cutoff)
	if err != nil {
		p.logger.Errorw("sync history prune", "error", err)
		return 0
	}
	if deleted > 0 {
		p.logger.Infow("sync history pruned", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
