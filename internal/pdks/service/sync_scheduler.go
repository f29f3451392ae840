package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SyncScheduler runs a fleet sync on a fixed interval.
type SyncScheduler struct {
	*periodic
	sync *SyncService
}

// NewSyncScheduler returns a scheduler that syncs every interval. A zero
// interval disables it.
func NewSyncScheduler(s *SyncService, interval time.Duration, logger *zap.SugaredLogger) *SyncScheduler {
	sch := &SyncScheduler{sync: s}
	sch.periodic = newPeriodic("sync scheduler", interval, sch.tick, logger)
	return sch
}

func (s *SyncScheduler) tick(ctx context.Context) {
	if _, err := s.sync.SyncAll(ctx, SyncOptions{SyncType: SyncTypeScheduled}); err != nil {
		s.logger.Errorw("scheduled sync", "error", err)
	}
}
