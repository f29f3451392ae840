package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

// TempCardSweeper expires temp card assignments whose time is up and
// removes their uids from the devices.
type TempCardSweeper struct {
	*periodic
	cards      store.TempCardStore
	enrollment *EnrollmentService
	now        func() time.Time
}

func NewTempCardSweeper(cards store.TempCardStore, e *EnrollmentService, interval time.Duration, logger *zap.SugaredLogger) *TempCardSweeper {
	sw := &TempCardSweeper{
		cards:      cards,
		enrollment: e,
		now:        func() time.Time { return time.Now().UTC() },
	}
	sw.periodic = newPeriodic("temp card sweeper", interval, func(ctx context.Context) { sw.Sweep(ctx) }, logger)
	return sw
}

// Sweep expires every overdue assignment once and returns how many it
// processed.
func (s *TempCardSweeper) Sweep(ctx context.Context) int {
	expired, err := s.cards.ListExpiredTempCards(ctx, s.now())
	if err != nil {
		s.logger.Errorw("list expired temp cards", "error", err)
		return 0
	}

	n := 0
	for _, a := range expired {
		if ctx.Err() != nil {
			break
		}
		results, err := s.enrollment.RevokeTempCard(ctx, a.ID, types.TempCardExpired)
		if err != nil {
			s.logger.Errorw("expire temp card", "assignment_id", a.ID, "error", err)
			continue
		}
		for _, r := range results {
			if !r.Success {
				s.logger.Warnw("temp card still on device", "assignment_id", a.ID, "device_id", r.DeviceID, "error", r.Error)
			}
		}
		n++
	}
	return n
}
