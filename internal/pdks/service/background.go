package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// periodic runs a job immediately and then on every tick until stopped.
// It backs the scheduler, the history pruner and the temp card sweeper.
type periodic struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	logger   *zap.SugaredLogger
	cancel   context.CancelFunc
	done     chan struct{}
}

func newPeriodic(name string, interval time.Duration, run func(context.Context), logger *zap.SugaredLogger) *periodic {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &periodic{
		name:     name,
		interval: interval,
		run:      run,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the loop. A non-positive interval disables it; Stop still
// returns immediately afterwards.
func (p *periodic) Start(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Infow(p.name+" disabled")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)

	p.logger.Infow(p.name+" started", "interval", p.interval)
}

// Stop signals the loop to exit and waits for it. Safe to call twice.
func (p *periodic) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *periodic) loop(ctx context.Context) {
	defer close(p.done)

	p.run(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}
