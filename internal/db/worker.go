package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrWorkerClosed = errors.New("db worker closed")

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker funnels every write transaction through one goroutine, so sqlite
// never sees two writers regardless of how many device syncs run at once.
type Worker struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	slow    time.Duration
	jobs    chan job
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

func NewWorker(db *sql.DB, logger *zap.SugaredLogger) *Worker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &Worker{
		db:     db,
		logger: logger,
		slow:   500 * time.Millisecond,
		jobs:   make(chan job, 256),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close drains queued jobs and stops the worker. Safe to call twice.
func (w *Worker) Close() {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.jobs)
	w.closeMu.Unlock()
	<-w.done
}

func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)
	j := job{ctx: ctx, fn: fn, ch: ch}

	w.closeMu.RLock()
	if w.closed {
		w.closeMu.RUnlock()
		return ErrWorkerClosed
	}
	// Enqueue, giving up if the caller's context expires while the buffer is full.
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		w.closeMu.RUnlock()
		return ctx.Err()
	}
	w.closeMu.RUnlock()

	// The worker still finishes a transaction whose caller gave up; the
	// result lands in the buffered ch and is discarded.
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		start := time.Now()
		j.ch <- w.run(j)
		if d := time.Since(start); d > w.slow {
			w.logger.Warnw("slow write transaction", "duration", d)
		}
	}
}

func (w *Worker) run(j job) error {
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			w.logger.Errorw("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}
