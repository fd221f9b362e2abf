package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fakeyudi/codexd/internal/session"
)

// writeJob is one store write. done, if set, receives the outcome.
type writeJob struct {
	name string
	run  func(ctx context.Context) error
	done func(error)
}

// writer applies a session's store writes in order on its own goroutine.
// After the first ErrUnavailable it stops writing and fails later jobs fast.
type writer struct {
	ctx       context.Context
	logger    *zap.Logger
	onFailure func(error)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []writeJob
	closed   bool
	degraded bool

	finished chan struct{}
}

func newWriter(ctx context.Context, logger *zap.Logger, onFailure func(error)) *writer {
	w := &writer{
		ctx:       ctx,
		logger:    logger,
		onFailure: onFailure,
		finished:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *writer) enqueue(job writeJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		if job.done != nil {
			go job.done(ErrTerminated)
		}
		return
	}
	w.queue = append(w.queue, job)
	w.cond.Signal()
}

// close stops accepting jobs; queued jobs still run.
func (w *writer) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
}

func (w *writer) isDegraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

func (w *writer) run() {
	defer close(w.finished)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue = w.queue[1:]
		degraded := w.degraded
		w.mu.Unlock()

		if degraded {
			if job.done != nil {
				job.done(session.ErrUnavailable)
			}
			continue
		}

		err := job.run(w.ctx)
		if err != nil {
			w.logger.Warn("store write failed", zap.String("op", job.name), zap.Error(err))
			if errors.Is(err, session.ErrUnavailable) {
				w.mu.Lock()
				first := !w.degraded
				w.degraded = true
				w.mu.Unlock()
				if first && w.onFailure != nil {
					w.onFailure(err)
				}
			}
		}
		if job.done != nil {
			job.done(err)
		}
	}
}
