package usersession

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fmdesk/fmdesk-web/internal/observability"
)

// Pool runs refreshes on a bounded set of goroutines inside the web process. When every
// slot is busy the job is dropped; the next stale request dispatches again.
type Pool struct {
	refresher *Refresher
	sem       *semaphore.Weighted
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	wg        sync.WaitGroup
}

// NewPool constructs a Pool with size concurrent slots. timeout bounds each refresh.
func NewPool(refresher *Refresher, size int64, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		refresher: refresher,
		sem:       semaphore.NewWeighted(size),
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// Dispatch implements Dispatcher. The refresh is detached from ctx cancellation so it can
// outlive the request, and keeps ctx values.
func (p *Pool) Dispatch(ctx context.Context, job RefreshJob) {
	if !p.sem.TryAcquire(1) {
		p.logger.Warn("privilege refresh pool saturated, dropping job", slog.String("session", job.SessionID))
		p.metrics.PrivilegeRefresh("dropped")
		return
	}
	p.metrics.PrivilegeRefresh("dispatched")
	p.wg.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("privilege refresh panic", slog.String("session", job.SessionID), slog.Any("panic", rec))
			}
		}()
		runCtx, cancel := context.WithTimeout(detached, p.timeout)
		defer cancel()
		_ = p.refresher.Refresh(runCtx, job)
	}()
}

// Wait blocks until every dispatched refresh finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown waits for running refreshes until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
