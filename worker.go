package modsync

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/modsync/queue"
)

// EnqueueBackground queues keys for background sync at priority (lower runs
// sooner). Keys that are fresh or already queued are skipped. It returns how
// many jobs were added.
func (e *Engine[V]) EnqueueBackground(ctx context.Context, keys []string, priority int) (int, error) {
	var (
		added int
		errs  []error
	)
	for _, k := range keys {
		if k == "" {
			continue
		}
		ok, err := e.queue.Enqueue(ctx, k, priority)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		e.log.Debug("enqueued background sync", Fields{"added": added, "requested": len(keys), "priority": priority})
	}
	return added, errors.Join(errs...)
}

// DrainQueue runs up to maxItems claimable jobs (<= 0 means all) and returns
// how many reached a terminal state.
func (e *Engine[V]) DrainQueue(ctx context.Context, maxItems int) (int, error) {
	return e.queue.Drain(ctx, maxItems)
}

// HasPendingWork reports whether any job is waiting or running.
func (e *Engine[V]) HasPendingWork() bool { return e.queue.HasPending() }

// Jobs returns a snapshot of the queue in claim order.
func (e *Engine[V]) Jobs() []queue.Job { return e.queue.Jobs() }

// PurgeJobs forgets completed and failed jobs.
func (e *Engine[V]) PurgeJobs(ctx context.Context) (int, error) { return e.queue.Purge(ctx) }

// Run drains the queue every DrainInterval until ctx ends, purging finished
// jobs and expired memo entries after each pass. It returns ctx.Err().
func (e *Engine[V]) Run(ctx context.Context) error {
	t := time.NewTicker(e.drainInterval)
	defer t.Stop()
	e.log.Info("sync worker started", Fields{"interval": e.drainInterval, "batch": e.drainBatch})
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync worker stopped", nil)
			return ctx.Err()
		case <-t.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine[V]) tick(ctx context.Context) {
	n, err := e.queue.Drain(ctx, e.drainBatch)
	if err != nil && ctx.Err() == nil {
		e.log.Warn("drain finished with errors", Fields{"err": err})
	}
	if n > 0 {
		e.log.Debug("drained jobs", Fields{"settled": n})
	}
	if _, err := e.queue.Purge(ctx); err != nil && ctx.Err() == nil {
		e.log.Warn("purge jobs failed", Fields{"err": err})
	}
	e.memo.Cleanup()
}

// syncJob is the queue's SyncFunc: background work goes through the same
// coalesced path as on-demand calls.
func (e *Engine[V]) syncJob(ctx context.Context, key string) error {
	_, err := e.FetchSmart(ctx, key, FetchOptions{})
	return err
}

// jobObserver relays queue outcomes to logs and hooks.
type jobObserver struct {
	log   Logger
	hooks Hooks
}

func (o jobObserver) JobSkipped(j queue.Job) {
	o.log.Debug("job skipped; entry already fresh", Fields{"key": j.Key})
}

func (o jobObserver) JobCompleted(j queue.Job) {
	o.log.Debug("job completed", Fields{"key": j.Key, "retries": j.RetryCount})
}

func (o jobObserver) JobRetried(j queue.Job, err error) {
	o.log.Warn("job failed; requeued", Fields{"key": j.Key, "attempt": j.RetryCount, "not_before": j.NotBefore, "err": err})
	o.hooks.JobRetried(j.Key, j.RetryCount, err)
}

func (o jobObserver) JobFailed(j queue.Job, err error) {
	o.log.Error("job failed permanently", Fields{"key": j.Key, "attempts": j.RetryCount, "err": err})
	o.hooks.JobFailed(j.Key, j.RetryCount, err)
}
