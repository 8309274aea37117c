// Package queue implements the background sync queue: a priority queue of
// per-key sync jobs with bounded retries, drained on demand or by a periodic
// worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// SyncFunc performs the network work for one key.
type SyncFunc func(ctx context.Context, key string) error

// FreshFunc reports whether key already has a fresh cache entry.
type FreshFunc func(ctx context.Context, key string) bool

// Observer receives per-job outcomes. Calls happen on the draining goroutine.
type Observer interface {
	JobSkipped(j Job)
	JobCompleted(j Job)
	JobRetried(j Job, err error)
	JobFailed(j Job, err error)
}

type nopObserver struct{}

func (nopObserver) JobSkipped(Job)        {}
func (nopObserver) JobCompleted(Job)      {}
func (nopObserver) JobRetried(Job, error) {}
func (nopObserver) JobFailed(Job, error)  {}

type Options struct {
	// Sync runs a job. Required.
	Sync SyncFunc

	// IsFresh enables the enqueue no-op and the stale-skip rule. nil => never fresh.
	IsFresh FreshFunc

	// Store persists jobs. nil => in-memory only.
	Store Store

	// MaxRetries is the number of failed attempts requeued before a job fails
	// for good. A job fails permanently on attempt MaxRetries+1. Default 3.
	MaxRetries int

	// InterJobDelay separates consecutive remote calls within one Drain.
	// 0 => 500ms; negative disables.
	InterJobDelay time.Duration

	// RetryBackoff is the delay before the first retry; it doubles up to
	// RetryMaxDelay. 0 => 1s / 1m; negative disables.
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration

	Observer Observer
	Now      func() time.Time
}

type Queue struct {
	opts Options
	obs  Observer
	now  func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
}

func New(opts Options) (*Queue, error) {
	if opts.Sync == nil {
		return nil, errors.New("queue: Sync is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InterJobDelay == 0 {
		opts.InterJobDelay = 500 * time.Millisecond
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = time.Minute
	}
	q := &Queue{opts: opts, obs: opts.Observer, now: opts.Now, jobs: make(map[string]*Job)}
	if q.obs == nil {
		q.obs = nopObserver{}
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q, nil
}

// Load restores persisted jobs. Jobs that were InProgress when the previous
// process stopped go back to Pending. Jobs already known in memory win.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.opts.Store == nil {
		return 0, nil
	}
	loaded, err := q.opts.Store.LoadJobs(ctx)
	if err != nil {
		return 0, err
	}
	var requeued []Job
	q.mu.Lock()
	n := 0
	for _, j := range loaded {
		if _, ok := q.jobs[j.Key]; ok {
			continue
		}
		if j.Status == InProgress {
			j.Status = Pending
			requeued = append(requeued, j)
		}
		jj := j
		q.jobs[j.Key] = &jj
		n++
	}
	q.mu.Unlock()

	var errs []error
	for _, j := range requeued {
		errs = append(errs, q.save(ctx, j))
	}
	return n, errors.Join(errs...)
}

// Enqueue adds a Pending job for key. It is a no-op when key already has a
// fresh cache entry or a Pending/InProgress job; in the latter case the lower
// priority of the two is kept. Terminal jobs are replaced.
func (q *Queue) Enqueue(ctx context.Context, key string, priority int) (bool, error) {
	if q.opts.IsFresh != nil && q.opts.IsFresh(ctx, key) {
		return false, nil
	}
	q.mu.Lock()
	if cur, ok := q.jobs[key]; ok && !cur.Status.Terminal() {
		if priority >= cur.Priority {
			q.mu.Unlock()
			return false, nil
		}
		cur.Priority = priority
		snap := *cur
		q.mu.Unlock()
		return false, q.save(ctx, snap)
	}
	j := &Job{Key: key, Priority: priority, QueuedAt: q.now(), Status: Pending}
	q.jobs[key] = j
	snap := *j
	q.mu.Unlock()
	return true, q.save(ctx, snap)
}

// Drain claims up to maxItems claimable Pending jobs (maxItems <= 0 means all)
// and runs them in priority order. It returns how many reached a terminal
// state. On cancellation, claimed jobs that were not run return to Pending.
func (q *Queue) Drain(ctx context.Context, maxItems int) (int, error) {
	claimed := q.claim(ctx, maxItems)
	var (
		done     int
		errs     []error
		needWait bool
	)
	for i, j := range claimed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, q.release(ctx, claimed[i:]), err)
			break
		}
		if q.opts.IsFresh != nil && q.opts.IsFresh(ctx, j.Key) {
			j.Status = Completed
			errs = append(errs, q.settle(ctx, j))
			q.obs.JobSkipped(j)
			done++
			continue
		}
		if needWait {
			if err := q.wait(ctx); err != nil {
				errs = append(errs, q.release(ctx, claimed[i:]), err)
				break
			}
		}
		needWait = true

		err := q.opts.Sync(ctx, j.Key)
		switch {
		case err == nil:
			j.Status = Completed
			j.LastError = ""
			errs = append(errs, q.settle(ctx, j))
			q.obs.JobCompleted(j)
			done++
		case ctx.Err() != nil:
			// the drain was cancelled mid-call; not the job's fault
			errs = append(errs, q.release(ctx, claimed[i:]), ctx.Err())
			return done, errors.Join(errs...)
		default:
			j.RetryCount++
			j.LastError = err.Error()
			if j.RetryCount > q.opts.MaxRetries {
				j.Status = Failed
				errs = append(errs, q.settle(ctx, j))
				q.obs.JobFailed(j, err)
				done++
				continue
			}
			j.Status = Pending
			j.NotBefore = q.now().Add(q.retryDelay(j.RetryCount))
			errs = append(errs, q.settle(ctx, j))
			q.obs.JobRetried(j, err)
		}
	}
	return done, errors.Join(errs...)
}

// HasPending reports whether any job is Pending or InProgress.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if !j.Status.Terminal() {
			return true
		}
	}
	return false
}

// Job returns a snapshot of key's job.
func (q *Queue) Job(key string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs returns a snapshot of all jobs in claim order.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].before(out[k]) })
	return out
}

// Purge forgets Completed and Failed jobs.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	var keys []string
	for k, j := range q.jobs {
		if j.Status.Terminal() {
			keys = append(keys, k)
			delete(q.jobs, k)
		}
	}
	q.mu.Unlock()
	if q.opts.Store == nil {
		return len(keys), nil
	}
	var errs []error
	for _, k := range keys {
		if err := q.opts.Store.DeleteJob(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return len(keys), errors.Join(errs...)
}

func (q *Queue) claim(ctx context.Context, maxItems int) []Job {
	now := q.now()
	q.mu.Lock()
	var ready []*Job
	for _, j := range q.jobs {
		if j.Status == Pending && !j.NotBefore.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool { return ready[i].before(*ready[k]) })
	if maxItems > 0 && len(ready) > maxItems {
		ready = ready[:maxItems]
	}
	out := make([]Job, len(ready))
	for i, j := range ready {
		j.Status = InProgress
		out[i] = *j
	}
	q.mu.Unlock()

	for _, j := range out {
		_ = q.save(ctx, j)
	}
	return out
}

// settle publishes j's new state unless the job was replaced meanwhile.
func (q *Queue) settle(ctx context.Context, j Job) error {
	q.mu.Lock()
	cur, ok := q.jobs[j.Key]
	if !ok || cur.Status != InProgress {
		q.mu.Unlock()
		return nil
	}
	j.Priority = min(cur.Priority, j.Priority) // Enqueue may have lowered it
	*cur = j
	q.mu.Unlock()
	return q.save(ctx, j)
}

func (q *Queue) release(ctx context.Context, jobs []Job) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, j := range jobs {
		j.Status = Pending
		errs = append(errs, q.settle(ctx, j))
	}
	return errors.Join(errs...)
}

func (q *Queue) save(ctx context.Context, j Job) error {
	if q.opts.Store == nil {
		return nil
	}
	if err := q.opts.Store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("queue: persist %q: %w", j.Key, err)
	}
	return nil
}

func (q *Queue) wait(ctx context.Context) error {
	if q.opts.InterJobDelay <= 0 {
		return nil
	}
	t := time.NewTimer(q.opts.InterJobDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay is the wait before attempt number retries+1.
func (q *Queue) retryDelay(retries int) time.Duration {
	if q.opts.RetryBackoff < 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.opts.RetryBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         q.opts.RetryMaxDelay,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}
