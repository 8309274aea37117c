package modsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/modsync/internal/util"
)

// BulkSyncStatus aggregates one bulk run. It survives restarts: a run that
// was interrupted is restored as finished with an "interrupted" error.
type BulkSyncStatus struct {
	RunID         string    `msgpack:"id"`
	IsRunning     bool      `msgpack:"running"`
	TotalTargets  int       `msgpack:"total"`
	SyncedTargets int       `msgpack:"synced"` // attempted, successful or not
	CurrentTarget string    `msgpack:"current,omitempty"`
	StartedAt     time.Time `msgpack:"started"`
	FinishedAt    time.Time `msgpack:"finished"`
	LastFullSync  time.Time `msgpack:"last_full"`
	Errors        []string  `msgpack:"errors,omitempty"`
}

func (s BulkSyncStatus) clone() BulkSyncStatus {
	s.Errors = slices.Clone(s.Errors)
	return s
}

// BulkSyncStatus returns a snapshot of the current or last bulk run.
func (e *Engine[V]) BulkSyncStatus() BulkSyncStatus {
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()
	return e.bulk.clone()
}

// StartBulkSync syncs every target listed by Options.Targets and blocks until
// the run is over. Per-target failures are recorded in the status and do not
// abort the run. While another run is active it returns that run's status
// with ErrAlreadyRunning. A failed listing aborts with ErrRunEnumeration.
// The cache is pruned to MaxCacheBytes after the run.
func (e *Engine[V]) StartBulkSync(ctx context.Context) (BulkSyncStatus, error) {
	if e.targets == nil {
		return e.BulkSyncStatus(), errors.New("modsync: no target lister configured")
	}

	e.bulkMu.Lock()
	if e.bulk.IsRunning {
		st := e.bulk.clone()
		e.bulkMu.Unlock()
		return st, ErrAlreadyRunning
	}
	started := e.now()
	e.bulk = BulkSyncStatus{
		RunID:        uuid.NewString(),
		IsRunning:    true,
		StartedAt:    started,
		LastFullSync: e.bulk.LastFullSync,
	}
	runID := e.bulk.RunID
	e.persistBulkLocked(ctx)
	e.bulkMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "modsync.BulkSync", trace.WithAttributes(
		attribute.String("modsync.namespace", e.ns),
		attribute.String("modsync.run_id", runID),
	))
	defer span.End()
	log := e.log.With(Fields{"run_id": runID})

	targets, err := e.listTargets(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRunEnumeration, err)
		st := e.finishBulk(ctx, false, err.Error())
		log.Error("bulk sync aborted", Fields{"err": err})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return st, err
	}
	span.SetAttributes(attribute.Int("modsync.targets", len(targets)))
	log.Info("bulk sync started", Fields{"targets": len(targets), "parallelism": e.parallelism})

	e.bulkMu.Lock()
	e.bulk.TotalTargets = len(targets)
	e.persistBulkLocked(ctx)
	e.bulkMu.Unlock()

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			e.setCurrentTarget(ctx, target)
			_, err := e.FetchSmart(ctx, target, FetchOptions{})
			e.targetDone(ctx, target, err, log)
			return nil
		})
	}
	_ = g.Wait()

	var cancelled string
	if err := ctx.Err(); err != nil {
		cancelled = "run cancelled: " + err.Error()
	}
	st := e.finishBulk(ctx, cancelled == "", cancelled)
	elapsed := st.FinishedAt.Sub(st.StartedAt)
	e.hooks.BulkRunFinished(st.TotalTargets, len(st.Errors), elapsed)
	log.Info("bulk sync finished", Fields{
		"total":   st.TotalTargets,
		"synced":  st.SyncedTargets,
		"errors":  len(st.Errors),
		"elapsed": elapsed,
	})
	span.SetAttributes(attribute.Int("modsync.errors", len(st.Errors)))

	if e.maxCacheBytes > 0 {
		pctx := context.WithoutCancel(ctx)
		if _, err := e.Prune(pctx, e.maxCacheBytes); err != nil {
			log.Warn("prune after bulk sync failed", Fields{"err": err})
		}
	}
	if cancelled != "" {
		return st, ctx.Err()
	}
	return st, nil
}

// listTargets walks every page, dropping duplicates but keeping listing order.
func (e *Engine[V]) listTargets(ctx context.Context) ([]string, error) {
	var (
		out    []string
		seen   = make(map[string]struct{})
		cursor string
		pages  = make(map[string]struct{})
	)
	for {
		cctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
		page, next, err := e.targets.ListTargets(cctx, cursor)
		cancel()
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
		if next == "" {
			return out, nil
		}
		if _, again := pages[next]; again || next == cursor {
			return nil, fmt.Errorf("cursor %q repeated", next)
		}
		pages[cursor] = struct{}{}
		cursor = next
	}
}

func (e *Engine[V]) setCurrentTarget(ctx context.Context, target string) {
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()
	e.bulk.CurrentTarget = target
	e.persistBulkLocked(ctx)
}

func (e *Engine[V]) targetDone(ctx context.Context, target string, err error, log Logger) {
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()
	e.bulk.SyncedTargets++
	if err != nil {
		e.bulk.Errors = append(e.bulk.Errors, fmt.Sprintf("%s: %v", target, err))
		log.Warn("bulk target failed", Fields{"key": target, "err": err})
	}
	e.persistBulkLocked(ctx)
}

// finishBulk releases the run lock. completed stamps LastFullSync.
func (e *Engine[V]) finishBulk(ctx context.Context, completed bool, errMsg string) BulkSyncStatus {
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()
	now := e.now()
	e.bulk.IsRunning = false
	e.bulk.CurrentTarget = ""
	e.bulk.FinishedAt = now
	if completed {
		e.bulk.LastFullSync = now
	}
	if errMsg != "" {
		e.bulk.Errors = append(e.bulk.Errors, errMsg)
	}
	e.persistBulkLocked(context.WithoutCancel(ctx))
	return e.bulk.clone()
}

// persistBulkLocked stores the status best-effort; a lost status record only
// costs the restart view.
func (e *Engine[V]) persistBulkLocked(ctx context.Context) {
	b, err := e.statusCodec.Encode(e.bulk)
	if err != nil {
		e.log.Warn("encode bulk status failed", Fields{"err": err})
		return
	}
	if err := e.provider.Set(ctx, e.bulkKey(), b); err != nil {
		e.log.Warn("persist bulk status failed", Fields{"err": err})
	}
}

func (e *Engine[V]) restoreBulkStatus(ctx context.Context) {
	raw, ok, err := e.provider.Get(ctx, e.bulkKey())
	if err != nil {
		e.log.Warn("restore bulk status failed", Fields{"err": err})
		return
	}
	if !ok {
		return
	}
	st, err := e.statusCodec.Decode(raw)
	if err != nil {
		e.log.Warn("discarding unreadable bulk status", Fields{"err": err})
		return
	}
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()
	e.bulk = st
	if st.IsRunning {
		e.bulk.IsRunning = false
		e.bulk.CurrentTarget = ""
		e.bulk.Errors = append(e.bulk.Errors, "run interrupted")
		e.persistBulkLocked(ctx)
	}
}

func (e *Engine[V]) bulkKey() string { return util.StorageKey("bulk", e.ns, "status") }
