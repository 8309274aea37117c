package sloghooks

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/modsync"
	"github.com/unkn0wn-root/modsync/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	HitEvery   uint64
	MatchEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	hitCtr   atomic.Uint64
	matchCtr atomic.Uint64
}

var _ modsync.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.Redact(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheHit(key string) {
	if h.l == nil || !sample(h.opts.HitEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("modsync.cache_hit", "key", h.redact(key))
}

func (h *Hooks) RevisionMatch(key string) {
	if h.l == nil || !sample(h.opts.MatchEvery, &h.matchCtr) {
		return
	}
	h.l.Debug("modsync.revision_match", "key", h.redact(key))
}

func (h *Hooks) IncrementalFallback(key, reason string) {
	if h.l == nil {
		return
	}
	h.l.Info("modsync.incremental_fallback",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) StorageDegraded(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("modsync.storage_degraded",
		"op", op,
		"err", err)
}

func (h *Hooks) JobRetried(key string, attempt int, err error) {
	if h.l == nil {
		return
	}
	h.l.Info("modsync.job_retried",
		"key", h.redact(key),
		"attempt", attempt,
		"err", err)
}

func (h *Hooks) JobFailed(key string, attempts int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("modsync.job_failed",
		"key", h.redact(key),
		"attempts", attempts,
		"err", err)
}

func (h *Hooks) Pruned(evicted int, freed int64) {
	if h.l == nil {
		return
	}
	h.l.Info("modsync.pruned",
		"evicted", evicted,
		"freed_bytes", freed)
}

func (h *Hooks) BulkRunFinished(total, failed int, elapsed time.Duration) {
	if h.l == nil {
		return
	}
	lvl := slog.LevelInfo
	if failed > 0 {
		lvl = slog.LevelWarn
	}
	h.l.Log(context.Background(), lvl, "modsync.bulk_run_finished",
		"total", total,
		"failed", failed,
		"elapsed", elapsed)
}
