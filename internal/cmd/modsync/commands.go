package modsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/unkn0wn-root/modsync"
	"github.com/unkn0wn-root/modsync/moderation"
)

func dispatch(ctx context.Context, eng *engine, cfg Config, out, errOut io.Writer) error {
	switch cfg.Command {
	case "fetch":
		return fetch(ctx, eng, cfg, out, errOut)
	case "status":
		return status(ctx, eng, cfg.Keys, out)
	case "enqueue":
		n, err := eng.EnqueueBackground(ctx, cfg.Keys, cfg.Priority)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %d of %d\n", n, len(cfg.Keys))
		return nil
	case "drain":
		n, err := eng.DrainQueue(ctx, cfg.Batch)
		fmt.Fprintf(out, "processed %d pending=%v\n", n, eng.HasPendingWork())
		return err
	case "bulk":
		st, err := eng.StartBulkSync(ctx)
		printBulk(out, st)
		return err
	case "clear":
		n, err := eng.ClearCache(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared %d entries\n", n)
		return nil
	case "worker":
		err := eng.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

func fetch(ctx context.Context, eng *engine, cfg Config, out, errOut io.Writer) error {
	opts := modsync.FetchOptions{ForceRefresh: cfg.ForceRefresh}
	if cfg.Verbose {
		opts.OnProgress = modsync.ReporterFunc(func(ev modsync.Event) {
			fmt.Fprintf(errOut, "%s %s %d/%d\n", ev.Key, ev.Stage, ev.BytesLoaded, ev.BytesTotal)
		})
	}

	var errs []error
	for _, key := range cfg.Keys {
		res, err := eng.FetchSmart(ctx, key, opts)
		if err != nil {
			fmt.Fprintf(out, "%s error=%q\n", key, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "%s rev=%s cached=%v incremental=%v %s\n",
			key, res.Revision, res.WasCached, res.WasIncremental, summarize(res.Payload))
	}
	return errors.Join(errs...)
}

func status(ctx context.Context, eng *engine, keys []string, out io.Writer) error {
	var errs []error
	for _, key := range keys {
		st, err := eng.CacheStatus(ctx, key)
		if err != nil {
			errs = append(errs, err)
		}
		fetched := "-"
		if st.HasCached {
			fetched = st.FetchedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s cached=%v stale=%v rev=%s remote=%s fetched=%s size=%d\n",
			key, st.HasCached, st.IsStale, orDash(st.CachedRevision), orDash(st.RemoteRevision), fetched, st.SizeBytes)
	}
	return errors.Join(errs...)
}

func printBulk(out io.Writer, st modsync.BulkSyncStatus) {
	fmt.Fprintf(out, "run=%s synced=%d/%d failed=%d\n", st.RunID, st.SyncedTargets, st.TotalTargets, len(st.Errors))
	for _, msg := range st.Errors {
		fmt.Fprintf(out, "  %s\n", msg)
	}
}

func summarize(r moderation.Relationships) string {
	return fmt.Sprintf("blocks=%d mutes=%d follows=%d blockedBy=%d",
		len(r.Blocks), len(r.Mutes), len(r.Follows), len(r.BlockedBy))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
