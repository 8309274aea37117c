package revcache

import "context"

// PruneResult reports what a Prune call evicted.
type PruneResult struct {
	Evicted    []string
	FreedBytes int64
}

// Prune evicts the single oldest entry repeatedly until the total size is
// within maxTotalBytes or only one entry is left. The last entry is never
// evicted, even when it alone exceeds the budget. Within budget it is a no-op.
func (c *Cache[V]) Prune(ctx context.Context, maxTotalBytes int64) (PruneResult, error) {
	var res PruneResult
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadIndexLocked(ctx); err != nil {
		return res, err
	}
	total := c.totalLocked()
	if total <= maxTotalBytes {
		return res, nil
	}
	var err error
	for total > maxTotalBytes && len(c.index) > 1 {
		var removed []string
		var freed int64
		removed, freed, err = c.evictLocked(ctx, 1)
		res.Evicted = append(res.Evicted, removed...)
		res.FreedBytes += freed
		total -= freed
		if err != nil {
			break
		}
	}
	if perr := c.persistIndexLocked(ctx); err == nil {
		err = perr
	}
	return res, err
}
