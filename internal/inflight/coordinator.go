package inflight

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/qalyd/qalyd/internal/storage"
)

// Coordinator collapses concurrent submissions of the same fingerprint into
// one flight. The registry lives in memory only; it tracks in-progress work,
// never results.
type Coordinator struct {
	group singleflight.Group
}

// Join runs fn once per key across concurrent callers and hands every caller
// the same outcome. The bool reports whether the outcome was shared with
// other callers. ctx bounds only this caller's wait: fn runs in its own
// goroutine and keeps going after a caller gives up, so the flight stays
// joinable and its result still lands.
func (c *Coordinator) Join(ctx context.Context, key string, fn func() (*storage.Query, error)) (*storage.Query, bool, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*storage.Query), res.Shared, nil
	}
}
