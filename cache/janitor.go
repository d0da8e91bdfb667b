package cache

import (
	"context"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("cache")

// Cleaner is the part of Cache the janitor needs.
type Cleaner interface {
	CleanUp() int
}

// RunJanitor calls c.CleanUp every interval until ctx is done. It blocks, so
// callers usually start it in its own goroutine. A non-positive interval
// returns immediately: the cache then relies on lazy expiry alone.
func RunJanitor(ctx context.Context, c Cleaner, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.CleanUp(); n > 0 {
				plog.Debugf("janitor dropped %d expired entries", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
