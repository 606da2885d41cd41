package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/store"
)

// Pruner is anything holding expirable in-memory state: the gateway's event
// dedup set, the dispatcher's sent keys, the batcher's message dedup.
type Pruner interface {
	Prune() int
}

// Janitor runs periodic maintenance on a cron schedule: expired sessions are
// purged from the store and the in-memory seen-sets are compacted.
type Janitor struct {
	schedule string
	sessions store.SessionStore
	pruners  []Pruner
}

func New(schedule string, sessions store.SessionStore, pruners ...Pruner) (*Janitor, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", schedule)
	}
	return &Janitor{
		schedule: schedule,
		sessions: sessions,
		pruners:  pruners,
	}, nil
}

// Run blocks until ctx is cancelled, sweeping at each schedule tick.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTick(j.schedule, false)
		if err != nil {
			return fmt.Errorf("failed to compute next sweep: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	start := time.Now()

	purged, err := j.sessions.PurgeExpired(ctx)
	if err != nil {
		logger.ErrorCF("janitor", "Session purge failed",
			map[string]interface{}{"error": err.Error()})
	}

	pruned := 0
	for _, p := range j.pruners {
		pruned += p.Prune()
	}

	logger.InfoCF("janitor", "Sweep completed",
		map[string]interface{}{
			"sessions_purged": purged,
			"entries_pruned":  pruned,
			"duration_ms":     time.Since(start).Milliseconds(),
		})
}
