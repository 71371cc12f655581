package dispatcher

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
)

// sweepInterval is the sweep task's period (spec §4.2 "Sweep task").
const sweepInterval = 30 * time.Second

// StartSweep schedules the periodic reclaim/evict/forget task and returns
// the running scheduler so the caller can stop it on shutdown.
func (d *Dispatcher) StartSweep() *gocron.Scheduler {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.Every(sweepInterval).Do(d.sweep)
	scheduler.StartAsync()
	return scheduler
}

// sweep reclaims SubJobs stuck on dead workers, evicts stale cache entries,
// and drops workers that have been stopped long enough to forget (spec
// §4.2 "Sweep task").
func (d *Dispatcher) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reclaimed, failed, err := d.store.ReclaimLostWorkers(ctx, int(reclaimWindow.Seconds()), maxRetries)
	if err != nil {
		log.Error().Err(err).Msg("sweep: reclaim lost workers")
	} else if len(reclaimed) > 0 || len(failed) > 0 {
		log.Info().Int("reclaimed", len(reclaimed)).Int("failed", len(failed)).Msg("sweep: reclaimed lost workers")
		for _, id := range reclaimed {
			d.ready.remove(id)
		}
		for _, id := range failed {
			d.ready.remove(id)
		}
	}

	if n := d.ready.evictStale(); n > 0 {
		log.Debug().Int("dropped", n).Msg("sweep: evicted stale ready-cache entries")
	}
	if n := d.workers.evictStale(); n > 0 {
		log.Debug().Int("dropped", n).Msg("sweep: evicted stale worker-cache entries")
	}

	if n, err := d.store.ForgetStoppedWorkers(ctx, int(forgetWindow.Seconds())); err != nil {
		log.Error().Err(err).Msg("sweep: forget stopped workers")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("sweep: forgot stopped workers")
	}
}
