package daemon

import (
	"context"
	"fmt"

	"github.com/harun/scorpio/internal/observability"
	"github.com/harun/scorpio/pkg/audit"
	"github.com/harun/scorpio/pkg/fleet"
)

const (
	jobSessionExpiry = "session_expiry"
	jobCacheSweep    = "cache_sweep"
	jobFleetSnapshot = "fleet_snapshot"
)

var jobNames = []string{jobSessionExpiry, jobCacheSweep, jobFleetSnapshot}

func (d *Daemon) registerJobs() error {
	jobs := d.config.Jobs
	if err := d.scheduler.Add(jobSessionExpiry, jobs.SessionExpiry, d.expireSessions); err != nil {
		return err
	}
	if err := d.scheduler.Add(jobCacheSweep, jobs.CacheSweep, d.sweepCache); err != nil {
		return err
	}
	return d.scheduler.Add(jobFleetSnapshot, jobs.FleetSnapshot, d.snapshotFleet)
}

// RunJob runs one background job immediately.
func (d *Daemon) RunJob(ctx context.Context, name string) error {
	return d.scheduler.RunNow(ctx, name)
}

func (d *Daemon) expireSessions(ctx context.Context) error {
	n, err := d.sessions.ExpireIdle(ctx, d.config.Session.Timeout())
	if err != nil {
		return fmt.Errorf("expire sessions: %w", err)
	}
	if n > 0 {
		d.log().Info().Int("count", n).Msg("Expired idle sessions")
	}
	return nil
}

func (d *Daemon) sweepCache(ctx context.Context) error {
	n, err := d.cache.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep cache: %w", err)
	}
	if n > 0 {
		d.log().Debug().Int("count", n).Msg("Evicted expired cache entries")
	}
	return nil
}

// snapshotFleet publishes the agent count per status as gauges and as
// fleet.agents.<status> metric samples.
func (d *Daemon) snapshotFleet(ctx context.Context) error {
	counts, err := d.fleet.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count agents: %w", err)
	}
	for _, status := range fleet.Statuses {
		n := counts[status]
		observability.SetAgentsByStatus(string(status), n)
		if _, err := d.recorder.RecordMetric(ctx, audit.Metric{
			Name:       "fleet.agents." + string(status),
			Value:      float64(n),
			Dimensions: map[string]string{"status": string(status)},
		}); err != nil {
			d.log().Warn().Err(err).Str("status", string(status)).Msg("Failed to record fleet metric")
		}
	}
	return nil
}
