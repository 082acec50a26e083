package distributor

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// reaper is the Expiration Reaper: a periodic 1 Hz task that walks
// connections, sends heartbeats when idle, closes connections whose
// heartbeat has gone unanswered past the connection-response timeout, and
// completes outstanding calls whose per-call deadline has elapsed.
//
// Built on gocron, configured here to run single-tick, singleton-mode jobs
// at a fixed 1 Hz interval instead of a cron expression.
type reaper struct {
	d      *Distributor
	logger *zap.Logger
	cron   gocron.Scheduler
}

func newReaper(d *Distributor) *reaper {
	logger := d.logger.Named("reaper")

	cron, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(1, gocron.LimitModeReschedule))
	if err != nil {
		// gocron.NewScheduler only fails on misconfiguration of options we
		// control ourselves above, so this is unreachable in practice; we
		// still degrade to a nil scheduler rather than panic, and log it.
		logger.Error("failed to create reaper scheduler, expiration reaping is disabled", zap.Error(err))
		return &reaper{d: d, logger: logger}
	}

	return &reaper{d: d, logger: logger, cron: cron}
}

func (r *reaper) start() {
	if r.cron == nil {
		return
	}

	_, err := r.cron.NewJob(
		gocron.DurationJob(1*time.Second),
		gocron.NewTask(r.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		r.logger.Error("failed to register reaper tick job", zap.Error(err))
		return
	}

	r.cron.Start()
}

func (r *reaper) stop() {
	if r.cron == nil {
		return
	}
	if err := r.cron.Shutdown(); err != nil {
		r.logger.Warn("reaper shutdown error", zap.Error(err))
	}
}

// tick runs the reap steps for every connection, snapshotted
// under the pool lock and then walked under each connection's own lock.
// Traversal order is arbitrary but deterministic within a single tick
// (slice order), so behavior stays deterministic under test.
func (r *reaper) tick() {
	r.d.mu.Lock()
	conns := append([]*Connection(nil), r.d.connections...)
	r.d.mu.Unlock()

	timeout := r.d.cfg.ConnectionResponseTimeout
	callTimeout := r.d.cfg.ProcedureCallTimeout

	now := time.Now()
	for _, c := range conns {
		idle := c.idleFor(now)

		switch {
		case c.isHeartbeatOutstanding() && idle > timeout:
			r.logger.Warn("connection heartbeat timed out, closing",
				zap.String("hostname", c.hostname),
				zap.Int("port", c.port),
				zap.Duration("idle", idle),
			)
			c.closeWithCause(StatusConnectionTimeout)

		case !c.isHeartbeatOutstanding() && idle > timeout/3:
			c.sendHeartbeat()
		}

		c.reapExpired(callTimeout)
	}
}
