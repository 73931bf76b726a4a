package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/vendazap/vendazap/internal/bot/fleet"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/config"
	"github.com/vendazap/vendazap/internal/flow"
	paymentservice "github.com/vendazap/vendazap/internal/payment/service"
	"github.com/vendazap/vendazap/internal/remarketing"
	"github.com/vendazap/vendazap/internal/server"
	subscriptionservice "github.com/vendazap/vendazap/internal/subscription/service"
)

const (
	tickInterval     = 5 * time.Second
	drainInterval    = 15 * time.Second
	heartbeatAuditIv = time.Minute
	jobTimeout       = 30 * time.Second
)

type Params struct {
	fx.In

	Cfg           config.Config
	Log           *zap.Logger
	Payments      *paymentservice.Service
	Subscriptions *subscriptionservice.Service
	Remarketing   *remarketing.Service
	Flow          *flow.Engine
	Fleet         *fleet.Manager
	Clock         clock.Clock
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
	nextRun  time.Time
}

// Scheduler drives every background loop: payment reconciliation and
// expiry, subscription sweeps, remarketing scans and drains, and the
// bot heartbeat audit. One goroutine, per-job intervals.
type Scheduler struct {
	log     *zap.Logger
	clock   clock.Clock
	jobs    []*job
	running atomic.Bool
}

func New(p Params) *Scheduler {
	s := &Scheduler{
		log:   p.Log.Named("scheduler"),
		clock: p.Clock,
	}
	s.jobs = []*job{
		{name: "payment_reconcile", interval: p.Cfg.ReconcileInterval, run: p.Payments.Reconcile},
		{name: "payment_expire", interval: p.Cfg.SweepInterval, run: p.Payments.ExpirePending},
		{name: "subscription_expiring", interval: p.Cfg.SweepInterval, run: p.Subscriptions.SweepExpiring},
		{name: "subscription_pending", interval: p.Cfg.SweepInterval, run: p.Subscriptions.SweepPending},
		{name: "subscription_retry", interval: p.Cfg.SweepInterval, run: p.Subscriptions.SweepRetryFailed},
		{name: "remarketing_scan", interval: p.Cfg.SweepInterval, run: p.Remarketing.ScanCampaigns},
		{name: "remarketing_drain", interval: drainInterval, run: p.Remarketing.Drain},
		{name: "flow_delay_resume", interval: tickInterval, run: p.Flow.ResumeDue},
		{name: "heartbeat_audit", interval: heartbeatAuditIv, run: p.Fleet.AuditHeartbeats},
	}
	return s
}

func (s *Scheduler) runJob(parent context.Context, j *job) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	err := j.run(ctx)
	elapsed := time.Since(start)
	if err == nil {
		if elapsed > jobTimeout/2 {
			s.log.Info("job finished slowly",
				zap.String("job", j.name),
				zap.Duration("elapsed", elapsed),
			)
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", j.name),
			zap.Duration("timeout", jobTimeout),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// RunOnce executes every job whose interval elapsed.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clock.Now()
	var err error
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		j.nextRun = now.Add(j.interval)
		err = errors.Join(err, s.runJob(ctx, j))
	}
	return err
}

// Running reports whether the background loop is live. The health
// endpoint surfaces it as the workers component.
func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) RunForever(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func run(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Provide(func(s *Scheduler) server.Workers { return s }),
	fx.Invoke(run),
)
