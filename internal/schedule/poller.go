package schedule

import (
	"context"
	"log"
	"time"
)

// Executor fires all scheduled webhooks due at the given time.
type Executor interface {
	ExecuteScheduled(ctx context.Context, now time.Time) error
}

// Poller ticks at a fixed interval and drains due scheduled webhooks.
// With a Lock it coordinates across instances; without one it assumes a
// single instance and always runs.
type Poller struct {
	executor Executor
	lock     *Lock
	interval time.Duration
}

func NewPoller(executor Executor, lock *Lock, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{executor: executor, lock: lock, interval: interval}
}

// Run blocks until the context is canceled. The first cycle runs
// immediately, then one per interval.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			if p.lock != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := p.lock.Release(releaseCtx); err != nil {
					log.Printf("scheduler: release lease: %v", err)
				}
				cancel()
			}
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if p.lock != nil {
		acquired, err := p.lock.TryAcquire(ctx)
		if err != nil {
			log.Printf("scheduler: lease: %v", err)
			return
		}
		if !acquired {
			return
		}
	}
	if err := p.executor.ExecuteScheduled(ctx, time.Now()); err != nil {
		log.Printf("scheduler: execute due webhooks: %v", err)
	}
}
