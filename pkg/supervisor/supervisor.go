package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/metrics"
)

// Reaper releases abandoned leases on a queue
type Reaper interface {
	Reap(ctx context.Context, queue string) (int, error)
}

// Supervisor keeps a pool of worker processes alive and reaps the queues
type Supervisor struct {
	counts        map[Role]int
	spawner       Spawner
	reaper        Reaper
	queues        []string
	reapInterval  time.Duration
	maxRestarts   int
	restartWindow time.Duration
	newBackOff    func() backoff.BackOff
	now           func() time.Time
}

// NewSupervisor builds a supervisor for the process counts in cfg
func NewSupervisor(cfg *config.Config, spawner Spawner, reaper Reaper) *Supervisor {
	counts := map[Role]int{
		RoleScanner:  cfg.Supervisor.ScannerProcesses,
		RoleReporter: cfg.Supervisor.ReporterProcesses,
	}

	if cfg.Supervisor.EnableUI {
		counts[RoleUI] = 1
	}

	restartWindow := cfg.Supervisor.RestartWindowDuration()

	return &Supervisor{
		counts:        counts,
		spawner:       spawner,
		reaper:        reaper,
		queues:        []string{cfg.Queue.WorkQueue, cfg.Queue.ResultQueue},
		reapInterval:  cfg.Supervisor.ReapIntervalDuration(),
		maxRestarts:   cfg.Supervisor.MaxRestarts,
		restartWindow: restartWindow,
		newBackOff: func() backoff.BackOff {
			expBackoff := backoff.NewExponentialBackOff()
			expBackoff.InitialInterval = time.Second
			expBackoff.MaxInterval = max(restartWindow, time.Second)
			expBackoff.MaxElapsedTime = 0
			return expBackoff
		},
		now: time.Now,
	}
}

// Run starts every worker and the reaper. It blocks until ctx is done and
// every child has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, role := range Roles {
		count := s.counts[role]
		if count <= 0 {
			continue
		}

		logger.Info("starting workers: role=%q count=%d", role, count)
		limiter := s.restartLimiter()

		for range count {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.keepAlive(ctx, role, limiter)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reapLoop(ctx)
	}()

	wg.Wait()
	logger.Info("supervisor stopped")
	return nil
}

// restartLimiter allows maxRestarts per restartWindow for a role
func (s *Supervisor) restartLimiter() *rate.Limiter {
	if s.maxRestarts <= 0 || s.restartWindow <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	return rate.NewLimiter(rate.Every(s.restartWindow/time.Duration(s.maxRestarts)), s.maxRestarts)
}

// keepAlive runs one worker slot, replacing the child every time it exits
func (s *Supervisor) keepAlive(ctx context.Context, role Role, limiter *rate.Limiter) {
	restartBackoff := s.newBackOff()

	for {
		started := s.now()
		child, err := s.spawner.Spawn(ctx, role)

		if err != nil {
			logger.Error("could not spawn worker: role=%q error=%q", role, err)
		} else {
			pid := child.Pid()
			logger.Info("worker started: role=%q pid=%d", role, pid)
			err = child.Wait()

			if ctx.Err() != nil {
				logger.Info("worker stopped: role=%q pid=%d", role, pid)
				return
			}

			if err != nil {
				logger.Warning("worker exited: role=%q pid=%d error=%q", role, pid, err)
			} else {
				logger.Warning("worker exited: role=%q pid=%d", role, pid)
			}
		}

		if ctx.Err() != nil {
			return
		}

		if s.now().Sub(started) >= s.restartWindow {
			restartBackoff.Reset()
		}

		delay := restartBackoff.NextBackOff()
		if delay == backoff.Stop {
			restartBackoff.Reset()
			delay = restartBackoff.NextBackOff()
		}

		logger.Debug("respawning worker: role=%q delay=%q", role, delay)
		if !sleep(ctx, delay) {
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		metrics.WorkerRestarts.WithLabelValues(string(role)).Inc()
	}
}

func (s *Supervisor) reapLoop(ctx context.Context) {
	if err := ReapQueues(ctx, s.reaper, s.queues...); err != nil {
		logger.Error("reap failed: error=%q", err)
	}

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ReapQueues(ctx, s.reaper, s.queues...); err != nil {
				logger.Error("reap failed: error=%q", err)
			}
		}
	}
}

// ReapQueues runs one reap cycle over each queue. A failing queue does not
// stop the others.
func ReapQueues(ctx context.Context, reaper Reaper, queues ...string) error {
	var errs []error

	for _, queue := range queues {
		count, err := reaper.Reap(ctx, queue)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if count > 0 {
			metrics.ItemsReaped.WithLabelValues(queue).Add(float64(count))
			logger.Warning("reaped abandoned work items: queue=%q count=%d", queue, count)
		} else {
			logger.Debug("nothing to reap: queue=%q", queue)
		}
	}

	return errors.Join(errs...)
}

// sleep reports false when ctx finished first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
