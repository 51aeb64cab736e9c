package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/fatih/semgroup"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/fs"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/metrics"
	"github.com/leaktk/nps/pkg/plugin"
	"github.com/leaktk/nps/pkg/queue"
	"github.com/leaktk/nps/pkg/stager"
)

// Scanner leases archive paths from the work queue, stages them and runs
// every plugin over the extracted files
type Scanner struct {
	queue       *queue.WorkQueue
	stager      *stager.Stager
	plugins     []plugin.Plugin
	workQueue   string
	pollTimeout time.Duration
}

// NewScanner returns a scanner ready to Run
func NewScanner(cfg *config.Config, wq *queue.WorkQueue, s *stager.Stager, plugins []plugin.Plugin) *Scanner {
	return &Scanner{
		queue:       wq,
		stager:      s,
		plugins:     plugins,
		workQueue:   cfg.Queue.WorkQueue,
		pollTimeout: cfg.Queue.PollTimeoutDuration(),
	}
}

// Run polls the work queue until ctx is done. It only returns an error when
// the queue store fails.
func (s *Scanner) Run(ctx context.Context) error {
	logger.Info("scanner listening: queue=%q plugins=%d", s.workQueue, len(s.plugins))

	for ctx.Err() == nil {
		item, err := s.queue.Dequeue(ctx, s.workQueue, s.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}

		if item == nil {
			continue
		}

		if err := s.Handle(ctx, item); err != nil {
			return err
		}
	}

	logger.Info("scanner stopped: queue=%q", s.workQueue)
	return nil
}

// Handle scans one leased item and acks or fails it. Scan errors are
// absorbed into the retry path; only queue errors are returned.
func (s *Scanner) Handle(ctx context.Context, item *queue.WorkItem) error {
	var archivePath string
	if err := item.Decode(&archivePath); err != nil {
		logger.Error("invalid work item: %v", err)
		return queue.ReleaseError(ctx, s.queue.Fail(ctx, s.workQueue, item, true))
	}

	start := time.Now()
	err := s.Scan(ctx, archivePath)
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ScansTotal.WithLabelValues("failed").Inc()
		logger.Error("scan failed: path=%q id=%q retries=%d error=%q", archivePath, item.ID, item.Retries, err)
		return queue.ReleaseError(ctx, s.queue.Fail(ctx, s.workQueue, item, false))
	}

	metrics.ScansTotal.WithLabelValues("ok").Inc()
	logger.Info("scan complete: path=%q id=%q duration=%s", archivePath, item.ID, time.Since(start))
	return queue.ReleaseError(ctx, s.queue.Ack(ctx, s.workQueue, item))
}

// Scan stages archivePath, runs the plugins over it and always unstages it
func (s *Scanner) Scan(ctx context.Context, archivePath string) (err error) {
	logger.Info("staging archive: path=%q", archivePath)

	dir, err := s.stager.Stage(ctx, archivePath)
	if len(dir) > 0 {
		defer func() {
			if unstageErr := s.stager.Unstage(dir); unstageErr != nil {
				err = errors.Join(err, unstageErr)
			}
		}()
	}
	if err != nil {
		return err
	}

	files, err := fs.ListFiles(dir)
	if err != nil {
		return fmt.Errorf("could not list staged files: path=%q error=%w", dir, err)
	}

	name, version := ResolveIdentity(dir, files, archivePath)
	target := &plugin.ScanTarget{
		Name:        name,
		Version:     version,
		TarballPath: archivePath,
		Root:        dir,
		TargetFiles: files,
	}

	logger.Debug("scanning target: name=%q version=%q files=%d", name, version, len(files))
	return s.runPlugins(ctx, target)
}

// runPlugins runs every plugin concurrently and waits for all of them. One
// plugin failing does not stop the others.
func (s *Scanner) runPlugins(ctx context.Context, target *plugin.ScanTarget) error {
	group := semgroup.NewGroup(ctx, int64(max(len(s.plugins), 1)))

	for _, p := range s.plugins {
		group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("plugin panicked: plugin=%q panic=%q stack=%q", p.Name(), r, debug.Stack())
					err = fmt.Errorf("plugin panicked: plugin=%q panic=%v", p.Name(), r)
				}
				if err != nil {
					metrics.PluginErrors.WithLabelValues(p.Name()).Inc()
				}
			}()

			if err := p.Scan(ctx, target); err != nil {
				return fmt.Errorf("plugin failed: plugin=%q error=%w", p.Name(), err)
			}

			return nil
		})
	}

	return group.Wait()
}
