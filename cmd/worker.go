package cmd

import (
	"context"
	"fmt"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/plugin"
	"github.com/leaktk/nps/pkg/queue"
	"github.com/leaktk/nps/pkg/reporter"
	"github.com/leaktk/nps/pkg/scanner"
	"github.com/leaktk/nps/pkg/stager"
	"github.com/leaktk/nps/pkg/supervisor"
	"github.com/leaktk/nps/pkg/ui"

	// Plugins register themselves on import
	_ "github.com/leaktk/nps/pkg/plugin/gitleaks"
	_ "github.com/leaktk/nps/pkg/plugin/grep"
)

// startWorker runs the loop for role until ctx is done
func startWorker(ctx context.Context, cfg *config.Config, role supervisor.Role) error {
	logger.SetField("role", string(role))
	logger.Info("worker starting")

	switch role {
	case supervisor.RoleScanner:
		return startScanner(ctx, cfg)
	case supervisor.RoleReporter:
		return startReporter(ctx, cfg)
	case supervisor.RoleUI:
		return startUI(ctx, cfg)
	default:
		return fmt.Errorf("unsupported worker role: role=%q", role)
	}
}

func startScanner(ctx context.Context, cfg *config.Config) error {
	store, err := queue.ConnectWithRetry(ctx, cfg.Queue.RedisURL, connectTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	wq := queue.NewWorkQueue(store, cfg.Queue)

	s, err := stager.NewStager(cfg.Staging)
	if err != nil {
		return err
	}

	ruleSets, err := plugin.LoadRuleSets(cfg.Plugins.RulesetPath)
	if err != nil {
		return err
	}

	plugins, err := plugin.LoadPlugins(cfg, ruleSets, plugin.NewQueueEmitter(wq, cfg.Queue))
	if err != nil {
		return err
	}

	return scanner.NewScanner(cfg, wq, s, plugins).Run(ctx)
}

func startReporter(ctx context.Context, cfg *config.Config) error {
	store, err := queue.ConnectWithRetry(ctx, cfg.Queue.RedisURL, connectTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	findingStore, err := reporter.Open(ctx, cfg.Reporter)
	if err != nil {
		return err
	}
	defer findingStore.Close()

	return reporter.NewReporter(cfg, queue.NewWorkQueue(store, cfg.Queue), findingStore).Run(ctx)
}

// startUI serves the admin API. Queue lengths are left out of the stats if
// the queue store can't be reached.
func startUI(ctx context.Context, cfg *config.Config) error {
	findingStore, err := reporter.Open(ctx, cfg.Reporter)
	if err != nil {
		return err
	}
	defer findingStore.Close()

	var stats ui.QueueStats
	if store, err := queue.NewRedisStore(cfg.Queue.RedisURL); err != nil {
		logger.Warning("queue stats disabled: error=%q", err)
	} else {
		defer store.Close()
		stats = queue.NewWorkQueue(store, cfg.Queue)
	}

	return ui.NewServer(cfg, findingStore, stats).Run(ctx)
}
