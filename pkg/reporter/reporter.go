package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/id"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/metrics"
	"github.com/leaktk/nps/pkg/queue"
	"github.com/leaktk/nps/pkg/response"
)

// Reporter drains the result queue into a FindingStore
type Reporter struct {
	queue       *queue.WorkQueue
	store       FindingStore
	resultQueue string
	stagingRoot string
	pollTimeout time.Duration
}

// NewReporter returns a reporter ready to Run
func NewReporter(cfg *config.Config, wq *queue.WorkQueue, store FindingStore) *Reporter {
	stagingRoot, err := filepath.Abs(cfg.Staging.Path)
	if err != nil {
		stagingRoot = filepath.Clean(cfg.Staging.Path)
	}

	return &Reporter{
		queue:       wq,
		store:       store,
		resultQueue: cfg.Queue.ResultQueue,
		stagingRoot: stagingRoot,
		pollTimeout: cfg.Queue.PollTimeoutDuration(),
	}
}

// FindingID is the dedup key of a finding. Scanning the same package with
// the same rules always yields the same IDs.
func FindingID(f *response.Finding) string {
	return id.ID(f.PackageName, f.PackageVersion, f.FoundBy, strconv.Itoa(f.LineNumber), f.Key)
}

// Run polls the result queue until ctx is done. It only returns an error
// when the queue store fails.
func (r *Reporter) Run(ctx context.Context) error {
	logger.Info("reporter listening: queue=%q", r.resultQueue)

	for ctx.Err() == nil {
		item, err := r.queue.Dequeue(ctx, r.resultQueue, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}

		if item == nil {
			continue
		}

		if err := r.Handle(ctx, item); err != nil {
			return err
		}
	}

	logger.Info("reporter stopped: queue=%q", r.resultQueue)
	return nil
}

// Handle persists every finding of one leased item and acks or fails it
func (r *Reporter) Handle(ctx context.Context, item *queue.WorkItem) error {
	findings, err := decodeFindings(item.Data)
	if err != nil {
		logger.Error("invalid result item: id=%q error=%q", item.ID, err)
		return queue.ReleaseError(ctx, r.queue.Fail(ctx, r.resultQueue, item, true))
	}

	if err := r.Persist(ctx, findings); err != nil {
		logger.Error("could not persist findings: id=%q retries=%d error=%q", item.ID, item.Retries, err)
		return queue.ReleaseError(ctx, r.queue.Fail(ctx, r.resultQueue, item, false))
	}

	return queue.ReleaseError(ctx, r.queue.Ack(ctx, r.resultQueue, item))
}

// Persist normalizes and inserts findings. Findings already stored are
// skipped.
func (r *Reporter) Persist(ctx context.Context, findings []*response.Finding) error {
	for _, finding := range findings {
		if finding == nil {
			continue
		}

		r.normalize(finding)

		inserted, err := r.store.Insert(ctx, finding)
		if err != nil {
			return err
		}

		if inserted {
			metrics.FindingsPersisted.WithLabelValues("inserted").Inc()
			logger.Debug("saved finding: package=%q version=%q plugin=%q id=%q",
				finding.PackageName, finding.PackageVersion, finding.FoundBy, finding.ID)
		} else {
			metrics.FindingsPersisted.WithLabelValues("duplicate").Inc()
		}
	}

	return nil
}

// normalize maps a queued finding onto the stored shape
func (r *Reporter) normalize(f *response.Finding) {
	f.FilePath = r.stagedRelPath(f.FilePath)
	f.TarballName = filepath.Base(f.TarballName)
	f.ID = FindingID(f)
	// Moderation flags only come from the admin API
	f.Ignore = false
	f.FalsePositive = false
}

// stagedRelPath strips the staging root and the per archive directory from
// absolute staged paths
func (r *Reporter) stagedRelPath(path string) string {
	prefix := r.stagingRoot + string(filepath.Separator)
	if !strings.HasPrefix(path, prefix) {
		return path
	}

	rel := strings.TrimPrefix(path, prefix)
	if _, inner, ok := strings.Cut(rel, string(filepath.Separator)); ok {
		return filepath.ToSlash(inner)
	}

	return filepath.ToSlash(rel)
}

// decodeFindings accepts a batch (JSON array) or a single finding. Null
// entries are dropped and a batch holding nothing but nulls is an error.
func decodeFindings(data json.RawMessage) ([]*response.Finding, error) {
	var batch []*response.Finding
	if err := json.Unmarshal(data, &batch); err == nil {
		if batch == nil {
			return nil, fmt.Errorf("could not decode findings: null result")
		}

		findings := make([]*response.Finding, 0, len(batch))
		for _, finding := range batch {
			if finding != nil {
				findings = append(findings, finding)
			}
		}

		if len(batch) > 0 && len(findings) == 0 {
			return nil, fmt.Errorf("could not decode findings: batch only holds null entries")
		}

		return findings, nil
	}

	var finding response.Finding
	if err := json.Unmarshal(data, &finding); err != nil {
		return nil, fmt.Errorf("could not decode findings: %w", err)
	}

	return []*response.Finding{&finding}, nil
}
