package plugin

import (
	"context"
	"fmt"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/metrics"
	"github.com/leaktk/nps/pkg/queue"
	"github.com/leaktk/nps/pkg/response"
)

// QueueEmitter enqueues findings on the result queue in batches. Each queue
// item carries a JSON array of up to batchSize findings.
type QueueEmitter struct {
	queue     *queue.WorkQueue
	name      string
	batchSize int
}

// NewQueueEmitter returns an emitter writing to the result queue from cfg
func NewQueueEmitter(wq *queue.WorkQueue, cfg config.Queue) *QueueEmitter {
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	return &QueueEmitter{
		queue:     wq,
		name:      cfg.ResultQueue,
		batchSize: batchSize,
	}
}

// Emit enqueues findings and returns the first enqueue error
func (e *QueueEmitter) Emit(ctx context.Context, findings []*response.Finding) error {
	for start := 0; start < len(findings); start += e.batchSize {
		end := min(start+e.batchSize, len(findings))
		batch := findings[start:end]

		if _, err := e.queue.Enqueue(ctx, e.name, batch); err != nil {
			return fmt.Errorf("could not emit findings: queue=%q error=%w", e.name, err)
		}

		for _, finding := range batch {
			metrics.FindingsEmitted.WithLabelValues(finding.FoundBy).Inc()
		}
	}

	return nil
}
