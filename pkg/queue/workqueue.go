package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/id"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/response"
)

const (
	waitingSuffix    = "_waiting"
	processingSuffix = "_processing"
	deadSuffix       = "_dead"
)

// Lengths of the three lists behind a queue
type Lengths struct {
	Waiting    int64 `json:"waiting"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// WorkQueue provides at-least-once delivery with leases, bounded retries and
// a dead letter list on top of a Store
type WorkQueue struct {
	store        Store
	maxRetries   int
	leaseTimeout time.Duration
	now          func() time.Time
}

// NewWorkQueue returns a WorkQueue using the retry and lease settings from cfg
func NewWorkQueue(store Store, cfg config.Queue) *WorkQueue {
	return &WorkQueue{
		store:        store,
		maxRetries:   cfg.MaxRetries,
		leaseTimeout: cfg.LeaseTimeoutDuration(),
		now:          time.Now,
	}
}

// Store returns the underlying store
func (q *WorkQueue) Store() Store {
	return q.store
}

// Enqueue wraps payload in a new WorkItem and appends it to the queue
func (q *WorkQueue) Enqueue(ctx context.Context, queue string, payload any) (*WorkItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode payload: error=%w", err)
	}

	item := &WorkItem{
		ID:   id.ID(),
		Data: data,
	}

	raw, err := item.encode()
	if err != nil {
		return nil, err
	}

	if err := q.store.RPush(ctx, queue+waitingSuffix, raw); err != nil {
		return nil, err
	}

	item.raw = raw
	logger.Debug("enqueued work item: queue=%q id=%q", queue, item.ID)
	return item, nil
}

// Dequeue leases the next item of the queue. It returns nil without an error
// when nothing arrives before timeout.
func (q *WorkQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*WorkItem, error) {
	raw, ok, err := q.store.BLPop(ctx, timeout, queue+waitingSuffix)
	if err != nil || !ok {
		return nil, err
	}

	item, err := decodeWorkItem(raw)
	if err != nil {
		logger.Error("dead lettering undecodable work item: queue=%q error=%q", queue, err)
		return nil, q.store.RPush(ctx, queue+deadSuffix, raw)
	}

	item.Started = q.now().UnixMilli()
	item.Lease = id.ID()

	if item.raw, err = item.encode(); err != nil {
		return nil, err
	}

	if err := q.store.RPush(ctx, queue+processingSuffix, item.raw); err != nil {
		return nil, err
	}

	logger.Debug("leased work item: queue=%q id=%q retries=%d", queue, item.ID, item.Retries)
	return item, nil
}

// Ack releases a finished item. Acking an item that is no longer leased is
// not an error.
func (q *WorkQueue) Ack(ctx context.Context, queue string, item *WorkItem) error {
	raw, err := item.leased()
	if err != nil {
		return err
	}

	removed, err := q.store.LRem(ctx, queue+processingSuffix, raw)
	if err != nil {
		return err
	}

	if removed == 0 {
		logger.Warning("acked work item that was not leased: queue=%q id=%q", queue, item.ID)
	}

	return nil
}

// Fail releases the lease on item and either requeues it at the back of the
// queue or moves it to the dead letter list once it has been retried more
// than the max retries (or right away when immediate is set). It returns
// response.ErrLeaseLost without requeueing when the lease was already
// released elsewhere.
func (q *WorkQueue) Fail(ctx context.Context, queue string, item *WorkItem, immediate bool) error {
	raw, err := item.leased()
	if err != nil {
		return err
	}

	removed, err := q.store.LRem(ctx, queue+processingSuffix, raw)
	if err != nil {
		return err
	}

	if removed == 0 {
		return response.Errorf(response.LeaseLost, "work item is no longer leased: queue=%q id=%q", queue, item.ID)
	}

	item.Retries++
	item.Started = 0
	item.Lease = ""

	if item.raw, err = item.encode(); err != nil {
		return err
	}

	if immediate || item.Retries > q.maxRetries {
		logger.Warning("dead lettering work item: queue=%q id=%q retries=%d immediate=%t", queue, item.ID, item.Retries, immediate)
		return q.store.RPush(ctx, queue+deadSuffix, item.raw)
	}

	logger.Info("requeueing work item: queue=%q id=%q retries=%d", queue, item.ID, item.Retries)
	return q.store.RPush(ctx, queue+waitingSuffix, item.raw)
}

// Reap fails every leased item older than the lease timeout and returns how
// many were released. Items without a start time are treated as abandoned.
func (q *WorkQueue) Reap(ctx context.Context, queue string) (int, error) {
	values, err := q.store.LRange(ctx, queue+processingSuffix)
	if err != nil {
		return 0, err
	}

	now := q.now().UnixMilli()
	reaped := 0

	for _, raw := range values {
		item, err := decodeWorkItem(raw)
		if err != nil {
			logger.Error("dead lettering undecodable leased item: queue=%q error=%q", queue, err)
			if _, err := q.store.LRem(ctx, queue+processingSuffix, raw); err != nil {
				return reaped, err
			}
			if err := q.store.RPush(ctx, queue+deadSuffix, raw); err != nil {
				return reaped, err
			}
			continue
		}

		if item.Started != 0 && now-item.Started <= q.leaseTimeout.Milliseconds() {
			continue
		}

		logger.Warning("reaping abandoned work item: queue=%q id=%q started=%d", queue, item.ID, item.Started)
		if err := q.Fail(ctx, queue, item, false); err != nil {
			// Released by its holder between LRANGE and LREM
			if errors.Is(err, response.ErrLeaseLost) {
				continue
			}
			return reaped, err
		}
		reaped++
	}

	return reaped, nil
}

// Len reports the length of each list behind queue
func (q *WorkQueue) Len(ctx context.Context, queue string) (Lengths, error) {
	var lengths Lengths
	var err error

	if lengths.Waiting, err = q.store.LLen(ctx, queue+waitingSuffix); err != nil {
		return lengths, err
	}

	if lengths.Processing, err = q.store.LLen(ctx, queue+processingSuffix); err != nil {
		return lengths, err
	}

	lengths.Dead, err = q.store.LLen(ctx, queue+deadSuffix)
	return lengths, err
}

// ReleaseError filters the error of an Ack or Fail down to what should stop
// a worker. A lost lease means another worker owns the item now and a done
// context leaves the lease for the reaper.
func ReleaseError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, response.ErrLeaseLost):
		logger.Warning("lease was released elsewhere: %v", err)
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return err
	}
}
