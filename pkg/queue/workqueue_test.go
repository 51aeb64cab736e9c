package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/response"
)

const testQueue = "tarballs"

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func newTestQueue(t *testing.T) (*WorkQueue, *miniredis.Miniredis, *testClock) {
	t.Helper()

	m := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + m.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	q := NewWorkQueue(store, config.DefaultConfig().Queue)
	q.now = clock.Now

	return q, m, clock
}

func dequeue(t *testing.T, q *WorkQueue) *WorkItem {
	t.Helper()

	item, err := q.Dequeue(context.Background(), testQueue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func payload(t *testing.T, item *WorkItem) string {
	t.Helper()

	var path string
	require.NoError(t, item.Decode(&path))
	return path
}

func TestWorkQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("FIFO", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		for _, path := range []string{"a.tgz", "b.tgz", "c.tgz"} {
			_, err := q.Enqueue(ctx, testQueue, path)
			require.NoError(t, err)
		}

		assert.Equal(t, "a.tgz", payload(t, dequeue(t, q)))
		assert.Equal(t, "b.tgz", payload(t, dequeue(t, q)))
		assert.Equal(t, "c.tgz", payload(t, dequeue(t, q)))
	})

	t.Run("DequeueTimeout", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		item, err := q.Dequeue(ctx, testQueue, time.Second)
		assert.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("DequeueLeases", func(t *testing.T) {
		q, m, clock := newTestQueue(t)

		enqueued, err := q.Enqueue(ctx, testQueue, "a.tgz")
		require.NoError(t, err)

		item := dequeue(t, q)
		assert.Equal(t, enqueued.ID, item.ID)
		assert.Equal(t, clock.now.UnixMilli(), item.Started)
		assert.Len(t, item.Lease, 64)

		processing, err := m.List(testQueue + processingSuffix)
		require.NoError(t, err)
		assert.Equal(t, []string{item.raw}, processing)
	})

	t.Run("AckThenReap", func(t *testing.T) {
		q, m, clock := newTestQueue(t)

		_, err := q.Enqueue(ctx, testQueue, "a.tgz")
		require.NoError(t, err)

		item := dequeue(t, q)
		require.NoError(t, q.Ack(ctx, testQueue, item))

		clock.now = clock.now.Add(time.Hour)
		reaped, err := q.Reap(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, 0, reaped)

		lengths, err := q.Len(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, Lengths{}, lengths)
		assert.False(t, m.Exists(testQueue+waitingSuffix))
	})

	t.Run("AckIsIdempotent", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		_, err := q.Enqueue(ctx, testQueue, "a.tgz")
		require.NoError(t, err)

		item := dequeue(t, q)
		assert.NoError(t, q.Ack(ctx, testQueue, item))
		assert.NoError(t, q.Ack(ctx, testQueue, item))
	})

	t.Run("FailImmediate", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		_, err := q.Enqueue(ctx, testQueue, "a.tgz")
		require.NoError(t, err)

		item := dequeue(t, q)
		require.NoError(t, q.Fail(ctx, testQueue, item, true))

		lengths, err := q.Len(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, Lengths{Dead: 1}, lengths)
	})

	t.Run("FailRequeuesUntilMaxRetries", func(t *testing.T) {
		q, m, _ := newTestQueue(t)

		enqueued, err := q.Enqueue(ctx, testQueue, "a.tgz")
		require.NoError(t, err)

		for i := 1; i <= q.maxRetries; i++ {
			item := dequeue(t, q)
			assert.Equal(t, enqueued.ID, item.ID)
			require.NoError(t, q.Fail(ctx, testQueue, item, false))

			lengths, err := q.Len(ctx, testQueue)
			require.NoError(t, err)
			assert.Equal(t, Lengths{Waiting: 1}, lengths, "failure %d", i)
		}

		item := dequeue(t, q)
		assert.Equal(t, q.maxRetries, item.Retries)
		require.NoError(t, q.Fail(ctx, testQueue, item, false))

		lengths, err := q.Len(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, Lengths{Dead: 1}, lengths)

		dead, err := m.List(testQueue + deadSuffix)
		require.NoError(t, err)
		deadItem, err := decodeWorkItem(dead[0])
		require.NoError(t, err)
		assert.Equal(t, enqueued.ID, deadItem.ID)
		assert.Equal(t, q.maxRetries+1, deadItem.Retries)
		assert.Zero(t, deadItem.Started)
		assert.Empty(t, deadItem.Lease)
	})

	t.Run("RequeuedItemsMoveToTheBack", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		for _, path := range []string{"a.tgz", "b.tgz"} {
			_, err := q.Enqueue(ctx, testQueue, path)
			require.NoError(t, err)
		}

		require.NoError(t, q.Fail(ctx, testQueue, dequeue(t, q), false))
		assert.Equal(t, "b.tgz", payload(t, dequeue(t, q)))
		assert.Equal(t, "a.tgz", payload(t, dequeue(t, q)))
	})

	t.Run("ReapOnlyExpired", func(t *testing.T) {
		q, _, clock := newTestQueue(t)

		for _, path := range []string{"old.tgz", "new.tgz"} {
			_, err := q.Enqueue(ctx, testQueue, path)
			require.NoError(t, err)
		}

		dequeue(t, q)
		clock.now = clock.now.Add(q.leaseTimeout)
		recent := dequeue(t, q)
		clock.now = clock.now.Add(time.Second)

		reaped, err := q.Reap(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, 1, reaped)

		lengths, err := q.Len(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, Lengths{Waiting: 1, Processing: 1}, lengths)

		// The recent lease is still valid
		assert.NoError(t, q.Ack(ctx, testQueue, recent))

		requeued := dequeue(t, q)
		assert.Equal(t, "old.tgz", payload(t, requeued))
		assert.Equal(t, 1, requeued.Retries)
	})

	t.Run("StaleLeaseCannotRequeue", func(t *testing.T) {
		q, _, clock := newTestQueue(t)

		_, err := q.Enqueue(ctx, testQueue, "a.tgz")
		require.NoError(t, err)

		stale := dequeue(t, q)
		clock.now = clock.now.Add(q.leaseTimeout + time.Second)
		reaped, err := q.Reap(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, 1, reaped)

		fresh := dequeue(t, q)
		assert.Equal(t, stale.ID, fresh.ID)
		assert.NotEqual(t, stale.Lease, fresh.Lease)

		// The stale holder wakes up and releases its old lease
		assert.ErrorIs(t, q.Fail(ctx, testQueue, stale, false), response.ErrLeaseLost)
		assert.NoError(t, q.Ack(ctx, testQueue, stale))

		lengths, err := q.Len(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, Lengths{Processing: 1}, lengths)

		require.NoError(t, q.Ack(ctx, testQueue, fresh))
		lengths, err = q.Len(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, Lengths{}, lengths)
	})

	t.Run("LegacyItems", func(t *testing.T) {
		q, m, _ := newTestQueue(t)

		_, err := m.Lpush(testQueue+waitingSuffix, `{"id":"legacy","data":"a.tgz"}`)
		require.NoError(t, err)

		item := dequeue(t, q)
		assert.Equal(t, "legacy", item.ID)
		assert.Equal(t, 0, item.Retries)
		assert.Equal(t, "a.tgz", payload(t, item))
	})

	t.Run("UndecodableItemsAreDeadLettered", func(t *testing.T) {
		q, _, _ := newTestQueue(t)

		require.NoError(t, q.Store().RPush(ctx, testQueue+waitingSuffix, "not json"))
		item, err := q.Dequeue(ctx, testQueue, time.Second)
		assert.NoError(t, err)
		assert.Nil(t, item)

		lengths, err := q.Len(ctx, testQueue)
		require.NoError(t, err)
		assert.Equal(t, Lengths{Dead: 1}, lengths)
	})

	t.Run("StoreUnavailable", func(t *testing.T) {
		q, m, _ := newTestQueue(t)
		m.Close()

		_, err := q.Enqueue(ctx, testQueue, "a.tgz")
		assert.ErrorIs(t, err, response.ErrStoreUnavailable)
	})
}

func TestConnectWithRetry(t *testing.T) {
	t.Run("Connects", func(t *testing.T) {
		m := miniredis.RunT(t)
		store, err := ConnectWithRetry(context.Background(), "redis://"+m.Addr(), time.Second)
		require.NoError(t, err)
		assert.NoError(t, store.Close())
	})

	t.Run("GivesUp", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := ConnectWithRetry(ctx, "redis://127.0.0.1:1", time.Second)
		assert.ErrorIs(t, err, response.ErrStoreUnavailable)
	})

	t.Run("InvalidURL", func(t *testing.T) {
		_, err := ConnectWithRetry(context.Background(), "mysql://nope", time.Second)
		assert.ErrorContains(t, err, "invalid redis url")
	})
}
