package refulearn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRetryBase  = 2 * time.Second
	DefaultMaxBackoff = 5 * time.Minute
)

// SyncQueueOptions configures a SyncQueue.
type SyncQueueOptions struct {
	RetryBase  time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger
	Metrics    *Metrics
}

// SyncQueue is the durable, ordered list of mutations waiting for the server.
// Items are removed only after a 2xx acknowledgement; every failure leaves the
// item in place for the next drain, so delivery is at-least-once. Replays
// carry the item's Idempotency-Key header.
type SyncQueue struct {
	store   Store
	gw      *Gateway
	logger  *zap.Logger
	metrics *Metrics
	base    time.Duration
	max     time.Duration
	now     func() time.Time
	emit    func(event string, payload any)

	mu       sync.Mutex
	loaded   bool
	seq      int64
	draining bool
}

// NewSyncQueue creates a queue that persists into store and replays through
// gw. The gateway's Submit queues into it from then on.
func NewSyncQueue(store Store, gw *Gateway, opts *SyncQueueOptions) *SyncQueue {
	q := &SyncQueue{
		store:  store,
		gw:     gw,
		logger: zap.NewNop(),
		base:   DefaultRetryBase,
		max:    DefaultMaxBackoff,
		now:    time.Now,
		emit:   func(string, any) {},
	}
	if opts != nil {
		if opts.Logger != nil {
			q.logger = opts.Logger
		}
		q.metrics = opts.Metrics
		if opts.RetryBase > 0 {
			q.base = opts.RetryBase
		}
		if opts.MaxBackoff > 0 {
			q.max = opts.MaxBackoff
		}
	}
	if q.max < q.base {
		q.max = q.base
	}
	if gw != nil {
		gw.queue = q
	}
	return q
}

func seqKey(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// Load restores the sequence counter and returns items left in-flight by a
// previous process to pending. It runs implicitly before the first use.
func (q *SyncQueue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *SyncQueue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	items, err := listInto[QueueItem](ctx, q.store, CollSyncQueue)
	if err != nil {
		return fmt.Errorf("load sync queue: %w", err)
	}
	reset := 0
	for _, it := range items {
		if it.Seq > q.seq {
			q.seq = it.Seq
		}
		if it.Status == StatusInFlight {
			it.Status = StatusPending
			if err := q.store.Put(ctx, CollSyncQueue, seqKey(it.Seq), it); err != nil {
				return fmt.Errorf("reset in-flight item %s: %w", it.ID, err)
			}
			reset++
		}
	}
	if reset > 0 {
		q.logger.Info("reset interrupted queue items", zap.Int("count", reset))
	}
	q.loaded = true
	q.metrics.queueDepth(len(items))
	return nil
}

// Enqueue appends a mutation. A store failure is returned: a mutation must
// never be silently lost.
func (q *SyncQueue) Enqueue(ctx context.Context, m Mutation) (*QueueItem, error) {
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}
	payload, err := encodePayload(m.Payload)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if err := q.loadLocked(ctx); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.seq++
	item := &QueueItem{
		ID:             uuid.NewString(),
		Seq:            q.seq,
		Kind:           m.Kind,
		Method:         m.Method,
		Path:           m.Path,
		Payload:        payload,
		IdempotencyKey: m.IdempotencyKey,
		Status:         StatusPending,
		CreatedAt:      q.now().UTC(),
	}
	if item.IdempotencyKey == "" {
		item.IdempotencyKey = "refulearn-" + item.ID
	}
	err = q.store.Put(ctx, CollSyncQueue, seqKey(item.Seq), item)
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s %s: %w", item.Method, item.Path, err)
	}

	q.logger.Debug("mutation enqueued",
		zap.String("queueID", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("path", item.Path),
	)
	q.refreshDepth(ctx)
	q.emit("queue.enqueued", item)
	return item, nil
}

// Items returns every queued item in enqueue order.
func (q *SyncQueue) Items(ctx context.Context) ([]QueueItem, error) {
	return listInto[QueueItem](ctx, q.store, CollSyncQueue)
}

// Size returns the number of queued items, failed ones included.
func (q *SyncQueue) Size(ctx context.Context) int {
	raw, err := q.store.List(ctx, CollSyncQueue)
	if err != nil {
		q.logger.Warn("count queue items", zap.Error(err))
		return 0
	}
	return len(raw)
}

func (q *SyncQueue) refreshDepth(ctx context.Context) {
	if q.metrics != nil {
		q.metrics.queueDepth(q.Size(ctx))
	}
}

// Drain replays due items in enqueue order. Items still in backoff are left
// for a later cycle, and failed items wait for Retry. A concurrent call returns immediately with Skipped set.
func (q *SyncQueue) Drain(ctx context.Context) (DrainResult, error) {
	return q.drain(ctx, true)
}

// DrainAll replays every pending item, ignoring backoff.
func (q *SyncQueue) DrainAll(ctx context.Context) (DrainResult, error) {
	return q.drain(ctx, false)
}

func (q *SyncQueue) drain(ctx context.Context, honorBackoff bool) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	if err := q.loadLocked(ctx); err != nil {
		q.mu.Unlock()
		return DrainResult{}, err
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	items, err := q.Items(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	var result DrainResult
	if len(items) == 0 {
		return result, nil
	}
	if !q.gw.IsOnline() {
		result.Remaining = len(items)
		return result, ErrOffline
	}

	q.logger.Debug("draining sync queue", zap.Int("itemCount", len(items)))

	now := q.now()
	for i := range items {
		it := &items[i]
		if err := ctx.Err(); err != nil {
			q.refreshDepth(context.Background())
			result.Remaining = q.Size(context.Background())
			return result, err
		}
		if it.Status == StatusFailed {
			result.Parked++
			q.logger.Warn("queue item parked until retried",
				zap.String("queueID", it.ID),
				zap.String("kind", string(it.Kind)),
				zap.String("path", it.Path),
				zap.String("lastError", it.LastError),
			)
			continue
		}
		if honorBackoff && !it.NextAttemptAt.IsZero() && now.Before(it.NextAttemptAt) {
			result.Deferred++
			continue
		}
		if err := q.replay(ctx, it); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				result.Remaining = q.Size(context.Background())
				return result, err
			}
			result.Failed++
			continue
		}
		result.Sent++
	}

	result.Remaining = q.Size(ctx)
	q.metrics.queueDepth(result.Remaining)
	q.logger.Info("sync queue drained",
		zap.Int("successCount", result.Sent),
		zap.Int("failureCount", result.Failed),
		zap.Int("deferredCount", result.Deferred),
		zap.Int("parkedCount", result.Parked),
		zap.Int("remaining", result.Remaining),
	)
	q.emit("queue.drained", result)
	return result, nil
}

// replay sends one item. It returns nil only when the item was acknowledged.
func (q *SyncQueue) replay(ctx context.Context, it *QueueItem) error {
	key := seqKey(it.Seq)
	it.Status = StatusInFlight
	if err := q.store.Put(ctx, CollSyncQueue, key, it); err != nil {
		q.logger.Error("mark queue item in-flight", zap.String("queueID", it.ID), zap.Error(err))
		return err
	}

	header := http.Header{"Idempotency-Key": []string{it.IdempotencyKey}}
	resp, err := q.gw.send(ctx, it.Method, it.Path, it.Payload, header)
	if err == nil && resp.OK() {
		if rmErr := q.store.Remove(ctx, CollSyncQueue, key); rmErr != nil {
			// The item stays and is replayed again; the idempotency key
			// makes the duplicate harmless.
			q.logger.Error("remove acknowledged queue item", zap.String("queueID", it.ID), zap.Error(rmErr))
		}
		q.metrics.replay(it.Kind, "sent")
		q.emit("queue.sent", QueueEvent{Item: *it, Response: resp})
		return nil
	}

	cause := err
	if cause == nil {
		cause = statusError(it.Method, it.Path, resp)
	}
	// Cancellation is not the item's fault: put it back untouched.
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		it.Status = StatusPending
		_ = q.store.Put(context.Background(), CollSyncQueue, key, it)
		return cause
	}

	it.Attempts++
	it.LastError = cause.Error()
	outcome := "retry"
	if IsRetryable(cause) {
		it.Status = StatusPending
		it.NextAttemptAt = q.now().Add(q.Backoff(it.Attempts)).UTC()
	} else {
		it.Status = StatusFailed
		it.NextAttemptAt = time.Time{}
		outcome = "rejected"
	}
	if err := q.store.Put(ctx, CollSyncQueue, key, it); err != nil {
		q.logger.Error("update failed queue item", zap.String("queueID", it.ID), zap.Error(err))
	}
	q.logger.Warn("queue item replay failed",
		zap.String("queueID", it.ID),
		zap.String("kind", string(it.Kind)),
		zap.Int("attempts", it.Attempts),
		zap.String("status", string(it.Status)),
		zap.Error(cause),
	)
	q.metrics.replay(it.Kind, outcome)
	q.emit("queue.failed", QueueEvent{Item: *it, Err: cause})
	return cause
}

// Backoff returns the delay before the given attempt is retried:
// RetryBase doubled per previous attempt, capped at MaxBackoff.
func (q *SyncQueue) Backoff(attempts int) time.Duration {
	if attempts <= 1 {
		return q.base
	}
	d := q.base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.max || d <= 0 {
			return q.max
		}
	}
	return d
}

// Retry resets a queued item to pending so the next drain sends it.
func (q *SyncQueue) Retry(ctx context.Context, id string) error {
	items, err := q.Items(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.ID != id {
			continue
		}
		it.Status = StatusPending
		it.NextAttemptAt = time.Time{}
		return q.store.Put(ctx, CollSyncQueue, seqKey(it.Seq), it)
	}
	return fmt.Errorf("queue item %s: %w", id, ErrNotFound)
}

// QueueEvent is the payload of queue.sent and queue.failed events.
type QueueEvent struct {
	Item     QueueItem
	Response *Response
	Err      error
}
