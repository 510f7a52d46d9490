package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"option_trader/internal/core"
	apperrors "option_trader/pkg/errors"
	"option_trader/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type opKind int

const (
	opUpsert opKind = iota
	opAppend
	opUpdateState
	opBarrier
)

type opResult struct {
	changed bool
	err     error
}

type persistOp struct {
	kind       opKind
	ns         string
	key        string
	value      []byte
	onConflict core.OnConflict
	state      string
	from       []string
	done       chan opResult // non-nil for waited ops
}

func (op *persistOp) coalesceKey() string {
	return op.ns + "\x00" + op.key
}

// Queued funnels all writes through a single-writer goroutine so per-key
// order is preserved across accounts. Upserts to the same key coalesce to
// the latest value while queued; appends and state transitions are waited
// on by the caller because the hot path must not proceed on a write that
// may still fail. Reads pass straight through to the inner store.
type Queued struct {
	inner    core.IStore
	logger   core.ILogger
	pipeline failsafe.Executor[any]
	breaker  circuitbreaker.CircuitBreaker[any]

	mu        sync.Mutex
	queue     chan *persistOp
	coalesced map[string]*persistOp
	closed    int32

	wg         sync.WaitGroup
	onDegraded atomic.Value // func(error)
}

// NewQueued wraps inner with the write-behind queue. retryAttempts bounds
// the per-op retries; after the circuit opens, writes fail fast until the
// store recovers.
func NewQueued(inner core.IStore, queueSize, retryAttempts int, logger core.ILogger) *Queued {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, apperrors.ErrDuplicateKey)
		}).
		WithBackoff(50*time.Millisecond, 1*time.Second).
		WithMaxRetries(retryAttempts).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, apperrors.ErrDuplicateKey)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(5 * time.Second).
		Build()

	q := &Queued{
		inner:     inner,
		logger:    logger,
		pipeline:  failsafe.With[any](retryPolicy, breaker),
		breaker:   breaker,
		queue:     make(chan *persistOp, queueSize),
		coalesced: make(map[string]*persistOp),
	}

	q.wg.Add(1)
	go q.writer()

	return q
}

// SetDegradedHandler installs a callback invoked whenever a write fails
// after all retries. Used to flip the store component status.
func (q *Queued) SetDegradedHandler(fn func(error)) {
	q.onDegraded.Store(fn)
}

// Get reads through to the inner store.
func (q *Queued) Get(ctx context.Context, ns, key string) ([]byte, error) {
	return q.inner.Get(ctx, ns, key)
}

// List reads through to the inner store.
func (q *Queued) List(ctx context.Context, ns, keyPrefix string) ([]core.StoreRow, error) {
	return q.inner.List(ctx, ns, keyPrefix)
}

// Upsert enqueues a fire-and-forget write. A queued upsert for the same
// key is replaced in place, so bursts of settings updates collapse into
// one row write.
func (q *Queued) Upsert(_ context.Context, ns, key string, value []byte, onConflict core.OnConflict) error {
	q.mu.Lock()
	if atomic.LoadInt32(&q.closed) == 1 {
		q.mu.Unlock()
		return core.WrapError(core.KindPersistence, apperrors.ErrStoreClosed, "upsert rejected")
	}

	op := &persistOp{kind: opUpsert, ns: ns, key: key, value: value, onConflict: onConflict}
	ck := op.coalesceKey()
	if existing, ok := q.coalesced[ck]; ok {
		existing.value = value
		existing.onConflict = onConflict
		q.mu.Unlock()
		return nil
	}
	select {
	case q.queue <- op:
		q.coalesced[ck] = op
		q.mu.Unlock()
		telemetry.GetGlobalMetrics().SetStoreQueueDepth(int64(len(q.queue)))
		return nil
	default:
		q.mu.Unlock()
		q.noteFailure(fmt.Errorf("%s/%s: %w", ns, key, apperrors.ErrQueueSaturated))
		return core.WrapError(core.KindPersistence, apperrors.ErrQueueSaturated, "upsert dropped")
	}
}

// Append enqueues an insert and waits for it to land. Ledger rows and
// trade rows must be durable before the pipeline moves on.
func (q *Queued) Append(ctx context.Context, ns, key string, value []byte, state string) error {
	op := &persistOp{kind: opAppend, ns: ns, key: key, value: value, state: state, done: make(chan opResult, 1)}
	if err := q.enqueueWaited(op); err != nil {
		return err
	}
	res, err := q.await(ctx, op)
	if err != nil {
		return err
	}
	return res.err
}

// UpdateState enqueues a state transition and waits for it to land.
func (q *Queued) UpdateState(ctx context.Context, ns, key string, value []byte, to string, from ...string) (bool, error) {
	op := &persistOp{kind: opUpdateState, ns: ns, key: key, value: value, state: to, from: from, done: make(chan opResult, 1)}
	if err := q.enqueueWaited(op); err != nil {
		return false, err
	}
	res, err := q.await(ctx, op)
	if err != nil {
		return false, err
	}
	return res.changed, res.err
}

// Flush blocks until every write enqueued before the call has been applied.
func (q *Queued) Flush(ctx context.Context) error {
	op := &persistOp{kind: opBarrier, done: make(chan opResult, 1)}
	if err := q.enqueueWaited(op); err != nil {
		return err
	}
	_, err := q.await(ctx, op)
	return err
}

// CheckHealth reports queue saturation and circuit state.
func (q *Queued) CheckHealth() error {
	if q.breaker.IsOpen() {
		return fmt.Errorf("persistence circuit open")
	}
	depth, capacity := len(q.queue), cap(q.queue)
	if capacity > 0 && depth >= capacity*9/10 {
		return fmt.Errorf("persistence queue near capacity: %d/%d", depth, capacity)
	}
	return nil
}

// Close drains the queue, then closes the inner store.
func (q *Queued) Close() error {
	q.mu.Lock()
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		q.mu.Unlock()
		return nil
	}
	close(q.queue)
	q.mu.Unlock()

	q.wg.Wait()
	return q.inner.Close()
}

func (q *Queued) enqueueWaited(op *persistOp) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if atomic.LoadInt32(&q.closed) == 1 {
		return core.WrapError(core.KindPersistence, apperrors.ErrStoreClosed, "write rejected")
	}
	select {
	case q.queue <- op:
		telemetry.GetGlobalMetrics().SetStoreQueueDepth(int64(len(q.queue)))
		return nil
	default:
		q.noteFailure(fmt.Errorf("%s/%s: %w", op.ns, op.key, apperrors.ErrQueueSaturated))
		return core.WrapError(core.KindPersistence, apperrors.ErrQueueSaturated, "write rejected")
	}
}

// await returns once the op has been applied or ctx expires. A ctx expiry
// does not cancel the queued op; delivery stays at-least-once.
func (q *Queued) await(ctx context.Context, op *persistOp) (opResult, error) {
	select {
	case res := <-op.done:
		return res, nil
	case <-ctx.Done():
		return opResult{}, core.WrapError(core.KindPersistence, ctx.Err(), "timed out waiting for persistence")
	}
}

func (q *Queued) writer() {
	defer q.wg.Done()
	for op := range q.queue {
		q.apply(op)
		telemetry.GetGlobalMetrics().SetStoreQueueDepth(int64(len(q.queue)))
	}
}

func (q *Queued) apply(op *persistOp) {
	if op.kind == opBarrier {
		op.done <- opResult{}
		return
	}

	ctx := context.Background()
	var changed bool
	err := q.pipeline.Run(func() error {
		switch op.kind {
		case opUpsert:
			q.mu.Lock()
			value, onConflict := op.value, op.onConflict
			delete(q.coalesced, op.coalesceKey())
			q.mu.Unlock()
			return q.inner.Upsert(ctx, op.ns, op.key, value, onConflict)
		case opAppend:
			return q.inner.Append(ctx, op.ns, op.key, op.value, op.state)
		default:
			var innerErr error
			changed, innerErr = q.inner.UpdateState(ctx, op.ns, op.key, op.value, op.state, op.from...)
			return innerErr
		}
	})

	if err != nil && !errors.Is(err, apperrors.ErrDuplicateKey) {
		q.noteFailure(fmt.Errorf("%s/%s: %w", op.ns, op.key, err))
		err = core.WrapError(core.KindPersistence, err, "persist failed")
	}
	if op.done != nil {
		op.done <- opResult{changed: changed, err: err}
	}
}

func (q *Queued) noteFailure(err error) {
	q.logger.Error("persistence write failed", "error", err)
	telemetry.GetGlobalMetrics().StoreWriteFailures.Add(context.Background(), 1)
	if fn, ok := q.onDegraded.Load().(func(error)); ok && fn != nil {
		fn(err)
	}
}
