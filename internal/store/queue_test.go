package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"option_trader/internal/core"
	apperrors "option_trader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedOp struct {
	kind  string
	ns    string
	key   string
	value []byte
	state string
}

// fakeStore records applied writes and can be gated or made to fail.
type fakeStore struct {
	mu       sync.Mutex
	ops      []recordedOp
	gate     chan struct{}
	failNext int
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) takeGate() {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakeStore) nextErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		if f.failWith != nil {
			return f.failWith
		}
		return fmt.Errorf("injected failure")
	}
	return nil
}

func (f *fakeStore) record(op recordedOp) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeStore) recorded() []recordedOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedOp, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	return nil, apperrors.ErrNotFound
}

func (f *fakeStore) Upsert(ctx context.Context, ns, key string, value []byte, onConflict core.OnConflict) error {
	f.takeGate()
	if err := f.nextErr(); err != nil {
		return err
	}
	f.record(recordedOp{kind: "upsert", ns: ns, key: key, value: value})
	return nil
}

func (f *fakeStore) Append(ctx context.Context, ns, key string, value []byte, state string) error {
	f.takeGate()
	if err := f.nextErr(); err != nil {
		return err
	}
	f.record(recordedOp{kind: "append", ns: ns, key: key, value: value, state: state})
	return nil
}

func (f *fakeStore) List(ctx context.Context, ns, keyPrefix string) ([]core.StoreRow, error) {
	return nil, nil
}

func (f *fakeStore) UpdateState(ctx context.Context, ns, key string, value []byte, to string, from ...string) (bool, error) {
	f.takeGate()
	if err := f.nextErr(); err != nil {
		return false, err
	}
	f.record(recordedOp{kind: "update_state", ns: ns, key: key, value: value, state: to})
	return true, nil
}

func (f *fakeStore) Close() error { return nil }

func TestQueued_CoalescesUpsertsPerKey(t *testing.T) {
	fake := newFakeStore()
	gate := make(chan struct{})
	fake.gate = gate

	q := NewQueued(fake, 16, 2, &mockLogger{})
	defer q.Close()

	ctx := context.Background()

	// Occupy the writer so the following upserts stay queued.
	go func() {
		_ = q.Append(ctx, core.NSTrades, "blocker", []byte(`{}`), "")
	}()
	time.Sleep(50 * time.Millisecond)

	key := core.SettingsKey("CR1", core.SettingRiskState)
	require.NoError(t, q.Upsert(ctx, core.NSSettings, key, []byte(`{"v":1}`), core.OnConflictReplace))
	require.NoError(t, q.Upsert(ctx, core.NSSettings, key, []byte(`{"v":2}`), core.OnConflictReplace))
	require.NoError(t, q.Upsert(ctx, core.NSSettings, key, []byte(`{"v":3}`), core.OnConflictReplace))

	close(gate)
	require.NoError(t, q.Flush(ctx))

	var upserts []recordedOp
	for _, op := range fake.recorded() {
		if op.kind == "upsert" {
			upserts = append(upserts, op)
		}
	}
	require.Len(t, upserts, 1, "queued upserts for one key should collapse into a single write")
	assert.Equal(t, []byte(`{"v":3}`), upserts[0].value)
}

func TestQueued_AppendRetriesTransientFailure(t *testing.T) {
	fake := newFakeStore()
	fake.failNext = 1

	q := NewQueued(fake, 16, 3, &mockLogger{})
	defer q.Close()

	err := q.Append(context.Background(), core.NSLedger, "R1", []byte(`{"stake":10}`), "pending")
	require.NoError(t, err, "a single transient failure should be retried away")

	ops := fake.recorded()
	require.Len(t, ops, 1)
	assert.Equal(t, "append", ops[0].kind)
}

func TestQueued_AppendSurfacesDuplicate(t *testing.T) {
	fake := newFakeStore()
	fake.failNext = 1
	fake.failWith = fmt.Errorf("ledger/R1: %w", apperrors.ErrDuplicateKey)

	q := NewQueued(fake, 16, 3, &mockLogger{})
	defer q.Close()

	err := q.Append(context.Background(), core.NSLedger, "R1", []byte(`{}`), "pending")
	assert.ErrorIs(t, err, apperrors.ErrDuplicateKey)
	assert.Empty(t, fake.recorded(), "duplicate appends are not retried")
}

func TestQueued_SaturationRejectsWrites(t *testing.T) {
	fake := newFakeStore()
	gate := make(chan struct{})
	fake.gate = gate

	q := NewQueued(fake, 1, 1, &mockLogger{})

	ctx := context.Background()
	go func() {
		_ = q.Append(ctx, core.NSTrades, "blocker", []byte(`{}`), "")
	}()
	time.Sleep(50 * time.Millisecond)

	// One slot is free, the second write must be rejected.
	require.NoError(t, q.Upsert(ctx, core.NSSettings, "CR1/a", []byte(`{}`), core.OnConflictReplace))
	err := q.Upsert(ctx, core.NSSettings, "CR1/b", []byte(`{}`), core.OnConflictReplace)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQueueSaturated)
	assert.Equal(t, core.KindPersistence, core.KindOf(err))

	close(gate)
	require.NoError(t, q.Close())
}

func TestQueued_UpdateStateReportsChange(t *testing.T) {
	fake := newFakeStore()
	q := NewQueued(fake, 16, 1, &mockLogger{})
	defer q.Close()

	changed, err := q.UpdateState(context.Background(), core.NSLedger, "R1", nil, "settled", "pending")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestQueued_DegradedHandlerFires(t *testing.T) {
	fake := newFakeStore()
	fake.failNext = 10

	q := NewQueued(fake, 16, 1, &mockLogger{})
	defer q.Close()

	var mu sync.Mutex
	var degraded []error
	q.SetDegradedHandler(func(err error) {
		mu.Lock()
		degraded = append(degraded, err)
		mu.Unlock()
	})

	err := q.Append(context.Background(), core.NSTrades, "T1", []byte(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, core.KindPersistence, core.KindOf(err))

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, degraded)
}

func TestQueued_OverSQLiteRoundTrip(t *testing.T) {
	inner, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"), &mockLogger{})
	require.NoError(t, err)

	q := NewQueued(inner, 64, 3, &mockLogger{})
	ctx := context.Background()

	require.NoError(t, q.Append(ctx, core.NSLedger, "R1", []byte(`{"stake":10}`), "pending"))

	changed, err := q.UpdateState(ctx, core.NSLedger, "R1", nil, "settled", "pending", "in_flight")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = q.UpdateState(ctx, core.NSLedger, "R1", nil, "settled", "pending", "in_flight")
	require.NoError(t, err)
	assert.False(t, changed, "settle replay must be a no-op")

	key := core.SettingsKey("CR1", core.SettingRiskState)
	require.NoError(t, q.Upsert(ctx, core.NSSettings, key, []byte(`{"dailyPnL":8.5}`), core.OnConflictReplace))
	require.NoError(t, q.Flush(ctx))

	got, err := q.Get(ctx, core.NSSettings, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"dailyPnL":8.5}`), got)

	require.NoError(t, q.Close())
}
