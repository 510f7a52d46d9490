// Package stream maintains per-(account,symbol) tick subscriptions over the
// upstream session: warm-started ring buffers, strict epoch ordering, and
// listener fan-out.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/protocol"
	"option_trader/pkg/concurrency"
	"option_trader/pkg/ringbuf"
	"option_trader/pkg/telemetry"
)

const (
	// resubscribeTimeout bounds each per-stream reopen after a reconnect.
	resubscribeTimeout = 15 * time.Second

	// staleTickThreshold is how long a live stream may go quiet before
	// CheckHealth reports it.
	staleTickThreshold = time.Minute
)

// subscription is the state of one live (account,symbol) stream. The ring
// buffer, epoch cursor, and listener set share one lock; ingestion runs on
// the session dispatcher so pushes for an account are already serialized.
type subscription struct {
	accountID string
	symbol    string

	mu         sync.RWMutex
	buf        *ringbuf.Buffer[core.Tick]
	lastEpoch  int64
	last       *core.Tick
	listeners  map[int64]core.TickListener
	upstreamID string
}

// TickStream implements core.ITickStream on top of the session manager.
type TickStream struct {
	sessions core.ISessionManager
	cfg      config.StreamConfig
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	mu     sync.RWMutex
	subs   map[string]*subscription
	hooked map[string]bool

	nextListenerID int64
}

// NewTickStream creates the tick stream service. The worker pool drives
// parallel resubscription after reconnects and may be nil.
func NewTickStream(sessions core.ISessionManager, cfg config.StreamConfig, pool *concurrency.WorkerPool, logger core.ILogger) *TickStream {
	return &TickStream{
		sessions: sessions,
		cfg:      cfg,
		pool:     pool,
		logger:   logger.WithField("component", "tick_stream"),
		subs:     make(map[string]*subscription),
		hooked:   make(map[string]bool),
	}
}

func subKey(accountID, symbol string) string {
	return accountID + "/" + symbol
}

// Subscribe attaches a listener to the (account,symbol) stream, creating the
// stream on first use. A new stream warm-starts from recent history before
// going live; an existing stream immediately replays its most recent tick to
// the added listener.
func (ts *TickStream) Subscribe(ctx context.Context, accountID, token, symbol string, fn core.TickListener) (int64, error) {
	if _, err := ts.sessions.GetOrCreate(ctx, token, accountID); err != nil {
		return 0, err
	}
	ts.ensureAccountHooks(accountID)

	key := subKey(accountID, symbol)
	id := atomic.AddInt64(&ts.nextListenerID, 1)

	ts.mu.Lock()
	sub, ok := ts.subs[key]
	if ok {
		ts.mu.Unlock()
		sub.mu.Lock()
		sub.listeners[id] = fn
		last := sub.last
		sub.mu.Unlock()
		if last != nil {
			t := *last
			fn(&t)
		}
		return id, nil
	}
	sub = &subscription{
		accountID: accountID,
		symbol:    symbol,
		buf:       ringbuf.New[core.Tick](ts.cfg.TickBufferSize),
		listeners: map[int64]core.TickListener{id: fn},
	}
	ts.subs[key] = sub
	ts.mu.Unlock()

	ts.warmStart(ctx, sub)
	if err := ts.openUpstream(ctx, sub); err != nil {
		ts.mu.Lock()
		if cur, ok := ts.subs[key]; ok && cur == sub {
			delete(ts.subs, key)
		}
		ts.mu.Unlock()
		return 0, err
	}
	ts.logger.Info("Tick stream opened", "account", accountID, "symbol", symbol)
	return id, nil
}

// Unsubscribe detaches a listener. When the last listener leaves, the
// upstream stream is forgotten and the buffer dropped. Unknown ids are a
// no-op.
func (ts *TickStream) Unsubscribe(accountID, symbol string, listenerID int64) error {
	key := subKey(accountID, symbol)
	ts.mu.Lock()
	sub, ok := ts.subs[key]
	if !ok {
		ts.mu.Unlock()
		return nil
	}
	sub.mu.Lock()
	delete(sub.listeners, listenerID)
	empty := len(sub.listeners) == 0
	upstreamID := sub.upstreamID
	sub.mu.Unlock()
	if !empty {
		ts.mu.Unlock()
		return nil
	}
	delete(ts.subs, key)
	ts.mu.Unlock()

	if upstreamID != "" {
		if err := ts.sessions.SendFireAndForget(accountID, protocol.Forget(upstreamID)); err != nil {
			ts.logger.Warn("Forget send failed", "account", accountID, "symbol", symbol, "error", err)
		}
	}
	ts.logger.Info("Tick stream released", "account", accountID, "symbol", symbol)
	return nil
}

// WindowView returns the last n ticks of the stream, oldest first. The
// returned window is a stable snapshot and safe to read while new ticks
// arrive.
func (ts *TickStream) WindowView(accountID, symbol string, n int) (core.TickWindow, bool) {
	sub := ts.lookup(accountID, symbol)
	if sub == nil {
		return core.TickWindow{}, false
	}
	sub.mu.RLock()
	w := sub.buf.Window(n).Copy()
	sub.mu.RUnlock()
	return w, true
}

// LastTick returns a copy of the most recent tick of the stream.
func (ts *TickStream) LastTick(accountID, symbol string) (*core.Tick, bool) {
	sub := ts.lookup(accountID, symbol)
	if sub == nil {
		return nil, false
	}
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.last == nil {
		return nil, false
	}
	t := *sub.last
	return &t, true
}

// CheckHealth returns an error when any live stream has gone stale.
func (ts *TickStream) CheckHealth() error {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	now := time.Now()
	for _, sub := range ts.subs {
		sub.mu.RLock()
		last := sub.last
		sub.mu.RUnlock()
		if last == nil {
			continue
		}
		if age := now.Sub(last.ReceivedAt); age > staleTickThreshold {
			return fmt.Errorf("stale tick stream %s/%s: last tick %s ago", sub.accountID, sub.symbol, age.Round(time.Second))
		}
	}
	return nil
}

func (ts *TickStream) lookup(accountID, symbol string) *subscription {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.subs[subKey(accountID, symbol)]
}

// ensureAccountHooks registers the streaming and connection-ready listeners
// for an account exactly once.
func (ts *TickStream) ensureAccountHooks(accountID string) {
	ts.mu.Lock()
	if ts.hooked[accountID] {
		ts.mu.Unlock()
		return
	}
	ts.hooked[accountID] = true
	ts.mu.Unlock()

	ts.sessions.RegisterStreamingListener(accountID, func(msg *protocol.Message) {
		ts.handleFrame(accountID, msg)
	})
	ts.sessions.RegisterConnectionReadyListener(accountID, func(isReconnect bool) {
		if isReconnect {
			ts.resubscribeAccount(accountID)
		}
	})
}

// warmStart seeds the ring buffer with recent history so strategies have a
// full window before the first live tick. Failures log and fall through to a
// cold start.
func (ts *TickStream) warmStart(ctx context.Context, sub *subscription) {
	if ts.cfg.HistoryCount <= 0 {
		return
	}
	resp, err := ts.sessions.SendRequest(ctx, sub.accountID, protocol.TicksHistory(sub.symbol, ts.cfg.HistoryCount), 0)
	if err != nil {
		ts.logger.Warn("Tick history fetch failed, starting cold", "account", sub.accountID, "symbol", sub.symbol, "error", err)
		return
	}
	if resp.Err != nil {
		ts.logger.Warn("Tick history rejected, starting cold", "account", sub.accountID, "symbol", sub.symbol, "code", resp.Err.Code)
		return
	}
	hist, err := resp.DecodeHistory()
	if err != nil {
		ts.logger.Warn("Tick history decode failed, starting cold", "account", sub.accountID, "symbol", sub.symbol, "error", err)
		return
	}
	now := time.Now()
	sub.mu.Lock()
	for i, epoch := range hist.Times {
		if i >= len(hist.Prices) {
			break
		}
		if epoch <= sub.lastEpoch {
			continue
		}
		t := core.Tick{Symbol: sub.symbol, Quote: hist.Prices[i], Epoch: epoch, ReceivedAt: now, Wall: now}
		sub.buf.Push(t)
		sub.lastEpoch = epoch
		last := t
		sub.last = &last
	}
	seeded := sub.buf.Len()
	sub.mu.Unlock()
	ts.logger.Info("Warm started tick buffer", "account", sub.accountID, "symbol", sub.symbol, "ticks", seeded)
}

// openUpstream sends the live subscribe frame and ingests the initial tick
// carried on its response. Used both for first subscription and reconnect
// resubscription.
func (ts *TickStream) openUpstream(ctx context.Context, sub *subscription) error {
	resp, err := ts.sessions.SendRequest(ctx, sub.accountID, protocol.TicksSubscribe(sub.symbol), 0)
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return core.NewErrorf(core.KindUpstreamFatal, "tick subscribe rejected for %s: %s (%s)", sub.symbol, resp.Err.Message, resp.Err.Code)
	}
	if id := resp.SubscriptionID(); id != "" {
		sub.mu.Lock()
		sub.upstreamID = id
		sub.mu.Unlock()
	}
	if p, err := resp.DecodeTick(); err == nil && p.Epoch > 0 {
		ts.ingest(sub, p, resp.ReceivedAt, resp.Wall)
	}
	return nil
}

// handleFrame routes unsolicited tick frames to their subscription. Frames
// for symbols without a live subscription are ignored; the upstream keeps
// streaming briefly after a forget.
func (ts *TickStream) handleFrame(accountID string, msg *protocol.Message) {
	if msg.MsgType != protocol.MsgTick {
		return
	}
	p, err := msg.DecodeTick()
	if err != nil {
		ts.logger.Warn("Malformed tick frame", "account", accountID, "error", err)
		return
	}
	sub := ts.lookup(accountID, p.Symbol)
	if sub == nil {
		return
	}
	ts.ingest(sub, p, msg.ReceivedAt, msg.Wall)
}

// ingest applies the epoch guard, pushes the tick, and fans out to
// listeners. Ticks at or before the last seen epoch are dropped; a jump past
// lastEpoch+1 is admitted but counted as a sequence gap.
func (ts *TickStream) ingest(sub *subscription, p *protocol.TickPayload, receivedAt, wall time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("account", sub.accountID),
		attribute.String("symbol", sub.symbol),
	)
	m := telemetry.GetGlobalMetrics()

	sub.mu.Lock()
	if p.Epoch <= sub.lastEpoch {
		prev := sub.lastEpoch
		sub.mu.Unlock()
		m.TickOutOfOrderDrop.Add(context.Background(), 1, attrs)
		ts.logger.Debug("Dropped non-monotonic tick", "symbol", sub.symbol, "epoch", p.Epoch, "last_epoch", prev)
		return
	}
	gap := sub.lastEpoch > 0 && p.Epoch > sub.lastEpoch+1
	prevEpoch := sub.lastEpoch
	t := core.Tick{Symbol: sub.symbol, Quote: p.Quote, Epoch: p.Epoch, ReceivedAt: receivedAt, Wall: wall}
	opStart := time.Now()
	sub.buf.Push(t)
	opNanos := float64(time.Since(opStart).Nanoseconds())
	sub.lastEpoch = p.Epoch
	sub.last = &t
	listeners := make([]core.TickListener, 0, len(sub.listeners))
	for _, fn := range sub.listeners {
		listeners = append(listeners, fn)
	}
	sub.mu.Unlock()

	m.TickBufferOp.Record(context.Background(), opNanos, attrs)
	if !receivedAt.IsZero() {
		m.TickReceiveToBuffer.Record(context.Background(), float64(time.Since(receivedAt).Microseconds())/1000.0, attrs)
	}
	if gap {
		m.TickSeqGap.Add(context.Background(), 1, attrs)
		ts.logger.Warn("Tick epoch gap", "symbol", sub.symbol, "from_epoch", prevEpoch, "to_epoch", p.Epoch)
	}
	for _, fn := range listeners {
		fn(&t)
	}
}

// resubscribeAccount reopens every live stream of the account after a
// reconnect. Streams reopen in parallel and keep their buffers; history is
// not refetched, the epoch guard drops anything already seen.
func (ts *TickStream) resubscribeAccount(accountID string) {
	ts.mu.RLock()
	var pending []*subscription
	for _, sub := range ts.subs {
		if sub.accountID == accountID {
			pending = append(pending, sub)
		}
	}
	ts.mu.RUnlock()
	if len(pending) == 0 {
		return
	}
	ts.logger.Info("Resubscribing tick streams after reconnect", "account", accountID, "streams", len(pending))
	for _, sub := range pending {
		sub := sub
		task := func() {
			ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
			defer cancel()
			if err := ts.openUpstream(ctx, sub); err != nil {
				ts.logger.Error("Tick resubscribe failed", "account", accountID, "symbol", sub.symbol, "error", err)
			}
		}
		if ts.pool == nil {
			go task()
			continue
		}
		if err := ts.pool.Submit(task); err != nil {
			go task()
		}
	}
}
