// Package marketdata derives per-(account,symbol) market features for
// strategies. Symbols with an upstream depth feed run in order-book mode;
// symbols without one fall back to synthetic features derived from tick
// deltas.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/protocol"
	"option_trader/pkg/ringbuf"
)

// momentumHorizon is how far back the synthetic momentum baseline reaches.
const momentumHorizon = 10 * time.Second

// synthPoint is one tick observation in synthetic mode.
type synthPoint struct {
	price decimal.Decimal
	delta decimal.Decimal
	at    time.Time
}

// entry is the market-data state of one (account,symbol).
type entry struct {
	accountID string
	symbol    string
	mode      core.MarketMode

	mu        sync.RWMutex
	refs      int
	updatedAt time.Time

	// order_book mode
	bids   []core.OrderBookLevel
	asks   []core.OrderBookLevel
	bookID string

	// synthetic mode
	points     *ringbuf.Buffer[synthPoint]
	lastPrice  decimal.Decimal
	listenerID int64
}

// MarketData implements core.IMarketData.
type MarketData struct {
	sessions core.ISessionManager
	ticks    core.ITickStream
	cfg      config.StreamConfig
	logger   core.ILogger

	mu      sync.RWMutex
	entries map[string]*entry
	hooked  map[string]bool
}

// NewMarketData creates the feature service. Synthetic mode rides on the
// tick stream; order-book mode holds its own upstream subscription.
func NewMarketData(sessions core.ISessionManager, ticks core.ITickStream, cfg config.StreamConfig, logger core.ILogger) *MarketData {
	return &MarketData{
		sessions: sessions,
		ticks:    ticks,
		cfg:      cfg,
		logger:   logger.WithField("component", "market_data"),
		entries:  make(map[string]*entry),
		hooked:   make(map[string]bool),
	}
}

func entryKey(accountID, symbol string) string {
	return accountID + "/" + symbol
}

// EnsureSymbol starts feature tracking for the symbol, reusing an existing
// entry when one is live. Depth rejection by the upstream selects synthetic
// mode; transport failures surface to the caller.
func (md *MarketData) EnsureSymbol(ctx context.Context, accountID, token, symbol string) error {
	key := entryKey(accountID, symbol)

	md.mu.Lock()
	if e, ok := md.entries[key]; ok {
		md.mu.Unlock()
		e.mu.Lock()
		e.refs++
		e.mu.Unlock()
		return nil
	}
	md.mu.Unlock()

	if _, err := md.sessions.GetOrCreate(ctx, token, accountID); err != nil {
		return err
	}
	md.ensureAccountHooks(accountID)

	e := &entry{accountID: accountID, symbol: symbol, refs: 1}

	resp, err := md.sessions.SendRequest(ctx, accountID, protocol.OrderBookSubscribe(symbol, md.cfg.OrderBookDepth), 0)
	if err != nil {
		return err
	}
	if resp.Err == nil {
		e.mode = core.MarketModeOrderBook
		e.bookID = resp.SubscriptionID()
		if p, derr := resp.DecodeOrderBook(); derr == nil {
			md.applyDepth(e, p, resp.Wall)
		}
		md.logger.Info("Order book mode active", "account", accountID, "symbol", symbol)
	} else {
		e.mode = core.MarketModeSynthetic
		e.points = ringbuf.New[synthPoint](md.cfg.TickBufferSize)
		id, serr := md.ticks.Subscribe(ctx, accountID, token, symbol, func(t *core.Tick) {
			md.observeTick(e, t)
		})
		if serr != nil {
			return serr
		}
		e.listenerID = id
		md.logger.Info("Depth unavailable, synthetic features active", "account", accountID, "symbol", symbol, "code", resp.Err.Code)
	}

	md.mu.Lock()
	if cur, ok := md.entries[key]; ok {
		// lost the race; fold into the winner and undo our subscription
		md.mu.Unlock()
		cur.mu.Lock()
		cur.refs++
		cur.mu.Unlock()
		md.teardown(e)
		return nil
	}
	md.entries[key] = e
	md.mu.Unlock()
	return nil
}

// Release drops one reference; the last reference tears the entry down.
func (md *MarketData) Release(accountID, symbol string) {
	key := entryKey(accountID, symbol)
	md.mu.Lock()
	e, ok := md.entries[key]
	if !ok {
		md.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.refs--
	done := e.refs <= 0
	e.mu.Unlock()
	if !done {
		md.mu.Unlock()
		return
	}
	delete(md.entries, key)
	md.mu.Unlock()
	md.teardown(e)
	md.logger.Info("Market data released", "account", accountID, "symbol", symbol)
}

func (md *MarketData) teardown(e *entry) {
	e.mu.Lock()
	bookID, listenerID := e.bookID, e.listenerID
	e.mu.Unlock()
	switch e.mode {
	case core.MarketModeOrderBook:
		if bookID != "" {
			if err := md.sessions.SendFireAndForget(e.accountID, protocol.Forget(bookID)); err != nil {
				md.logger.Warn("Depth forget failed", "account", e.accountID, "symbol", e.symbol, "error", err)
			}
		}
	case core.MarketModeSynthetic:
		if listenerID != 0 {
			_ = md.ticks.Unsubscribe(e.accountID, e.symbol, listenerID)
		}
	}
}

// Snapshot returns the current derived features for the symbol.
func (md *MarketData) Snapshot(accountID, symbol string) (*core.FeatureSnapshot, bool) {
	md.mu.RLock()
	e := md.entries[entryKey(accountID, symbol)]
	md.mu.RUnlock()
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.mode {
	case core.MarketModeOrderBook:
		return e.bookSnapshot(), true
	default:
		return e.synthSnapshot(), true
	}
}

// bookSnapshot derives features from sorted depth. Callers hold e.mu.
func (e *entry) bookSnapshot() *core.FeatureSnapshot {
	snap := &core.FeatureSnapshot{Mode: core.MarketModeOrderBook, UpdatedAt: e.updatedAt}
	if len(e.bids) == 0 || len(e.asks) == 0 {
		return snap
	}
	bestBid, bestAsk := e.bids[0], e.asks[0]
	two := decimal.NewFromInt(2)
	snap.BestBid = bestBid.Price
	snap.BestAsk = bestAsk.Price
	snap.Mid = bestBid.Price.Add(bestAsk.Price).Div(two)
	snap.Spread = bestAsk.Price.Sub(bestBid.Price)

	// micro-price weights each side by the opposing size
	sizeSum := bestBid.Size.Add(bestAsk.Size)
	if sizeSum.IsPositive() {
		snap.MicroPrice = bestBid.Price.Mul(bestAsk.Size).Add(bestAsk.Price.Mul(bestBid.Size)).Div(sizeSum)
	} else {
		snap.MicroPrice = snap.Mid
	}

	var bidSum, askSum decimal.Decimal
	for _, l := range e.bids {
		bidSum = bidSum.Add(l.Size)
	}
	for _, l := range e.asks {
		askSum = askSum.Add(l.Size)
	}
	if total := bidSum.Add(askSum); total.IsPositive() {
		snap.Imbalance, _ = bidSum.Sub(askSum).Div(total).Float64()
	}
	return snap
}

// synthSnapshot derives order-book-shaped features from tick deltas. Callers
// hold e.mu.
func (e *entry) synthSnapshot() *core.FeatureSnapshot {
	snap := &core.FeatureSnapshot{Mode: core.MarketModeSynthetic, UpdatedAt: e.updatedAt}
	if e.points == nil || e.points.Len() == 0 {
		return snap
	}
	last, _ := e.points.Last()
	spread := last.delta.Abs()
	two := decimal.NewFromInt(2)
	half := spread.Div(two)
	snap.Mid = last.price
	snap.MicroPrice = last.price
	snap.Spread = spread
	snap.BestBid = last.price.Sub(half)
	snap.BestAsk = last.price.Add(half)

	var deltaSum, deltaAbs decimal.Decimal
	var baseline decimal.Decimal
	baselineSet := false
	horizon := last.at.Add(-momentumHorizon)
	w := e.points.Window(e.points.Len())
	w.Each(func(i int, p synthPoint) bool {
		deltaSum = deltaSum.Add(p.delta)
		deltaAbs = deltaAbs.Add(p.delta.Abs())
		if !baselineSet && !p.at.Before(horizon) {
			baseline = p.price
			baselineSet = true
		}
		return true
	})
	if deltaAbs.IsPositive() {
		snap.Imbalance, _ = deltaSum.Div(deltaAbs).Float64()
	}
	if baselineSet && baseline.IsPositive() {
		snap.Momentum, _ = last.price.Sub(baseline).Div(baseline).Float64()
	}
	return snap
}

// observeTick records a synthetic-mode observation.
func (md *MarketData) observeTick(e *entry, t *core.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var delta decimal.Decimal
	if !e.lastPrice.IsZero() {
		delta = t.Quote.Sub(e.lastPrice)
	}
	e.points.Push(synthPoint{price: t.Quote, delta: delta, at: t.Wall})
	e.lastPrice = t.Quote
	e.updatedAt = t.Wall
}

// applyDepth replaces the book with a fresh snapshot: bids descending, asks
// ascending, truncated to the configured depth.
func (md *MarketData) applyDepth(e *entry, p *protocol.OrderBookPayload, at time.Time) {
	bids := levelsOf(p.Bids)
	asks := levelsOf(p.Asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	if depth := md.cfg.OrderBookDepth; depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	e.mu.Lock()
	e.bids = bids
	e.asks = asks
	e.updatedAt = at
	e.mu.Unlock()
}

func levelsOf(raw [][]decimal.Decimal) []core.OrderBookLevel {
	out := make([]core.OrderBookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		out = append(out, core.OrderBookLevel{Price: pair[0], Size: pair[1]})
	}
	return out
}

func (md *MarketData) ensureAccountHooks(accountID string) {
	md.mu.Lock()
	if md.hooked[accountID] {
		md.mu.Unlock()
		return
	}
	md.hooked[accountID] = true
	md.mu.Unlock()

	md.sessions.RegisterStreamingListener(accountID, func(msg *protocol.Message) {
		md.handleFrame(accountID, msg)
	})
	md.sessions.RegisterConnectionReadyListener(accountID, func(isReconnect bool) {
		if isReconnect {
			md.resubscribeBooks(accountID)
		}
	})
}

// handleFrame routes depth updates to their entry.
func (md *MarketData) handleFrame(accountID string, msg *protocol.Message) {
	if msg.MsgType != protocol.MsgOrderBook {
		return
	}
	p, err := msg.DecodeOrderBook()
	if err != nil {
		md.logger.Warn("Malformed depth frame", "account", accountID, "error", err)
		return
	}
	md.mu.RLock()
	e := md.entries[entryKey(accountID, p.Symbol)]
	md.mu.RUnlock()
	if e == nil || e.mode != core.MarketModeOrderBook {
		return
	}
	md.applyDepth(e, p, msg.Wall)
}

// resubscribeBooks reopens depth feeds after a reconnect. Synthetic entries
// need nothing here; their tick streams resubscribe themselves.
func (md *MarketData) resubscribeBooks(accountID string) {
	md.mu.RLock()
	var books []*entry
	for _, e := range md.entries {
		if e.accountID == accountID && e.mode == core.MarketModeOrderBook {
			books = append(books, e)
		}
	}
	md.mu.RUnlock()
	for _, e := range books {
		e := e
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			resp, err := md.sessions.SendRequest(ctx, accountID, protocol.OrderBookSubscribe(e.symbol, md.cfg.OrderBookDepth), 0)
			if err != nil {
				md.logger.Error("Depth resubscribe failed", "account", accountID, "symbol", e.symbol, "error", err)
				return
			}
			if resp.Err != nil {
				md.logger.Error("Depth resubscribe rejected", "account", accountID, "symbol", e.symbol, "code", resp.Err.Code)
				return
			}
			e.mu.Lock()
			e.bookID = resp.SubscriptionID()
			e.mu.Unlock()
			if p, derr := resp.DecodeOrderBook(); derr == nil {
				md.applyDepth(e, p, resp.Wall)
			}
		}()
	}
}
