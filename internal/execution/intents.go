package execution

import (
	"container/list"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"option_trader/internal/core"
)

type intentEntry struct {
	intent core.OrderIntent
	elem   *list.Element
}

// intentLedger is the in-memory idempotency table keyed by
// (account_id, correlation_id). Fulfilled intents stay resident until TTL
// or LRU eviction so a duplicate execute replays the stored result without
// touching the upstream; failed and expired intents may be re-reserved.
type intentLedger struct {
	mu      sync.Mutex
	entries map[string]*intentEntry
	order   *list.List // front is most recently touched
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newIntentLedger(ttl time.Duration, maxSize int) *intentLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &intentLedger{
		entries: make(map[string]*intentEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func intentKey(accountID, correlationID string) string {
	return accountID + "/" + correlationID
}

// reserve registers a pending intent for the key. When a live intent
// already exists its snapshot is returned with reserved=false; the caller
// replays fulfilled results and rejects still-pending duplicates.
func (l *intentLedger) reserve(accountID, correlationID, symbol string) (core.OrderIntent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := intentKey(accountID, correlationID)
	now := l.now()

	if e, ok := l.entries[key]; ok {
		if now.Sub(e.intent.CreatedAt) < l.ttl && e.intent.Status != core.IntentFailed {
			l.order.MoveToFront(e.elem)
			return e.intent, false
		}
		l.order.Remove(e.elem)
		delete(l.entries, key)
	}

	e := &intentEntry{intent: core.OrderIntent{
		AccountID:     accountID,
		CorrelationID: correlationID,
		Symbol:        symbol,
		Status:        core.IntentPending,
		CreatedAt:     now,
	}}
	e.elem = l.order.PushFront(key)
	l.entries[key] = e
	l.evictLocked()
	return e.intent, true
}

// fulfill records the buy result on a reserved intent.
func (l *intentLedger) fulfill(accountID, correlationID string, contractID int64, buyPrice, payout decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[intentKey(accountID, correlationID)]
	if !ok {
		return
	}
	e.intent.Status = core.IntentFulfilled
	e.intent.ContractID = contractID
	e.intent.BuyPrice = buyPrice
	e.intent.Payout = payout
	l.order.MoveToFront(e.elem)
}

// fail marks a reserved intent failed so a later retry may re-reserve it.
func (l *intentLedger) fail(accountID, correlationID, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[intentKey(accountID, correlationID)]
	if !ok {
		return
	}
	e.intent.Status = core.IntentFailed
	e.intent.ErrMsg = errMsg
	l.order.MoveToFront(e.elem)
}

// get returns the live intent for the key, if any.
func (l *intentLedger) get(accountID, correlationID string) (core.OrderIntent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[intentKey(accountID, correlationID)]
	if !ok {
		return core.OrderIntent{}, false
	}
	if l.now().Sub(e.intent.CreatedAt) >= l.ttl {
		l.order.Remove(e.elem)
		delete(l.entries, intentKey(accountID, correlationID))
		return core.OrderIntent{}, false
	}
	return e.intent, true
}

func (l *intentLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictLocked drops the oldest entries over capacity, preferring terminal
// intents. Pending intents are evicted only when nothing else remains so
// an in-flight order keeps its duplicate guard.
func (l *intentLedger) evictLocked() {
	for len(l.entries) > l.maxSize {
		victim := l.order.Back()
		for victim != nil {
			if e := l.entries[victim.Value.(string)]; e.intent.Status != core.IntentPending {
				break
			}
			victim = victim.Prev()
		}
		if victim == nil {
			victim = l.order.Back()
		}
		key := victim.Value.(string)
		l.order.Remove(victim)
		delete(l.entries, key)
	}
}
