// Package mock provides an in-process broker for local runs and end-to-end
// tests. It speaks the upstream wire protocol over a real WebSocket listener:
// scripted tick feeds, canned proposal and buy responses, portfolio and
// settlement frames, and fault injection hooks for connection drops, delayed
// pongs, and forced error frames.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"option_trader/internal/core"
	"option_trader/internal/protocol"
)

type frame = map[string]interface{}

// BrokerAccount is one token the broker will authorize.
type BrokerAccount struct {
	Token    string
	LoginID  string
	Currency string
	Virtual  bool
	Balance  decimal.Decimal
}

type proposalState struct {
	id           string
	symbol       string
	contractType string
	askPrice     decimal.Decimal
	payout       decimal.Decimal
	duration     time.Duration
	consumed     bool
}

type contractState struct {
	id           int64
	symbol       string
	contractType string
	buyPrice     decimal.Decimal
	payout       decimal.Decimal
	strike       decimal.Decimal
	purchaseTime int64
	sold         bool
	profit       decimal.Decimal
	sellPrice    decimal.Decimal
	bidPrice     decimal.Decimal
}

type subscription struct {
	id         string
	kind       string
	symbol     string
	contractID int64
	reqID      int64
	conn       *brokerConn
}

type brokerConn struct {
	conn    *gws.Conn
	writeMu sync.Mutex
	account *BrokerAccount
}

func (c *brokerConn) write(f frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(f)
}

type histTick struct {
	epoch int64
	quote decimal.Decimal
}

// Broker emulates the upstream over real sockets. All state lives behind one
// mutex; socket writes happen after the lock is released so a slow reader
// never stalls the whole broker.
type Broker struct {
	logger   core.ILogger
	upgrader gws.Upgrader

	srv *http.Server
	lis net.Listener

	pongDelay int64

	mu          sync.Mutex
	accounts    map[string]*BrokerAccount
	authErrs    map[string]*protocol.APIError
	quotes      map[string]decimal.Decimal
	history     map[string][]histTick
	books       map[string]frame
	payoutRatio decimal.Decimal
	proposals   map[string]*proposalState
	proposalSeq int64
	contracts   map[int64]*contractState
	contractSeq int64
	subs        map[string]*subscription
	subSeq      int64
	failNext    map[string]*protocol.APIError
	counts      map[string]int
	conns       map[*brokerConn]struct{}
	autoSettle  bool
}

func NewBroker(logger core.ILogger) *Broker {
	return &Broker{
		logger:      logger.WithField("component", "mock_broker"),
		accounts:    make(map[string]*BrokerAccount),
		authErrs:    make(map[string]*protocol.APIError),
		quotes:      make(map[string]decimal.Decimal),
		history:     make(map[string][]histTick),
		books:       make(map[string]frame),
		payoutRatio: decimal.NewFromFloat(1.9),
		proposals:   make(map[string]*proposalState),
		contracts:   make(map[int64]*contractState),
		contractSeq: 1000,
		subs:        make(map[string]*subscription),
		failNext:    make(map[string]*protocol.APIError),
		counts:      make(map[string]int),
		conns:       make(map[*brokerConn]struct{}),
	}
}

// Start binds an ephemeral loopback listener and serves until Stop.
func (b *Broker) Start() error {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("mock broker listen failed: %w", err)
	}
	b.lis = lis
	b.srv = &http.Server{Handler: b}
	go func() {
		if serveErr := b.srv.Serve(lis); serveErr != nil && serveErr != http.ErrServerClosed {
			b.logger.Error("Mock broker serve failed", "error", serveErr)
		}
	}()
	b.logger.Info("Mock broker listening", "url", b.URL())
	return nil
}

// URL returns the ws:// endpoint sessions should dial.
func (b *Broker) URL() string {
	if b.lis == nil {
		return ""
	}
	return "ws://" + b.lis.Addr().String()
}

func (b *Broker) Stop(ctx context.Context) error {
	if b.srv == nil {
		return nil
	}
	b.DropConnections()
	return b.srv.Shutdown(ctx)
}

// RegisterAccount makes a token authorizable.
func (b *Broker) RegisterAccount(token, loginID, currency string, virtual bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[token] = &BrokerAccount{
		Token:    token,
		LoginID:  loginID,
		Currency: currency,
		Virtual:  virtual,
		Balance:  decimal.NewFromInt(10000),
	}
}

// SetAuthFailure forces every authorize attempt with the token to fail.
func (b *Broker) SetAuthFailure(token, code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authErrs[token] = &protocol.APIError{Code: code, Message: message}
}

// SetQuote seeds the current price for a symbol without emitting a tick.
func (b *Broker) SetQuote(symbol string, quote decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = quote
}

// SetPayoutRatio controls payout relative to stake on later proposals.
func (b *Broker) SetPayoutRatio(ratio decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payoutRatio = ratio
}

// SeedHistory preloads the tick history used for ticks_history responses.
// Epochs start at startEpoch and step by one per quote.
func (b *Broker) SeedHistory(symbol string, startEpoch int64, quotes ...decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range quotes {
		b.history[symbol] = append(b.history[symbol], histTick{epoch: startEpoch + int64(i), quote: q})
	}
	if len(quotes) > 0 {
		b.quotes[symbol] = quotes[len(quotes)-1]
	}
}

// FailNext forces the next request of the given kind to get an error frame.
func (b *Broker) FailNext(kind, code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[kind] = &protocol.APIError{Code: code, Message: message}
}

// SetPongDelay changes control-pong behavior: zero answers immediately,
// positive delays the pong, negative swallows pings entirely.
func (b *Broker) SetPongDelay(d time.Duration) {
	atomic.StoreInt64(&b.pongDelay, int64(d))
}

// SetAutoSettle makes the broker settle each contract itself when its
// duration elapses, winning if the spot crossed the strike in the contract's
// direction. Off by default so tests control settlement explicitly.
func (b *Broker) SetAutoSettle(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoSettle = on
}

// Feed emits a random-walk tick stream for symbol until ctx ends. Epochs
// track wall-clock seconds, so intervals under one second can repeat epochs.
func (b *Broker) Feed(ctx context.Context, symbol string, start decimal.Decimal, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	b.SetQuote(symbol, start)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		quote := start
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				step := decimal.NewFromFloat((rand.Float64() - 0.5) / 10)
				quote = quote.Add(step)
				b.EmitTick(symbol, time.Now().Unix(), quote)
			}
		}
	}()
}

// DropConnections severs every live socket, forcing clients to reconnect.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// RequestCount reports how many requests of a kind reached the broker,
// including ones answered with a forced error.
func (b *Broker) RequestCount(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[kind]
}

// OpenContractIDs lists unsold contracts in creation order.
func (b *Broker) OpenContractIDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []int64
	for id := int64(1001); id <= b.contractSeq; id++ {
		if ct, ok := b.contracts[id]; ok && !ct.sold {
			ids = append(ids, id)
		}
	}
	return ids
}

// EmitTick records a quote and broadcasts it to every tick subscriber.
func (b *Broker) EmitTick(symbol string, epoch int64, quote decimal.Decimal) {
	b.mu.Lock()
	b.quotes[symbol] = quote
	b.history[symbol] = append(b.history[symbol], histTick{epoch: epoch, quote: quote})
	targets := b.subsFor("ticks", symbol, 0)
	b.mu.Unlock()

	for _, sub := range targets {
		sub.conn.write(frame{
			"msg_type":     protocol.MsgTick,
			"req_id":       sub.reqID,
			"subscription": frame{"id": sub.id},
			"tick":         frame{"symbol": symbol, "epoch": epoch, "quote": quote, "id": sub.id},
		})
	}
}

// EmitOrderBook stores a depth snapshot and pushes it to book subscribers.
func (b *Broker) EmitOrderBook(symbol string, bids, asks [][]decimal.Decimal) {
	book := frame{"symbol": symbol, "bids": bids, "asks": asks}
	b.mu.Lock()
	b.books[symbol] = book
	targets := b.subsFor("order_book", symbol, 0)
	b.mu.Unlock()

	for _, sub := range targets {
		sub.conn.write(frame{
			"msg_type":     protocol.MsgOrderBook,
			"req_id":       sub.reqID,
			"subscription": frame{"id": sub.id},
			"order_book":   book,
		})
	}
}

// SettleContract marks a contract sold and broadcasts the settlement to its
// subscribers. Profit may be negative for a lost contract.
func (b *Broker) SettleContract(contractID int64, profit decimal.Decimal) error {
	b.mu.Lock()
	ct, ok := b.contracts[contractID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unknown contract %d", contractID)
	}
	if ct.sold {
		b.mu.Unlock()
		return fmt.Errorf("contract %d already sold", contractID)
	}
	ct.sold = true
	ct.profit = profit
	ct.sellPrice = ct.buyPrice.Add(profit)
	targets := b.subsFor("contract", "", contractID)
	payload := contractPayload(ct)
	b.mu.Unlock()

	for _, sub := range targets {
		sub.conn.write(openContractFrame(payload, sub.id, sub.reqID))
	}
	return nil
}

// MarkContract broadcasts an unsold valuation update with the given bid.
func (b *Broker) MarkContract(contractID int64, bid decimal.Decimal) error {
	b.mu.Lock()
	ct, ok := b.contracts[contractID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unknown contract %d", contractID)
	}
	ct.bidPrice = bid
	targets := b.subsFor("contract", "", contractID)
	payload := contractPayload(ct)
	b.mu.Unlock()

	for _, sub := range targets {
		sub.conn.write(openContractFrame(payload, sub.id, sub.reqID))
	}
	return nil
}

// subsFor snapshots matching subscriptions. Caller holds b.mu.
func (b *Broker) subsFor(kind, symbol string, contractID int64) []*subscription {
	var out []*subscription
	for _, sub := range b.subs {
		if sub.kind != kind {
			continue
		}
		if kind == "contract" && sub.contractID != contractID {
			continue
		}
		if kind != "contract" && sub.symbol != symbol {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{conn: conn}

	conn.SetPingHandler(func(appData string) error {
		d := time.Duration(atomic.LoadInt64(&b.pongDelay))
		if d < 0 {
			return nil
		}
		if d > 0 {
			time.Sleep(d)
		}
		return conn.WriteControl(gws.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.dropConn(c)
		_ = conn.Close()
	}()

	for {
		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("Undecodable frame from client", "error", err)
			continue
		}
		b.handleFrame(c, f)
	}
}

func (b *Broker) dropConn(c *brokerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	for id, sub := range b.subs {
		if sub.conn == c {
			delete(b.subs, id)
		}
	}
}

func (b *Broker) handleFrame(c *brokerConn, f frame) {
	kind := requestKind(f)
	reqID := reqIDOf(f)

	b.mu.Lock()
	b.counts[kind]++
	forced := b.failNext[kind]
	delete(b.failNext, kind)
	authorized := c.account != nil
	b.mu.Unlock()

	if forced != nil {
		c.write(errorFrame(kind, reqID, forced))
		return
	}

	if kind != "authorize" && !authorized {
		c.write(errorFrame(kind, reqID, &protocol.APIError{
			Code: "AuthorizationRequired", Message: "please authorize first",
		}))
		return
	}

	switch kind {
	case "authorize":
		b.handleAuthorize(c, f, reqID)
	case "ticks":
		b.handleTicksSubscribe(c, f, reqID)
	case "ticks_history":
		b.handleHistory(c, f, reqID)
	case "proposal":
		b.handleProposal(c, f, reqID)
	case "buy":
		b.handleBuy(c, f, reqID)
	case "proposal_open_contract":
		b.handleOpenContract(c, f, reqID)
	case "portfolio":
		b.handlePortfolio(c, reqID)
	case "forget":
		b.handleForget(c, f, reqID)
	case "order_book":
		b.handleOrderBook(c, f, reqID)
	case "ping":
		c.write(frame{"msg_type": protocol.MsgPing, "req_id": reqID, "ping": "pong"})
	default:
		c.write(errorFrame("error", reqID, &protocol.APIError{
			Code: "UnrecognisedRequest", Message: "unrecognised request",
		}))
	}
}

func (b *Broker) handleAuthorize(c *brokerConn, f frame, reqID int64) {
	token, _ := f["authorize"].(string)

	b.mu.Lock()
	if apiErr, forced := b.authErrs[token]; forced {
		b.mu.Unlock()
		c.write(errorFrame(protocol.MsgAuthorize, reqID, apiErr))
		return
	}
	acct, ok := b.accounts[token]
	if ok {
		c.account = acct
	}
	b.mu.Unlock()

	if !ok {
		c.write(errorFrame(protocol.MsgAuthorize, reqID, &protocol.APIError{
			Code: "InvalidToken", Message: "the token is invalid",
		}))
		return
	}

	virtual := 0
	if acct.Virtual {
		virtual = 1
	}
	c.write(frame{
		"msg_type": protocol.MsgAuthorize,
		"req_id":   reqID,
		"authorize": frame{
			"loginid":    acct.LoginID,
			"currency":   acct.Currency,
			"balance":    acct.Balance,
			"is_virtual": virtual,
		},
	})
}

func (b *Broker) handleTicksSubscribe(c *brokerConn, f frame, reqID int64) {
	symbol, _ := f["ticks"].(string)

	b.mu.Lock()
	sub := b.addSub(&subscription{kind: "ticks", symbol: symbol, reqID: reqID, conn: c})
	last, seen := b.lastTick(symbol)
	b.mu.Unlock()

	resp := frame{
		"msg_type":     protocol.MsgTick,
		"req_id":       reqID,
		"subscription": frame{"id": sub.id},
	}
	if seen {
		resp["tick"] = frame{"symbol": symbol, "epoch": last.epoch, "quote": last.quote, "id": sub.id}
	}
	c.write(resp)
}

func (b *Broker) handleHistory(c *brokerConn, f frame, reqID int64) {
	symbol, _ := f["ticks_history"].(string)
	count := intField(f, "count")

	b.mu.Lock()
	ticks := b.history[symbol]
	if count > 0 && count < len(ticks) {
		ticks = ticks[len(ticks)-count:]
	}
	prices := make([]decimal.Decimal, len(ticks))
	times := make([]int64, len(ticks))
	for i, tk := range ticks {
		prices[i] = tk.quote
		times[i] = tk.epoch
	}
	b.mu.Unlock()

	c.write(frame{
		"msg_type": protocol.MsgHistory,
		"req_id":   reqID,
		"history":  frame{"prices": prices, "times": times},
	})
}

func (b *Broker) handleProposal(c *brokerConn, f frame, reqID int64) {
	symbol, _ := f["symbol"].(string)
	contractType, _ := f["contract_type"].(string)
	unit, _ := f["duration_unit"].(string)
	amount := decField(f, "amount")

	b.mu.Lock()
	b.proposalSeq++
	prop := &proposalState{
		id:           fmt.Sprintf("prop-%d", b.proposalSeq),
		symbol:       symbol,
		contractType: contractType,
		askPrice:     amount,
		payout:       amount.Mul(b.payoutRatio).Round(2),
		duration:     contractDuration(intField(f, "duration"), unit),
	}
	b.proposals[prop.id] = prop
	spot := b.quotes[symbol]
	b.mu.Unlock()

	c.write(frame{
		"msg_type": protocol.MsgProposal,
		"req_id":   reqID,
		"proposal": frame{
			"id":        prop.id,
			"ask_price": prop.askPrice,
			"payout":    prop.payout,
			"spot":      spot,
		},
	})
}

func (b *Broker) handleBuy(c *brokerConn, f frame, reqID int64) {
	proposalID, _ := f["buy"].(string)
	maxPrice := decField(f, "price")

	b.mu.Lock()
	prop, ok := b.proposals[proposalID]
	if !ok || prop.consumed {
		b.mu.Unlock()
		c.write(errorFrame(protocol.MsgBuy, reqID, &protocol.APIError{
			Code: "InvalidContractProposal", Message: "this contract proposal is no longer valid",
		}))
		return
	}
	if maxPrice.LessThan(prop.askPrice) {
		b.mu.Unlock()
		c.write(errorFrame(protocol.MsgBuy, reqID, &protocol.APIError{
			Code: "PriceMoved", Message: "the underlying price has moved",
		}))
		return
	}
	prop.consumed = true
	b.contractSeq++
	ct := &contractState{
		id:           b.contractSeq,
		symbol:       prop.symbol,
		contractType: prop.contractType,
		buyPrice:     prop.askPrice,
		payout:       prop.payout,
		strike:       b.quotes[prop.symbol],
		purchaseTime: time.Now().Unix(),
	}
	b.contracts[ct.id] = ct
	if b.autoSettle && prop.duration > 0 {
		id := ct.id
		time.AfterFunc(prop.duration, func() { b.settleExpired(id) })
	}
	b.mu.Unlock()

	c.write(frame{
		"msg_type": protocol.MsgBuy,
		"req_id":   reqID,
		"buy": frame{
			"contract_id":   ct.id,
			"buy_price":     ct.buyPrice,
			"payout":        ct.payout,
			"purchase_time": ct.purchaseTime,
		},
	})
}

func (b *Broker) handleOpenContract(c *brokerConn, f frame, reqID int64) {
	contractID := int64(intField(f, "contract_id"))

	b.mu.Lock()
	ct, ok := b.contracts[contractID]
	if !ok {
		b.mu.Unlock()
		c.write(errorFrame(protocol.MsgOpenContract, reqID, &protocol.APIError{
			Code: "ContractNotFound", Message: fmt.Sprintf("contract %d not found", contractID),
		}))
		return
	}
	sub := b.addSub(&subscription{kind: "contract", contractID: contractID, reqID: reqID, conn: c})
	payload := contractPayload(ct)
	b.mu.Unlock()

	c.write(openContractFrame(payload, sub.id, reqID))
}

func (b *Broker) handlePortfolio(c *brokerConn, reqID int64) {
	b.mu.Lock()
	var contracts []frame
	for id := int64(1001); id <= b.contractSeq; id++ {
		ct, ok := b.contracts[id]
		if !ok || ct.sold {
			continue
		}
		contracts = append(contracts, frame{
			"contract_id":   ct.id,
			"symbol":        ct.symbol,
			"contract_type": ct.contractType,
			"buy_price":     ct.buyPrice,
			"payout":        ct.payout,
			"purchase_time": ct.purchaseTime,
		})
	}
	b.mu.Unlock()

	if contracts == nil {
		contracts = []frame{}
	}
	c.write(frame{
		"msg_type":  protocol.MsgPortfolio,
		"req_id":    reqID,
		"portfolio": frame{"contracts": contracts},
	})
}

func (b *Broker) handleForget(c *brokerConn, f frame, reqID int64) {
	subID, _ := f["forget"].(string)

	b.mu.Lock()
	_, found := b.subs[subID]
	delete(b.subs, subID)
	b.mu.Unlock()

	removed := 0
	if found {
		removed = 1
	}
	c.write(frame{"msg_type": protocol.MsgForget, "req_id": reqID, "forget": removed})
}

func (b *Broker) handleOrderBook(c *brokerConn, f frame, reqID int64) {
	symbol, _ := f["order_book"].(string)

	b.mu.Lock()
	sub := b.addSub(&subscription{kind: "order_book", symbol: symbol, reqID: reqID, conn: c})
	book, seen := b.books[symbol]
	b.mu.Unlock()

	resp := frame{
		"msg_type":     protocol.MsgOrderBook,
		"req_id":       reqID,
		"subscription": frame{"id": sub.id},
	}
	if seen {
		resp["order_book"] = book
	}
	c.write(resp)
}

// settleExpired resolves a contract at expiry against its strike. CALL wins
// above the strike, PUT below; a tie loses.
func (b *Broker) settleExpired(contractID int64) {
	b.mu.Lock()
	ct, ok := b.contracts[contractID]
	if !ok || ct.sold {
		b.mu.Unlock()
		return
	}
	spot := b.quotes[ct.symbol]
	b.mu.Unlock()

	won := spot.GreaterThan(ct.strike)
	if ct.contractType == "PUT" {
		won = spot.LessThan(ct.strike)
	}
	profit := ct.buyPrice.Neg()
	if won {
		profit = ct.payout.Sub(ct.buyPrice)
	}
	_ = b.SettleContract(contractID, profit)
}

// addSub assigns a subscription id and registers it. Caller holds b.mu.
func (b *Broker) addSub(sub *subscription) *subscription {
	b.subSeq++
	sub.id = fmt.Sprintf("sub-%d", b.subSeq)
	b.subs[sub.id] = sub
	return sub
}

// lastTick returns the most recent tick for a symbol. Caller holds b.mu.
func (b *Broker) lastTick(symbol string) (histTick, bool) {
	ticks := b.history[symbol]
	if len(ticks) > 0 {
		return ticks[len(ticks)-1], true
	}
	if q, ok := b.quotes[symbol]; ok {
		return histTick{epoch: time.Now().Unix(), quote: q}, true
	}
	return histTick{}, false
}

func contractPayload(ct *contractState) frame {
	sold := 0
	status := "open"
	if ct.sold {
		sold = 1
		status = "sold"
	}
	return frame{
		"contract_id":    ct.id,
		"underlying":     ct.symbol,
		"contract_type":  ct.contractType,
		"is_sold":        sold,
		"status":         status,
		"buy_price":      ct.buyPrice,
		"payout":         ct.payout,
		"bid_price":      ct.bidPrice,
		"profit":         ct.profit,
		"sell_price":     ct.sellPrice,
		"purchase_price": ct.buyPrice,
	}
}

func openContractFrame(payload frame, subID string, reqID int64) frame {
	return frame{
		"msg_type":               protocol.MsgOpenContract,
		"req_id":                 reqID,
		"subscription":           frame{"id": subID},
		"proposal_open_contract": payload,
	}
}

func errorFrame(msgType string, reqID int64, apiErr *protocol.APIError) frame {
	return frame{
		"msg_type": msgType,
		"req_id":   reqID,
		"error":    frame{"code": apiErr.Code, "message": apiErr.Message},
	}
}

func contractDuration(value int, unit string) time.Duration {
	if value <= 0 {
		return 0
	}
	switch unit {
	case "m":
		return time.Duration(value) * time.Minute
	case "h":
		return time.Duration(value) * time.Hour
	default:
		// ticks arrive about once per second on the mock feed
		return time.Duration(value) * time.Second
	}
}

func requestKind(f frame) string {
	for _, kind := range []string{
		"authorize", "ticks_history", "ticks", "proposal_open_contract",
		"proposal", "buy", "portfolio", "forget", "order_book", "ping",
	} {
		if _, ok := f[kind]; ok {
			return kind
		}
	}
	return "unknown"
}

func reqIDOf(f frame) int64 {
	switch v := f["req_id"].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func intField(f frame, key string) int {
	switch v := f[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func decField(f frame, key string) decimal.Decimal {
	switch v := f[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}
