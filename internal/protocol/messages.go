package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Message types carried in the msg_type field of inbound frames.
const (
	MsgAuthorize    = "authorize"
	MsgTick         = "tick"
	MsgHistory      = "history"
	MsgProposal     = "proposal"
	MsgBuy          = "buy"
	MsgOpenContract = "proposal_open_contract"
	MsgPortfolio    = "portfolio"
	MsgForget       = "forget"
	MsgOrderBook    = "order_book"
	MsgPing         = "ping"
)

// APIError is the error object carried by upstream failure frames.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s: %s", e.Code, e.Message)
}

// Message is the decoded envelope of one inbound frame. Raw holds the full
// frame for typed payload decoding; ReceivedAt is the monotonic receive
// stamp and Wall the wall-clock stamp assigned by the session reader.
type Message struct {
	MsgType    string          `json:"msg_type"`
	ReqID      int64           `json:"req_id,omitempty"`
	Err        *APIError       `json:"error,omitempty"`
	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"-"`
	Wall       time.Time       `json:"-"`
}

// Decode parses an inbound frame and stamps it.
func Decode(data []byte, receivedAt, wall time.Time) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	m.Raw = data
	m.ReceivedAt = receivedAt
	m.Wall = wall
	return &m, nil
}

// SubscriptionInfo identifies a live stream for later forget frames.
type SubscriptionInfo struct {
	ID string `json:"id"`
}

// SubscriptionID extracts the stream id of a subscription response, or "".
func (m *Message) SubscriptionID() string {
	var env struct {
		Subscription *SubscriptionInfo `json:"subscription"`
	}
	if err := json.Unmarshal(m.Raw, &env); err != nil || env.Subscription == nil {
		return ""
	}
	return env.Subscription.ID
}

// AuthorizePayload is the account description returned on authorization.
type AuthorizePayload struct {
	LoginID   string          `json:"loginid"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	IsVirtual int             `json:"is_virtual"`
}

// TickPayload is one live quote.
type TickPayload struct {
	Symbol string          `json:"symbol"`
	Epoch  int64           `json:"epoch"`
	Quote  decimal.Decimal `json:"quote"`
	ID     string          `json:"id,omitempty"`
}

// HistoryPayload is a batch of historical quotes, oldest first.
type HistoryPayload struct {
	Prices []decimal.Decimal `json:"prices"`
	Times  []int64           `json:"times"`
}

// ProposalPayload is a priced contract offer.
type ProposalPayload struct {
	ID       string          `json:"id"`
	AskPrice decimal.Decimal `json:"ask_price"`
	Payout   decimal.Decimal `json:"payout"`
	Spot     decimal.Decimal `json:"spot"`
}

// BuyPayload confirms an opened contract.
type BuyPayload struct {
	ContractID   int64           `json:"contract_id"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	Payout       decimal.Decimal `json:"payout"`
	PurchaseTime int64           `json:"purchase_time"`
}

// OpenContractPayload is a settlement-tracking update. Unknown fields are
// left in Raw; only the fields below are relied upon.
type OpenContractPayload struct {
	ContractID    int64           `json:"contract_id"`
	IsSold        int             `json:"is_sold"`
	Profit        decimal.Decimal `json:"profit"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	BidPrice      decimal.Decimal `json:"bid_price"`
	Status        string          `json:"status"`
	Underlying    string          `json:"underlying"`
}

// Sold reports whether the contract has settled.
func (p *OpenContractPayload) Sold() bool { return p.IsSold != 0 }

// EffectiveBuyPrice returns buy_price, falling back to purchase_price.
func (p *OpenContractPayload) EffectiveBuyPrice() decimal.Decimal {
	if !p.BuyPrice.IsZero() {
		return p.BuyPrice
	}
	return p.PurchasePrice
}

// PortfolioContract is one open position in a portfolio response.
type PortfolioContract struct {
	ContractID   int64           `json:"contract_id"`
	Symbol       string          `json:"symbol"`
	ContractType string          `json:"contract_type"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	Payout       decimal.Decimal `json:"payout"`
	PurchaseTime int64           `json:"purchase_time"`
}

// PortfolioPayload lists the account's open contracts.
type PortfolioPayload struct {
	Contracts []PortfolioContract `json:"contracts"`
}

// OrderBookPayload is a depth snapshot. Levels are [price, size] pairs.
type OrderBookPayload struct {
	Symbol string              `json:"symbol"`
	Bids   [][]decimal.Decimal `json:"bids"`
	Asks   [][]decimal.Decimal `json:"asks"`
}

func decodePayload(raw json.RawMessage, field string, out interface{}) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	payload, ok := env[field]
	if !ok {
		return fmt.Errorf("frame has no %q payload", field)
	}
	return json.Unmarshal(payload, out)
}

// DecodeAuthorize extracts the authorize payload.
func (m *Message) DecodeAuthorize() (*AuthorizePayload, error) {
	var p AuthorizePayload
	if err := decodePayload(m.Raw, "authorize", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeTick extracts the tick payload.
func (m *Message) DecodeTick() (*TickPayload, error) {
	var p TickPayload
	if err := decodePayload(m.Raw, "tick", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeHistory extracts the ticks_history payload.
func (m *Message) DecodeHistory() (*HistoryPayload, error) {
	var p HistoryPayload
	if err := decodePayload(m.Raw, "history", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeProposal extracts the proposal payload.
func (m *Message) DecodeProposal() (*ProposalPayload, error) {
	var p ProposalPayload
	if err := decodePayload(m.Raw, "proposal", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeBuy extracts the buy payload.
func (m *Message) DecodeBuy() (*BuyPayload, error) {
	var p BuyPayload
	if err := decodePayload(m.Raw, "buy", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeOpenContract extracts the proposal_open_contract payload.
func (m *Message) DecodeOpenContract() (*OpenContractPayload, error) {
	var p OpenContractPayload
	if err := decodePayload(m.Raw, "proposal_open_contract", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodePortfolio extracts the portfolio payload.
func (m *Message) DecodePortfolio() (*PortfolioPayload, error) {
	var p PortfolioPayload
	if err := decodePayload(m.Raw, "portfolio", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeOrderBook extracts the order_book payload.
func (m *Message) DecodeOrderBook() (*OrderBookPayload, error) {
	var p OrderBookPayload
	if err := decodePayload(m.Raw, "order_book", &p); err != nil {
		return nil, err
	}
	return &p, nil
}
