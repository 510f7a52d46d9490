// Package protocol defines the upstream broker wire frames: outbound request
// builders and the inbound message envelope with typed payload decoders.
package protocol

import (
	"github.com/shopspring/decimal"
)

// Request is an outbound frame. The session layer injects req_id before send.
type Request map[string]interface{}

// WithReqID returns a copy of the request tagged with the given request id.
func (r Request) WithReqID(id int64) Request {
	out := make(Request, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out["req_id"] = id
	return out
}

// Authorize builds the session authorization frame.
func Authorize(token string) Request {
	return Request{"authorize": token}
}

// TicksSubscribe builds a live tick subscription frame.
func TicksSubscribe(symbol string) Request {
	return Request{"ticks": symbol, "subscribe": 1}
}

// TicksHistory builds a historical tick fetch ending at the latest tick.
func TicksHistory(symbol string, count int) Request {
	return Request{
		"ticks_history": symbol,
		"count":         count,
		"end":           "latest",
		"style":         "ticks",
	}
}

// Proposal builds a price proposal request for a binary contract.
func Proposal(amount decimal.Decimal, contractType, currency string, duration int, durationUnit, symbol string) Request {
	return Request{
		"proposal":      1,
		"amount":        amount,
		"basis":         "stake",
		"contract_type": contractType,
		"currency":      currency,
		"duration":      duration,
		"duration_unit": durationUnit,
		"symbol":        symbol,
	}
}

// Buy confirms a proposal, opening the contract at up to the given price.
func Buy(proposalID string, price decimal.Decimal) Request {
	return Request{"buy": proposalID, "price": price}
}

// OpenContractSubscribe subscribes to settlement updates for a contract.
func OpenContractSubscribe(contractID int64) Request {
	return Request{"proposal_open_contract": 1, "contract_id": contractID, "subscribe": 1}
}

// Portfolio requests the account's open contracts.
func Portfolio() Request {
	return Request{"portfolio": 1}
}

// Forget cancels the stream identified by the subscription id.
func Forget(subscriptionID string) Request {
	return Request{"forget": subscriptionID}
}

// OrderBookSubscribe subscribes to depth updates for a symbol.
func OrderBookSubscribe(symbol string, depth int) Request {
	return Request{"order_book": symbol, "subscribe": 1, "depth": depth}
}

// Ping is the application-level keepalive frame.
func Ping() Request {
	return Request{"ping": 1}
}
