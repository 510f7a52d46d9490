package core

import (
	"errors"
	"fmt"
)

// ErrorKind tags every failure the runtime can surface to a caller.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindAuth              ErrorKind = "AUTH"
	KindConnectionLost    ErrorKind = "CONNECTION_LOST"
	KindRequestTimeout    ErrorKind = "REQUEST_TIMEOUT"
	KindQueueFull         ErrorKind = "QUEUE_FULL"
	KindUpstreamTransient ErrorKind = "UPSTREAM_TRANSIENT"
	KindUpstreamFatal     ErrorKind = "UPSTREAM_FATAL"
	KindRiskGate          ErrorKind = "RISK_GATE"
	KindDuplicateRejected ErrorKind = "DUPLICATE_REJECTED"
	KindKillSwitch        ErrorKind = "KILL_SWITCH"
	KindSlippageExceeded  ErrorKind = "SLIPPAGE_EXCEEDED"
	KindPersistence       ErrorKind = "PERSISTENCE_DEGRADED"
)

// Gate reasons carried by KindRiskGate errors and gate decisions.
const (
	ReasonMaxOrderSize    = "MAX_ORDER_SIZE"
	ReasonMaxNotional     = "MAX_NOTIONAL"
	ReasonMaxExposure     = "MAX_EXPOSURE"
	ReasonOrdersPerSecond = "ORDERS_PER_SECOND"
	ReasonOrdersPerMinute = "ORDERS_PER_MINUTE"
	ReasonDailyLoss       = "DAILY_LOSS"
	ReasonDrawdown        = "DRAWDOWN"
	ReasonTradeCooldown   = "TRADE_COOLDOWN"
	ReasonLossStreak      = "LOSS_STREAK"
	ReasonMaxConcurrent   = "MAX_CONCURRENT"
	ReasonStakeLimit      = "STAKE_LIMIT"
)

// Error is the tagged error type crossing component boundaries.
type Error struct {
	Kind   ErrorKind
	Reason string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Cause != nil:
		return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.Reason, e.Msg, e.Cause)
	case e.Reason != "":
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a tagged error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// NewErrorf creates a tagged error with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying cause.
func WrapError(kind ErrorKind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// NewGateError creates a RISK_GATE error carrying the denial reason.
func NewGateError(reason, msg string) *Error {
	return &Error{Kind: KindRiskGate, Reason: reason, Msg: msg}
}

// KindOf returns the kind of err, or "" when err carries no tag.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// GateReasonOf returns the gate reason of a RISK_GATE error, or "".
func GateReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRiskGate {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the caller's retry policy may re-attempt.
// VALIDATION, AUTH, RISK_GATE, DUPLICATE_REJECTED, KILL_SWITCH,
// SLIPPAGE_EXCEEDED and UPSTREAM_FATAL are never retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectionLost, KindRequestTimeout, KindQueueFull, KindUpstreamTransient:
		return true
	default:
		return false
	}
}
