// Package metrics records facilitator events and latencies.
package metrics

import "time"

// Event names recorded by the facilitator.
const (
	EventVerify        = "verify"
	EventSettle        = "settle"
	EventHookAbort     = "hook_abort"
	EventHookFailure   = "hook_failure"
	EventNonceRetry    = "nonce_retry"
	EventTxReverted    = "tx_reverted"
	EventBridgeQueued  = "bridge_queued"
	EventBridgeDone    = "bridge_completed"
	EventBridgeRetry   = "bridge_retry"
	EventBridgeDead    = "bridge_dead_letter"
	EventBridgeFailure = "bridge_failure"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
