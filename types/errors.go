package types

import "fmt"

// ErrorKind is the taxonomy class of a facilitator error.
type ErrorKind string

const (
	// KindValidation covers malformed or missing payload, requirement or
	// extension fields.
	KindValidation ErrorKind = "validation"

	// KindVerification covers signature, amount and network mismatches.
	KindVerification ErrorKind = "verification"

	// KindLiquidity is raised only by before-verify hooks, before any chain
	// write.
	KindLiquidity ErrorKind = "liquidity"

	// KindSettlement means the chain rejected or reverted the transaction.
	KindSettlement ErrorKind = "settlement"

	// KindBridge happens after source settlement already succeeded.
	KindBridge ErrorKind = "bridge"

	// KindNonceConflict is transient and retried inside the submitter.
	KindNonceConflict ErrorKind = "nonce_conflict"

	// KindHookFailure wraps an error returned by a lifecycle hook.
	KindHookFailure ErrorKind = "hook_failure"
)

// X402Error is the structured error returned across package boundaries.
type X402Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// NewError builds an X402Error.
func NewError(kind ErrorKind, code, message string, err error) *X402Error {
	return &X402Error{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *X402Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *X402Error) Unwrap() error {
	return e.Err
}
