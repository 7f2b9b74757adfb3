// Package bridge moves value that was settled on a source chain to the
// merchant on a destination chain, and tracks each transfer as a durable job.
package bridge

import (
	"errors"
	"math/big"
	"time"
)

var (
	// ErrUnknownNetwork is returned for a network without a configured
	// backend or payout wallet.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrBridgeTimeout is returned when the destination release was not
	// observed within the polling bound.
	ErrBridgeTimeout = errors.New("bridge completion timed out")

	// ErrBridgeFailed is returned when the bridge reports a terminal failure.
	ErrBridgeFailed = errors.New("bridge transfer failed")

	// ErrJobNotFound is returned by stores for unknown job ids.
	ErrJobNotFound = errors.New("bridge job not found")

	// ErrCheckpoint is returned when an initiated bridge could not be
	// recorded.
	ErrCheckpoint = errors.New("bridge checkpoint failed")
)

// Record describes one bridge transfer. Amount is the source amount in the
// asset's smallest unit; Asset is the destination asset.
type Record struct {
	SourceChain string `json:"sourceChain"`
	SourceTx    string `json:"sourceTx"`
	DestChain   string `json:"destChain"`
	DestTx      string `json:"destTx,omitempty"`
	SourceAsset string `json:"sourceAsset,omitempty"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
	Payer       string `json:"payer,omitempty"`
}

// Result is the outcome of a completed bridge.
type Result struct {
	BridgeTx      string `json:"bridgeTx"`
	DestinationTx string `json:"destinationTx"`
}

// Transfer is what a Bridge implementation executes: the record plus the
// payout converted to the destination asset.
type Transfer struct {
	Record
	Payout *big.Int
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusDeadLetter JobStatus = "dead_letter"
)

// Job is a persisted bridge work item.
type Job struct {
	ID        string    `json:"id"`
	Record    Record    `json:"record"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	BridgeTx  string    `json:"bridgeTx,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	NextRunAt time.Time `json:"nextRunAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the job will not run again.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusDeadLetter
}
