// Package confirm tracks a submitted transaction until it reaches a terminal
// status. The tracker polls the exchange's transaction lookup, interprets the
// wire-level status codes, and decodes the error payload embedded in failed
// records. Polling is read-only: abandoning a wait has no side effects on any
// shared state.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

const (
	DefaultMaxWaitTime  = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	// FallbackErrorMessage is reported when a failed record carries no
	// decodable error detail.
	FallbackErrorMessage = "no error details available"
)

// ErrTimeout is returned when no terminal status was observed within the
// wait budget. It is a liveness failure of the poller, not a statement about
// the transaction's fate: the transaction may still confirm later.
var ErrTimeout = errors.New("confirmation wait timed out")

// ITransactionLookup is the status data source the tracker polls.
type ITransactionLookup interface {
	GetTransaction(ctx context.Context, hash string) (*apiClient.TransactionRecord, error)
}

// WaitOpts bounds one confirmation wait.
type WaitOpts struct {
	// MaxWaitTime is the total budget before ErrTimeout. Defaults to
	// DefaultMaxWaitTime.
	MaxWaitTime time.Duration
	// PollInterval is the delay between status lookups. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration
}

// RejectionError is the terminal failure of a tracked transaction: either a
// FAILED/REJECTED status, or a COMMITTED/EXECUTED record carrying an embedded
// execution error.
type RejectionError struct {
	Status  apiClient.TxStatus
	Code    int32
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transaction %s: %s (code %d)", e.Status, e.Message, e.Code)
}

// ExecutionError is the error detail embedded in a transaction's event info.
type ExecutionError struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// eventInfo is the outer event blob; its error field is itself a further
// JSON-encoded ExecutionError.
type eventInfo struct {
	Error string `json:"error"`
}

// EncodeExecutionError produces the doubly-encoded event info blob carrying
// the given error detail, as the exchange emits it on failed transactions.
func EncodeExecutionError(execErr *ExecutionError) (string, error) {
	inner, err := json.Marshal(execErr)
	if err != nil {
		return "", fmt.Errorf("failed to encode execution error: %w", err)
	}
	outer, err := json.Marshal(&eventInfo{Error: string(inner)})
	if err != nil {
		return "", fmt.Errorf("failed to encode event info: %w", err)
	}
	return string(outer), nil
}

// DecodeExecutionError extracts the error detail embedded in an event info
// blob. It returns (nil, nil) when the blob carries no error, the detail when
// present, and a non-nil error when either encoding level is malformed.
func DecodeExecutionError(raw string) (*ExecutionError, error) {
	if raw == "" {
		return nil, nil
	}
	outer := new(eventInfo)
	if err := json.Unmarshal([]byte(raw), outer); err != nil {
		return nil, fmt.Errorf("failed to decode event info: %w", err)
	}
	if outer.Error == "" {
		return nil, nil
	}
	inner := new(ExecutionError)
	if err := json.Unmarshal([]byte(outer.Error), inner); err != nil {
		return nil, fmt.Errorf("failed to decode embedded error: %w", err)
	}
	return inner, nil
}

// Tracker polls transaction statuses until terminal or timed out.
type Tracker struct {
	lookup ITransactionLookup
	logger *zap.Logger
}

// NewTracker creates a Tracker over the given lookup.
func NewTracker(lookup ITransactionLookup, logger *zap.Logger) (*Tracker, error) {
	if lookup == nil {
		return nil, fmt.Errorf("transaction lookup is required")
	}
	return &Tracker{lookup: lookup, logger: logger}, nil
}

// Await polls the transaction until a terminal outcome or the wait budget is
// spent.
//
// Outcomes:
//   - EXECUTED, or COMMITTED without an embedded execution error: the record
//     is returned with a nil error. A committed order may still be awaiting a
//     trigger; that is not an execution failure.
//   - FAILED or REJECTED, or COMMITTED/EXECUTED with an embedded execution
//     error: the record is returned together with a *RejectionError.
//   - budget spent: a nil record and an error wrapping ErrTimeout, distinct
//     from any rejection.
//
// Lookup failures, including the expected not-found window before the record
// propagates, are treated as transient and polled through; the last one is
// attached to the timeout error.
func (t *Tracker) Await(ctx context.Context, hash string, opts *WaitOpts) (*apiClient.TransactionRecord, error) {
	if opts == nil {
		opts = &WaitOpts{}
	}
	maxWait := opts.MaxWaitTime
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.Now().Add(maxWait)
	var lastErr error

	for {
		record, err := t.lookup.GetTransaction(ctx, hash)
		switch {
		case err == nil:
			done, terminalErr := t.classify(record)
			if done {
				return record, terminalErr
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case errors.Is(err, apiClient.ErrTxNotFound):
			// The record may not have propagated yet.
			lastErr = err
		default:
			t.logger.Debug("transient lookup failure while awaiting confirmation",
				zap.String("hash", hash),
				zap.Error(err),
			)
			lastErr = err
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %s for %s (last lookup error: %v)", ErrTimeout, maxWait, hash, lastErr)
			}
			return nil, fmt.Errorf("%w after %s for %s", ErrTimeout, maxWait, hash)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// classify maps a record to (terminal?, terminal error). Decode failures on
// the embedded error are missing detail, never fatal to the wait.
func (t *Tracker) classify(record *apiClient.TransactionRecord) (bool, error) {
	switch record.Status {
	case apiClient.TxStatusPending, apiClient.TxStatusQueued:
		return false, nil

	case apiClient.TxStatusFailed, apiClient.TxStatusRejected:
		execErr, decodeErr := DecodeExecutionError(record.EventInfo)
		if decodeErr != nil || execErr == nil {
			return true, &RejectionError{Status: record.Status, Message: FallbackErrorMessage}
		}
		return true, &RejectionError{Status: record.Status, Code: execErr.Code, Message: execErr.Message}

	case apiClient.TxStatusCommitted, apiClient.TxStatusExecuted:
		execErr, decodeErr := DecodeExecutionError(record.EventInfo)
		if decodeErr == nil && execErr != nil {
			return true, &RejectionError{Status: record.Status, Code: execErr.Code, Message: execErr.Message}
		}
		return true, nil

	default:
		return true, fmt.Errorf("unknown transaction status %d", record.Status)
	}
}
