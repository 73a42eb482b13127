package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// IdempotencyStatus is the state of a ledger record.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyDone       IdempotencyStatus = "done"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is the ledger entry for one mutating operation.
// While live, the remote mutating call for Fingerprint is issued at most once.
type IdempotencyRecord struct {
	Fingerprint string            `json:"fingerprint"`
	Operation   OperationKind     `json:"operation"`
	Target      string            `json:"target"`
	Status      IdempotencyStatus `json:"status"`

	// Owner identifies the claim holder; settling a record requires it
	Owner string `json:"owner,omitempty"`

	// Result is the cached RemoteResult of a done record
	Result json.RawMessage `json:"result,omitempty"`

	// ErrorCode and ErrorMessage are the cached outcome of a failed record
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// LeaseUntil bounds how long an in_progress claim blocks other callers
	LeaseUntil time.Time `json:"lease_until"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewIdempotencyClaim creates an in_progress record for a fingerprint.
func NewIdempotencyClaim(fingerprint string, op OperationKind, target string, lease, ttl time.Duration) *IdempotencyRecord {
	now := time.Now()
	return &IdempotencyRecord{
		Fingerprint: fingerprint,
		Operation:   op,
		Target:      target,
		Status:      IdempotencyInProgress,
		Owner:       GenerateID(),
		LeaseUntil:  now.Add(lease),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// IsLive reports whether the record still guards its fingerprint.
func (r *IdempotencyRecord) IsLive(now time.Time) bool {
	if !now.Before(r.ExpiresAt) {
		return false
	}
	if r.Status == IdempotencyInProgress {
		return now.Before(r.LeaseUntil)
	}
	return true
}

// IsSettled reports whether the record holds a cached outcome.
func (r *IdempotencyRecord) IsSettled() bool {
	return r.Status == IdempotencyDone || r.Status == IdempotencyFailed
}

// Settle stores the outcome of the guarded call.
func (r *IdempotencyRecord) Settle(result *RemoteResult, err error) error {
	r.UpdatedAt = time.Now()
	if err != nil {
		r.Status = IdempotencyFailed
		r.ErrorCode = CodeOf(err)
		r.ErrorMessage = err.Error()
		r.Result = nil
		return nil
	}
	data, mErr := json.Marshal(result)
	if mErr != nil {
		return fmt.Errorf("marshal result: %w", mErr)
	}
	r.Status = IdempotencyDone
	r.Result = data
	r.ErrorCode = ""
	r.ErrorMessage = ""
	return nil
}

// Outcome decodes the cached outcome of a settled record.
func (r *IdempotencyRecord) Outcome() (*RemoteResult, error) {
	switch r.Status {
	case IdempotencyDone:
		var result RemoteResult
		if len(r.Result) > 0 {
			if err := json.Unmarshal(r.Result, &result); err != nil {
				return nil, fmt.Errorf("unmarshal cached result: %w", err)
			}
		}
		result.Replayed = true
		return &result, nil
	case IdempotencyFailed:
		return nil, &CachedError{Code: r.ErrorCode, Message: r.ErrorMessage}
	default:
		return nil, ErrOperationInProgress
	}
}

// CachedError replays a failure recorded in the ledger.
type CachedError struct {
	Code    ErrorCode
	Message string
}

func (e *CachedError) Error() string {
	return e.Message
}

func (e *CachedError) Unwrap() error {
	return e.Code.Sentinel()
}

// Fingerprint computes a deterministic hash of operation kind, target and payload.
// The payload is canonicalised through encoding/json, which sorts map keys.
func Fingerprint(kind, target string, payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalise payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
