package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode"
)

// Status values for the mutations and ai_requests tables. Transitions are
// enforced in SQL: MarkInFlight requires pending, MarkApplied/MarkRetry/
// MarkFailed require in_flight. ReclaimInFlight returns crashed in_flight
// rows to pending at startup.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusApplied   = "applied"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Operation is the kind of data change a mutation carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// ParseOperation converts a database TEXT value to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpInsert, OpUpdate, OpUpsert, OpDelete:
		return Operation(s), nil
	default:
		return "", fmt.Errorf("outbox: unknown operation %q", s)
	}
}

// EntityKey identifies the remote row a mutation targets. Per-key ordering
// is the engine's core delivery guarantee: mutations for the same key reach
// the remote in enqueue order.
type EntityKey struct {
	Table string
	RowID string
}

// String renders the key as "table/rowID" for logs and map keys.
func (k EntityKey) String() string {
	return k.Table + "/" + k.RowID
}

// Mutation is one queued data change. ID is the SQLite rowid, monotonically
// increasing in enqueue order, which is what per-key ordering sorts on.
type Mutation struct {
	ID         int64
	Key        EntityKey
	Op         Operation
	Payload    json.RawMessage
	ProjectID  string
	CreatedAt  time.Time
	Status     string
	RetryCount int
	LastError  string
}

// AIRequest is one deferred AI call. RequestKey is the caller-supplied
// idempotency key: re-enqueueing the same key returns the existing row.
type AIRequest struct {
	ID         int64
	RequestKey string
	Payload    json.RawMessage
	ProjectID  string
	CreatedAt  time.Time
	Status     string
	RetryCount int
	LastError  string
}

var (
	// ErrEmptyKey is returned when a mutation is enqueued without a table
	// or row identifier.
	ErrEmptyKey = errors.New("outbox: entity key must have table and row ID")

	// ErrInvalidPayload is returned when an enqueued payload is not a JSON
	// object. Malformed writes are caught here, before they are persisted.
	ErrInvalidPayload = errors.New("outbox: payload must be a JSON object")
)

// ValidateMutation checks a mutation before it reaches the outbox. Payloads
// must be JSON objects; delete is the one operation allowed an empty payload
// (the entity key alone identifies what to remove).
func ValidateMutation(key EntityKey, op Operation, payload json.RawMessage) error {
	if key.Table == "" || key.RowID == "" {
		return ErrEmptyKey
	}

	if _, err := ParseOperation(string(op)); err != nil {
		return err
	}

	if len(payload) == 0 {
		if op == OpDelete {
			return nil
		}

		return ErrInvalidPayload
	}

	return validateObjectPayload(payload)
}

// ValidateAIRequest checks a queued AI request before persistence.
func ValidateAIRequest(requestKey string, payload json.RawMessage) error {
	if requestKey == "" {
		return errors.New("outbox: request key must not be empty")
	}

	if len(payload) == 0 {
		return ErrInvalidPayload
	}

	return validateObjectPayload(payload)
}

// validateObjectPayload verifies the payload is well-formed JSON whose top
// level is an object.
func validateObjectPayload(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}

	for _, b := range payload {
		if unicode.IsSpace(rune(b)) {
			continue
		}

		if b != '{' {
			return ErrInvalidPayload
		}

		return nil
	}

	return ErrInvalidPayload
}
