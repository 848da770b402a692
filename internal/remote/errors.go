package remote

import "fmt"

// RejectedError is a terminal refusal from the remote: validation or
// authorization failed and retrying the same payload cannot succeed. The
// policy layer maps it to a failed outbox row, never a retry.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote: rejected (status %d)", e.StatusCode)
	}

	return fmt.Sprintf("remote: rejected (status %d): %s", e.StatusCode, e.Reason)
}
