package domain

import "fmt"

// Status is the lifecycle state shared by chains, tasks and batches.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusRevoked Status = "REVOKED"

	// StatusRetry is only used by TaskLog between attempts.
	StatusRetry Status = "RETRY"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	default:
		return false
	}
}

// Validate checks that s is a known status.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure, StatusRevoked, StatusRetry:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(s))
	}
}

// NonTerminalStatuses lists the statuses from which a chain or batch may
// still transition.
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusStarted}
}
