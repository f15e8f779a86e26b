package docevent

import "fmt"

// Status represents a document event lifecycle state.
type Status string

const (
	// StatusPending marks a freshly written snapshot awaiting delivery.
	StatusPending Status = "PENDING"
	// StatusSending marks a snapshot claimed by exactly one worker.
	StatusSending Status = "SENDING"
	// StatusSent marks a snapshot delivered to every matched subscriber.
	StatusSent Status = "SENT"
	// StatusFailed marks a snapshot whose delivery produced at least one error.
	StatusFailed Status = "FAILED"
	// StatusNoMatchingSubscriptions marks a snapshot that had no interested
	// subscriber. Distinct from failure: nothing was wrong, there was simply
	// no one to deliver to.
	StatusNoMatchingSubscriptions Status = "NO_MATCHING_SUBSCRIPTIONS"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusSending, StatusSent, StatusFailed, StatusNoMatchingSubscriptions:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusSent, StatusFailed, StatusNoMatchingSubscriptions:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is
// legal. The lifecycle is strictly monotonic: a state is never revisited.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusSending
	case StatusSending:
		return next == StatusSent || next == StatusFailed || next == StatusNoMatchingSubscriptions
	case StatusSent, StatusFailed, StatusNoMatchingSubscriptions:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a raw status transition.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
