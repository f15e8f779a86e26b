package docevent

import "strings"

// DeliveryOutcome is the per-subscriber result of one delivery attempt.
// It is persisted verbatim in the delivery_status column on terminal
// transition.
type DeliveryOutcome struct {
	SubscriberRef string `json:"subscriberRef"`
	Status        int    `json:"status"`
	Error         string `json:"error,omitempty"`
}

// HasError reports whether the outcome carries an error.
func (outcome DeliveryOutcome) HasError() bool {
	return strings.TrimSpace(outcome.Error) != ""
}

// ResolveTerminalStatus applies the completion decision rule once
// dispatch settles: zero outcomes means no subscriber matched, any error
// outcome fails the whole event, otherwise the event was sent.
func ResolveTerminalStatus(outcomes []DeliveryOutcome) Status {
	if len(outcomes) == 0 {
		return StatusNoMatchingSubscriptions
	}

	for _, outcome := range outcomes {
		if outcome.HasError() {
			return StatusFailed
		}
	}

	return StatusSent
}
