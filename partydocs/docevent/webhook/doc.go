// Package webhook delivers document events to subscriber endpoints over
// HTTP, one POST per matching subscription, with a circuit breaker per
// subscriber.
package webhook
