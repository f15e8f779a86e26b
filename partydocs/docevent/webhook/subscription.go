package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/meridianpm/lib-partydocs/partydocs/docevent"
)

// Subscription describes one delivery target. A subscription with an
// empty Activities list receives every event; otherwise the event's
// activity must be listed.
type Subscription struct {
	// Ref identifies the subscriber in delivery outcomes.
	Ref string
	// URL is the endpoint POSTed to on delivery.
	URL string
	// Active gates delivery; inactive subscriptions are skipped.
	Active bool
	// Activities filters which activities this subscriber receives.
	Activities []string
}

// Matches reports whether the subscription should receive an event with
// the given activity.
func (subscription Subscription) Matches(activity string) bool {
	if !subscription.Active {
		return false
	}

	if len(subscription.Activities) == 0 {
		return true
	}

	for _, candidate := range subscription.Activities {
		if strings.EqualFold(strings.TrimSpace(candidate), activity) {
			return true
		}
	}

	return false
}

// SubscriptionSource lists the subscriptions for the tenant in ctx.
type SubscriptionSource interface {
	Subscriptions(ctx context.Context) ([]Subscription, error)
}

// SubscriptionSourceFunc adapts a function to SubscriptionSource.
type SubscriptionSourceFunc func(ctx context.Context) ([]Subscription, error)

// Subscriptions calls the underlying function.
func (fn SubscriptionSourceFunc) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return fn(ctx)
}

// StaticSubscriptionSource serves a fixed subscription list, useful for
// single-tenant setups and tests.
type StaticSubscriptionSource struct {
	subscriptions []Subscription
}

var _ SubscriptionSource = (*StaticSubscriptionSource)(nil)

// NewStaticSubscriptionSource creates a source over a fixed list.
func NewStaticSubscriptionSource(subscriptions ...Subscription) *StaticSubscriptionSource {
	copied := make([]Subscription, len(subscriptions))
	copy(copied, subscriptions)

	return &StaticSubscriptionSource{subscriptions: copied}
}

// Subscriptions returns the configured list.
func (source *StaticSubscriptionSource) Subscriptions(_ context.Context) ([]Subscription, error) {
	return source.subscriptions, nil
}

// eventActivity extracts the activity name from the event's triggeredBy
// payload. Events without one match only unfiltered subscriptions.
func eventActivity(event *docevent.DocumentEvent) string {
	if event == nil || len(event.TriggeredBy) == 0 {
		return ""
	}

	var triggeredBy struct {
		Activity string `json:"activity"`
	}

	if err := json.Unmarshal(event.TriggeredBy, &triggeredBy); err != nil {
		return ""
	}

	return strings.TrimSpace(triggeredBy.Activity)
}
