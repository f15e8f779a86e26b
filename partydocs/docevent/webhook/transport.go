package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/meridianpm/lib-partydocs/partydocs/docevent"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/sony/gobreaker"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxDrainBytes         = 4 * 1024

	deliveryIDHeader = "X-Delivery-Id"
	tenantIDHeader   = "X-Tenant-Id"
)

// ErrSubscriptionSourceRequired is returned when a transport is built
// without a subscription source.
var ErrSubscriptionSourceRequired = errors.New("subscription source is required")

// deliveryPayload is the body POSTed to each subscriber.
type deliveryPayload struct {
	ID            string          `json:"id"`
	PartyID       string          `json:"partyId"`
	TransactionID int64           `json:"transactionId"`
	TriggeredBy   json.RawMessage `json:"triggeredBy,omitempty"`
	Document      json.RawMessage `json:"document"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Transport delivers events to matching subscriptions over HTTP. Each
// subscriber gets its own circuit breaker so one failing endpoint cannot
// slow delivery to the rest.
type Transport struct {
	source  SubscriptionSource
	client  *http.Client
	logger  log.Logger
	timeout time.Duration

	breakerMu sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

var _ docevent.DeliveryTransport = (*Transport)(nil)

// TransportOption mutates transport configuration at construction.
type TransportOption func(*Transport)

// WithHTTPClient sets the HTTP client used for subscriber requests.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(transport *Transport) {
		if client != nil {
			transport.client = client
		}
	}
}

// WithRequestTimeout bounds one subscriber request.
func WithRequestTimeout(timeout time.Duration) TransportOption {
	return func(transport *Transport) {
		if timeout > 0 {
			transport.timeout = timeout
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger log.Logger) TransportOption {
	return func(transport *Transport) {
		if logger != nil {
			transport.logger = logger
		}
	}
}

// NewTransport creates a webhook transport over the given subscription
// source.
func NewTransport(source SubscriptionSource, opts ...TransportOption) (*Transport, error) {
	if source == nil {
		return nil, ErrSubscriptionSourceRequired
	}

	transport := &Transport{
		source:   source,
		client:   &http.Client{},
		logger:   log.NewNop(),
		timeout:  defaultRequestTimeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(transport)
		}
	}

	return transport, nil
}

// Dispatch POSTs the event to every active matching subscription and
// reports one outcome per attempted subscriber. A failed subscriber
// never blocks the rest; zero matches yields an empty outcome slice.
func (transport *Transport) Dispatch(
	ctx context.Context,
	event *docevent.DocumentEvent,
	onPartial func(docevent.DeliveryOutcome),
) ([]docevent.DeliveryOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if transport == nil || transport.source == nil {
		return nil, ErrSubscriptionSourceRequired
	}

	if event == nil {
		return nil, docevent.ErrEventRequired
	}

	subscriptions, err := transport.source.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	activity := eventActivity(event)

	body, err := json.Marshal(deliveryPayload{
		ID:            event.ID.String(),
		PartyID:       event.PartyID.String(),
		TransactionID: event.TransactionID,
		TriggeredBy:   event.TriggeredBy,
		Document:      event.Document,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding delivery payload: %w", err)
	}

	outcomes := make([]docevent.DeliveryOutcome, 0, len(subscriptions))

	for _, subscription := range subscriptions {
		if err := ctx.Err(); err != nil {
			return outcomes, fmt.Errorf("dispatch interrupted: %w", err)
		}

		if !subscription.Matches(activity) {
			continue
		}

		outcome := transport.deliver(ctx, subscription, event, body)
		outcomes = append(outcomes, outcome)

		if onPartial != nil {
			onPartial(outcome)
		}
	}

	return outcomes, nil
}

func (transport *Transport) deliver(
	ctx context.Context,
	subscription Subscription,
	event *docevent.DocumentEvent,
	body []byte,
) docevent.DeliveryOutcome {
	outcome := docevent.DeliveryOutcome{SubscriberRef: subscription.Ref}

	breaker := transport.breakerFor(subscription.Ref)

	result, err := breaker.Execute(func() (any, error) {
		status, postErr := transport.post(ctx, subscription, event, body)

		return status, postErr
	})
	if err != nil {
		if status, ok := result.(int); ok {
			outcome.Status = status
		}

		outcome.Error = docevent.SanitizeErrorMessage(err.Error())

		transport.logger.Log(ctx, log.LevelWarn, "webhook delivery failed",
			log.String("subscriber_ref", subscription.Ref),
			log.Int("status", outcome.Status),
			log.String("error", outcome.Error),
		)

		return outcome
	}

	if status, ok := result.(int); ok {
		outcome.Status = status
	}

	return outcome
}

// post returns the response status code alongside any error so failed
// deliveries still record the status the subscriber answered with.
func (transport *Transport) post(
	ctx context.Context,
	subscription Subscription,
	event *docevent.DocumentEvent,
	body []byte,
) (int, error) {
	requestCtx, cancel := context.WithTimeout(ctx, transport.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, subscription.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(deliveryIDHeader, event.ID.String())

	if tenantID, ok := docevent.TenantIDFromContext(ctx); ok {
		request.Header.Set(tenantIDHeader, tenantID)
	}

	response, err := transport.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("posting to subscriber: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxDrainBytes))
		_ = response.Body.Close()
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return response.StatusCode, fmt.Errorf("unexpected status %d", response.StatusCode)
	}

	return response.StatusCode, nil
}

func (transport *Transport) breakerFor(ref string) *gobreaker.CircuitBreaker {
	transport.breakerMu.RLock()
	breaker, exists := transport.breakers[ref]
	transport.breakerMu.RUnlock()

	if exists {
		return breaker
	}

	transport.breakerMu.Lock()
	defer transport.breakerMu.Unlock()

	if breaker, exists = transport.breakers[ref]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        "subscriber-" + ref,
		MaxRequests: 3,
		Interval:    2 * time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.5)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			transport.logger.Log(context.Background(), log.LevelWarn, "subscriber circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	}

	breaker = gobreaker.NewCircuitBreaker(settings)
	transport.breakers[ref] = breaker

	return breaker
}
