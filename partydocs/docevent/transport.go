package docevent

import "context"

// DeliveryTransport pushes a snapshot to zero or more interested
// subscribers and reports per-subscriber outcomes. The transport is
// pluggable: the pipeline depends only on the outcome contract.
//
// onPartial, when non-nil, is invoked with each outcome as it settles so
// completion data can start flowing before the full fan-out finishes.
// Transport-level failures must be encoded as outcome entries, not
// returned as errors; a returned error means the dispatch as a whole
// could not run.
type DeliveryTransport interface {
	Dispatch(ctx context.Context, event *DocumentEvent, onPartial func(DeliveryOutcome)) ([]DeliveryOutcome, error)
}

// DeliveryTransportFunc adapts a function to the DeliveryTransport
// interface.
type DeliveryTransportFunc func(ctx context.Context, event *DocumentEvent, onPartial func(DeliveryOutcome)) ([]DeliveryOutcome, error)

func (fn DeliveryTransportFunc) Dispatch(ctx context.Context, event *DocumentEvent, onPartial func(DeliveryOutcome)) ([]DeliveryOutcome, error) {
	if fn == nil {
		return nil, ErrTransportRequired
	}

	return fn(ctx, event, onPartial)
}
