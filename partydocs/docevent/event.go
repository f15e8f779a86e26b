package docevent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDocumentBytes bounds the snapshot payload accepted on create.
const DefaultMaxDocumentBytes = 1 << 20

// DocumentEvent is one immutable snapshot of a party aggregate plus its
// delivery lifecycle metadata. The document payload never changes after
// the row is written; only status, delivery_status and the timestamps
// move, and only along the transitions encoded in Status.
//
// The owning tenant is not a struct field: it travels in the context and
// is applied by the repository's schema scoping.
type DocumentEvent struct {
	ID             uuid.UUID
	PartyID        uuid.UUID
	TransactionID  int64
	TriggeredBy    json.RawMessage
	Document       json.RawMessage
	Status         Status
	DeliveryStatus []DeliveryOutcome
	AcquiredAt     *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewDocumentEvent creates a valid pending snapshot row with a
// time-ordered ID.
func NewDocumentEvent(partyID uuid.UUID, transactionID int64, triggeredBy, document json.RawMessage) (*DocumentEvent, error) {
	eventID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate document event id: %w", err)
	}

	return NewDocumentEventWithID(eventID, partyID, transactionID, triggeredBy, document)
}

// NewDocumentEventWithID creates a valid pending snapshot row using a
// caller-provided ID.
func NewDocumentEventWithID(eventID, partyID uuid.UUID, transactionID int64, triggeredBy, document json.RawMessage) (*DocumentEvent, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	if partyID == uuid.Nil {
		return nil, ErrPartyIDRequired
	}

	if len(document) == 0 {
		return nil, ErrDocumentRequired
	}

	if len(document) > DefaultMaxDocumentBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrDocumentTooLarge, len(document))
	}

	if !json.Valid(document) {
		return nil, ErrDocumentNotJSON
	}

	if len(triggeredBy) > 0 && !json.Valid(triggeredBy) {
		return nil, fmt.Errorf("triggered_by: %w", ErrDocumentNotJSON)
	}

	now := time.Now().UTC()

	return &DocumentEvent{
		ID:            eventID,
		PartyID:       partyID,
		TransactionID: transactionID,
		TriggeredBy:   triggeredBy,
		Document:      document,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
