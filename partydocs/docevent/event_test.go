//go:build unit

package docevent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentEvent(t *testing.T) {
	t.Parallel()

	partyID := uuid.New()
	document := json.RawMessage(`{"name":"Acme Corp"}`)
	triggeredBy := json.RawMessage(`{"activity":"party.updated"}`)

	event, err := NewDocumentEvent(partyID, 42, triggeredBy, document)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, event.ID)
	require.Equal(t, partyID, event.PartyID)
	require.Equal(t, int64(42), event.TransactionID)
	require.Equal(t, StatusPending, event.Status)
	require.Nil(t, event.AcquiredAt)
	require.Nil(t, event.CompletedAt)
	require.False(t, event.CreatedAt.IsZero())
	require.Equal(t, event.CreatedAt, event.UpdatedAt)
}

func TestNewDocumentEvent_IDsAreTimeOrdered(t *testing.T) {
	t.Parallel()

	first, err := NewDocumentEvent(uuid.New(), 1, nil, json.RawMessage(`{}`))
	require.NoError(t, err)

	second, err := NewDocumentEvent(uuid.New(), 2, nil, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.LessOrEqual(t, strings.Compare(first.ID.String(), second.ID.String()), 0)
}

func TestNewDocumentEventWithID_Validation(t *testing.T) {
	t.Parallel()

	eventID := uuid.New()
	partyID := uuid.New()
	document := json.RawMessage(`{"ok":true}`)

	_, err := NewDocumentEventWithID(uuid.Nil, partyID, 1, nil, document)
	require.ErrorIs(t, err, ErrEventIDRequired)

	_, err = NewDocumentEventWithID(eventID, uuid.Nil, 1, nil, document)
	require.ErrorIs(t, err, ErrPartyIDRequired)

	_, err = NewDocumentEventWithID(eventID, partyID, 1, nil, nil)
	require.ErrorIs(t, err, ErrDocumentRequired)

	_, err = NewDocumentEventWithID(eventID, partyID, 1, nil, json.RawMessage(`{"broken"`))
	require.ErrorIs(t, err, ErrDocumentNotJSON)

	oversized := json.RawMessage(`"` + strings.Repeat("x", DefaultMaxDocumentBytes) + `"`)
	_, err = NewDocumentEventWithID(eventID, partyID, 1, nil, oversized)
	require.ErrorIs(t, err, ErrDocumentTooLarge)

	_, err = NewDocumentEventWithID(eventID, partyID, 1, json.RawMessage(`not json`), document)
	require.ErrorIs(t, err, ErrDocumentNotJSON)

	event, err := NewDocumentEventWithID(eventID, partyID, 7, nil, document)
	require.NoError(t, err)
	require.Equal(t, eventID, event.ID)
}
