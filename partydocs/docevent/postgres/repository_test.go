//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meridianpm/lib-partydocs/partydocs/docevent"
	libPostgres "github.com/meridianpm/lib-partydocs/partydocs/postgres"
	"github.com/stretchr/testify/require"
)

type fakeTenantResolver struct{}

func (fakeTenantResolver) ApplyTenant(context.Context, *sql.Tx, string) error { return nil }

type fakeTenantDiscoverer struct {
	tenants []string
}

func (discoverer fakeTenantDiscoverer) DiscoverTenants(context.Context) ([]string, error) {
	return discoverer.tenants, nil
}

func TestNewRepository_Validation(t *testing.T) {
	t.Parallel()

	conn := &libPostgres.Connection{}

	_, err := NewRepository(nil, fakeTenantResolver{}, fakeTenantDiscoverer{})
	require.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewRepository(conn, nil, fakeTenantDiscoverer{})
	require.ErrorIs(t, err, ErrTenantResolverRequired)

	_, err = NewRepository(conn, fakeTenantResolver{}, nil)
	require.ErrorIs(t, err, ErrTenantDiscovererRequired)

	_, err = NewRepository(conn, fakeTenantResolver{}, fakeTenantDiscoverer{},
		WithTableName("Robert'); DROP TABLE"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	repo, err := NewRepository(conn, fakeTenantResolver{}, fakeTenantDiscoverer{})
	require.NoError(t, err)
	require.Equal(t, "DocumentEvent", repo.tableName)
}

func TestRepository_ListTenants_Delegates(t *testing.T) {
	t.Parallel()

	tenants := []string{uuid.NewString(), uuid.NewString()}

	repo, err := NewRepository(&libPostgres.Connection{}, fakeTenantResolver{}, fakeTenantDiscoverer{tenants: tenants})
	require.NoError(t, err)

	discovered, err := repo.ListTenants(context.Background())
	require.NoError(t, err)
	require.Equal(t, tenants, discovered)
}

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateIdentifier("DocumentEvent"))
	require.NoError(t, validateIdentifier("_internal"))
	require.NoError(t, validateIdentifier("events_v2"))

	require.ErrorIs(t, validateIdentifier(""), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier("2events"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier("events; DROP TABLE"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier(`events"`), ErrInvalidIdentifier)

	long := make([]byte, maxSQLIdentifierLength+1)
	for i := range long {
		long[i] = 'a'
	}

	require.ErrorIs(t, validateIdentifier(string(long)), ErrInvalidIdentifier)
}

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"DocumentEvent"`, quoteIdentifier("DocumentEvent"))
	require.Equal(t, `"party_updated:abc"`, quoteIdentifier("party_updated:abc"))

	// Embedded quotes are doubled, nulls dropped.
	require.Equal(t, `"a""b"`, quoteIdentifier(`a"b`))
	require.Equal(t, `"ab"`, quoteIdentifier("a\x00b"))
}

type fakeScanner struct {
	values []any
}

func (scanner fakeScanner) Scan(dest ...any) error {
	for i, value := range scanner.values {
		switch target := dest[i].(type) {
		case *uuid.UUID:
			*target = value.(uuid.UUID)
		case *int64:
			*target = value.(int64)
		case *[]byte:
			if value == nil {
				*target = nil
			} else {
				*target = value.([]byte)
			}
		case *string:
			*target = value.(string)
		case **time.Time:
			if value == nil {
				*target = nil
			} else {
				stamp := value.(time.Time)
				*target = &stamp
			}
		case *time.Time:
			*target = value.(time.Time)
		}
	}

	return nil
}

func TestScanDocumentEvent(t *testing.T) {
	t.Parallel()

	eventID := uuid.New()
	partyID := uuid.New()
	acquiredAt := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	completedAt := time.Date(2026, 3, 14, 11, 1, 0, 0, time.UTC)
	createdAt := time.Date(2026, 3, 14, 10, 59, 0, 0, time.UTC)

	deliveryStatus, err := json.Marshal([]docevent.DeliveryOutcome{
		{SubscriberRef: "crm", Status: 200},
	})
	require.NoError(t, err)

	event, err := scanDocumentEvent(fakeScanner{values: []any{
		eventID,
		partyID,
		int64(42),
		[]byte(`{"activity":"party.updated"}`),
		[]byte(`{"name":"Acme"}`),
		"SENT",
		deliveryStatus,
		acquiredAt,
		completedAt,
		createdAt,
		completedAt,
	}})
	require.NoError(t, err)

	require.Equal(t, eventID, event.ID)
	require.Equal(t, partyID, event.PartyID)
	require.Equal(t, int64(42), event.TransactionID)
	require.Equal(t, docevent.StatusSent, event.Status)
	require.JSONEq(t, `{"name":"Acme"}`, string(event.Document))
	require.Len(t, event.DeliveryStatus, 1)
	require.Equal(t, "crm", event.DeliveryStatus[0].SubscriberRef)
	require.Equal(t, &acquiredAt, event.AcquiredAt)
	require.Equal(t, &completedAt, event.CompletedAt)
}

func TestScanDocumentEvent_PendingRow(t *testing.T) {
	t.Parallel()

	event, err := scanDocumentEvent(fakeScanner{values: []any{
		uuid.New(),
		uuid.New(),
		int64(1),
		nil,
		[]byte(`{}`),
		"PENDING",
		nil,
		nil,
		nil,
		time.Now().UTC(),
		time.Now().UTC(),
	}})
	require.NoError(t, err)

	require.Equal(t, docevent.StatusPending, event.Status)
	require.Nil(t, event.AcquiredAt)
	require.Nil(t, event.CompletedAt)
	require.Empty(t, event.DeliveryStatus)
}

func TestScanDocumentEvent_UnknownStatus(t *testing.T) {
	t.Parallel()

	_, err := scanDocumentEvent(fakeScanner{values: []any{
		uuid.New(),
		uuid.New(),
		int64(1),
		nil,
		[]byte(`{}`),
		"BROKEN",
		nil,
		nil,
		nil,
		time.Now().UTC(),
		time.Now().UTC(),
	}})
	require.ErrorIs(t, err, docevent.ErrStatusInvalid)
}

func TestNewSchemaResolver_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSchemaResolver(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	resolver, err := NewSchemaResolver(&libPostgres.Connection{})
	require.NoError(t, err)

	err = resolver.ApplyTenant(context.Background(), nil, uuid.NewString())
	require.ErrorIs(t, err, ErrTransactionRequired)
}

func TestNewListenSource_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewListenSource("   ", nil)
	require.ErrorIs(t, err, ErrConnectionStringRequired)

	source, err := NewListenSource("postgres://localhost:5432/db", nil)
	require.NoError(t, err)

	err = source.Listen(context.Background(), "not-a-uuid", func(context.Context, docevent.Notification) {})
	require.ErrorIs(t, err, ErrInvalidTenantID)

	err = source.Listen(context.Background(), uuid.NewString(), nil)
	require.Error(t, err)
}
