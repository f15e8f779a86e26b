package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	partydocs "github.com/meridianpm/lib-partydocs/partydocs"
	"github.com/meridianpm/lib-partydocs/partydocs/docevent"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
	libPostgres "github.com/meridianpm/lib-partydocs/partydocs/postgres"
)

// ErrConnectionStringRequired is returned when a listen source is built
// without a connection string.
var ErrConnectionStringRequired = errors.New("connection string is required")

const closeTimeout = 5 * time.Second

// PgNotifier announces pointer notifications through pg_notify. The
// payload carries only coordinates; every consumer re-reads authoritative
// state from the table, so a dropped notification costs latency, not
// correctness.
type PgNotifier struct {
	conn   *libPostgres.Connection
	logger log.Logger
}

var _ docevent.Notifier = (*PgNotifier)(nil)

// NewPgNotifier creates a notifier over the connection hub.
func NewPgNotifier(conn *libPostgres.Connection, logger log.Logger) (*PgNotifier, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &PgNotifier{conn: conn, logger: logger}, nil
}

// Announce publishes the notification on its tenant channel.
func (notifier *PgNotifier) Announce(ctx context.Context, notification docevent.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if notifier == nil || notifier.conn == nil {
		return ErrConnectionRequired
	}

	if err := notification.Validate(); err != nil {
		return fmt.Errorf("validate notification: %w", err)
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	db, err := resolvePrimaryDB(ctx, notifier.conn)
	if err != nil {
		return err
	}

	channel := docevent.NotificationChannel(notification.TenantID)

	if _, err := db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	return nil
}

// ListenSource subscribes to tenant notification channels over a
// dedicated connection. LISTEN state lives on the session, so the source
// holds one native connection per Listen call instead of borrowing from
// the pool.
type ListenSource struct {
	connectionString string
	logger           log.Logger
}

var _ docevent.NotificationSource = (*ListenSource)(nil)

// NewListenSource creates a listen source connecting with connectionString.
func NewListenSource(connectionString string, logger log.Logger) (*ListenSource, error) {
	if strings.TrimSpace(connectionString) == "" {
		return nil, ErrConnectionStringRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &ListenSource{connectionString: connectionString, logger: logger}, nil
}

// Listen subscribes to the tenant channel and invokes deliver for each
// well-formed notification until ctx is cancelled or the connection
// drops. The returned error signals the caller to reconnect; malformed
// payloads are logged and skipped without tearing the subscription down.
func (source *ListenSource) Listen(ctx context.Context, tenantID string, deliver func(context.Context, docevent.Notification)) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if source == nil {
		return ErrConnectionStringRequired
	}

	if deliver == nil {
		return errors.New("deliver callback is required")
	}

	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("listen source: %w", docevent.ErrTenantIDRequired)
	}

	if !partydocs.IsUUID(tenantID) {
		return ErrInvalidTenantID
	}

	conn, err := pgx.Connect(ctx, source.connectionString)
	if err != nil {
		return fmt.Errorf("connect listen session: %w", err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		_ = conn.Close(closeCtx)
	}()

	channel := docevent.NotificationChannel(tenantID)

	// Channel names are identifiers on LISTEN, so the colon-separated
	// name must be quoted. The tenant segment is UUID-validated above.
	if _, err := conn.Exec(ctx, "LISTEN "+quoteIdentifier(channel)); err != nil {
		return fmt.Errorf("listen on channel: %w", err)
	}

	source.logger.Log(ctx, log.LevelDebug, "notification subscription established",
		log.String("channel_suffix", tenantID[len(tenantID)-4:]),
	)

	for {
		received, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("wait for notification: %w", err)
		}

		notification, parseErr := docevent.ParseNotification([]byte(received.Payload))
		if parseErr != nil {
			source.logger.Log(ctx, log.LevelWarn, "dropping malformed notification payload",
				log.String("error", docevent.SanitizeErrorMessage(parseErr.Error())),
			)

			continue
		}

		deliver(ctx, notification)
	}
}
