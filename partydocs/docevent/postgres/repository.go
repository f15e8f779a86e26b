package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	partydocs "github.com/meridianpm/lib-partydocs/partydocs"
	"github.com/meridianpm/lib-partydocs/partydocs/docevent"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/meridianpm/lib-partydocs/partydocs/opentelemetry"
	libPostgres "github.com/meridianpm/lib-partydocs/partydocs/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrTransactionRequired      = errors.New("postgres transaction is required")
	ErrRepositoryNotInitialized = errors.New("document event repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrTenantResolverRequired   = errors.New("tenant resolver is required")
	ErrTenantDiscovererRequired = errors.New("tenant discoverer is required")
	ErrNoPrimaryDB              = errors.New("no primary database configured for tenant transaction")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second

	eventColumns = `"id", "partyId", "transactionId", "triggeredBy", "document", "status", "deliveryStatus", "acquiredAt", "completedAt", "createdAt", "updatedAt"`
)

// Option mutates repository configuration at construction.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the event table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithTransactionTimeout bounds repository transactions without a caller
// deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists document events in PostgreSQL. Every operation
// runs in its own single-row transaction scoped to the tenant schema
// taken from the context, keeping lock scope minimal and claims
// independent across rows.
type Repository struct {
	conn               *libPostgres.Connection
	tenantResolver     docevent.TenantResolver
	tenantDiscoverer   docevent.TenantDiscoverer
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ docevent.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL document event repository.
func NewRepository(
	conn *libPostgres.Connection,
	tenantResolver docevent.TenantResolver,
	tenantDiscoverer docevent.TenantDiscoverer,
	opts ...Option,
) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	if tenantResolver == nil {
		return nil, ErrTenantResolverRequired
	}

	if tenantDiscoverer == nil {
		return nil, ErrTenantDiscovererRequired
	}

	repo := &Repository{
		conn:               conn,
		tenantResolver:     tenantResolver,
		tenantDiscoverer:   tenantDiscoverer,
		logger:             log.NewNop(),
		tableName:          "DocumentEvent",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "DocumentEvent"
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create appends a snapshot row with status PENDING.
func (repo *Repository) Create(ctx context.Context, event *docevent.DocumentEvent) (*docevent.DocumentEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if err := validateCreateEvent(event); err != nil {
		return nil, err
	}

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_document_event")
	defer span.End()

	result, err := withTenantTx(repo, ctx, func(tx *sql.Tx) (*docevent.DocumentEvent, error) {
		now := time.Now().UTC()

		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		table := quoteIdentifier(repo.tableName)
		query := "INSERT INTO " + table + " (" + eventColumns + ")" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING " + eventColumns

		row := tx.QueryRowContext(ctx, query,
			event.ID,
			event.PartyID,
			event.TransactionID,
			nullableJSON(event.TriggeredBy),
			[]byte(event.Document),
			docevent.StatusPending.String(),
			nil,
			nil,
			nil,
			createdAt,
			createdAt,
		)

		return scanDocumentEvent(row)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to create document event", err)
		logSanitizedError(logger, ctx, "failed to create document event", err)

		return nil, fmt.Errorf("creating document event: %w", err)
	}

	return result, nil
}

// Acquire atomically claims a PENDING row, transitioning it to SENDING.
// The SKIP LOCKED select guarantees that concurrent claimants never wait
// on each other: exactly one sees the row, the rest get (nil, nil).
func (repo *Repository) Acquire(ctx context.Context, id uuid.UUID) (*docevent.DocumentEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.acquire_document_event")
	defer span.End()

	result, err := withTenantTx(repo, ctx, func(tx *sql.Tx) (*docevent.DocumentEvent, error) {
		table := quoteIdentifier(repo.tableName)

		var lockedID uuid.UUID

		lockQuery := "SELECT \"id\" FROM " + table +
			" WHERE \"id\" = $1 AND \"status\" = $2 FOR UPDATE SKIP LOCKED"

		err := tx.QueryRowContext(ctx, lockQuery, id, docevent.StatusPending.String()).Scan(&lockedID)
		if errors.Is(err, sql.ErrNoRows) {
			// Already claimed, already terminal, or locked by a
			// concurrent claimant. Losing the race is a normal outcome.
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("locking row: %w", err)
		}

		now := time.Now().UTC()
		updateQuery := "UPDATE " + table +
			" SET \"status\" = $1, \"acquiredAt\" = $2, \"updatedAt\" = $2" +
			" WHERE \"id\" = $3 AND \"status\" = $4 RETURNING " + eventColumns

		row := tx.QueryRowContext(ctx, updateQuery,
			docevent.StatusSending.String(),
			now,
			lockedID,
			docevent.StatusPending.String(),
		)

		return scanDocumentEvent(row)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to acquire document event", err)
		logSanitizedError(logger, ctx, "failed to acquire document event", err)

		return nil, fmt.Errorf("acquiring document event: %w", err)
	}

	return result, nil
}

// Complete transitions a SENDING row to the terminal status derived from
// outcomes. Returns (nil, nil) when the row is not in SENDING, making
// duplicate completion attempts a no-op that never overwrites the first
// writer's delivery status.
func (repo *Repository) Complete(ctx context.Context, id uuid.UUID, outcomes []docevent.DeliveryOutcome) (*docevent.DocumentEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	terminal := docevent.ResolveTerminalStatus(outcomes)

	if err := docevent.ValidateTransition(docevent.StatusSending.String(), terminal.String()); err != nil {
		return nil, fmt.Errorf("complete transition: %w", err)
	}

	deliveryStatus, err := json.Marshal(outcomes)
	if err != nil {
		return nil, fmt.Errorf("encoding delivery status: %w", err)
	}

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.complete_document_event")
	defer span.End()

	result, err := withTenantTx(repo, ctx, func(tx *sql.Tx) (*docevent.DocumentEvent, error) {
		now := time.Now().UTC()
		table := quoteIdentifier(repo.tableName)
		query := "UPDATE " + table +
			" SET \"status\" = $1, \"deliveryStatus\" = $2, \"completedAt\" = $3, \"updatedAt\" = $3" +
			" WHERE \"id\" = $4 AND \"status\" = $5 RETURNING " + eventColumns

		row := tx.QueryRowContext(ctx, query,
			terminal.String(),
			deliveryStatus,
			now,
			id,
			docevent.StatusSending.String(),
		)

		completed, scanErr := scanDocumentEvent(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil, nil
		}

		return completed, scanErr
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to complete document event", err)
		logSanitizedError(logger, ctx, "failed to complete document event", err)

		return nil, fmt.Errorf("completing document event: %w", err)
	}

	return result, nil
}

// ListPendingIDs returns ids of PENDING rows ordered by ascending
// transaction id. The ordering is a causal hint for the pump, not a
// delivery guarantee.
func (repo *Repository) ListPendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_pending_document_events")
	defer span.End()

	result, err := withTenantTx(repo, ctx, func(tx *sql.Tx) ([]uuid.UUID, error) {
		table := quoteIdentifier(repo.tableName)
		query := "SELECT \"id\" FROM " + table +
			" WHERE \"status\" = $1 ORDER BY \"transactionId\" ASC LIMIT $2"

		rows, err := tx.QueryContext(ctx, query, docevent.StatusPending.String(), limit)
		if err != nil {
			return nil, fmt.Errorf("querying pending ids: %w", err)
		}
		defer rows.Close()

		ids := make([]uuid.UUID, 0, limit)

		for rows.Next() {
			var id uuid.UUID
			if scanErr := rows.Scan(&id); scanErr != nil {
				return nil, fmt.Errorf("scanning pending id: %w", scanErr)
			}

			ids = append(ids, id)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating pending ids: %w", err)
		}

		return ids, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list pending document events", err)
		logSanitizedError(logger, ctx, "failed to list pending document events", err)

		return nil, fmt.Errorf("listing pending document events: %w", err)
	}

	return result, nil
}

// FindStale returns rows still PENDING or SENDING whose created_at falls
// inside the window, newest first, capped at the window page size.
func (repo *Repository) FindStale(ctx context.Context, window docevent.StaleWindow) ([]*docevent.DocumentEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	window = window.Normalize()

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.find_stale_document_events")
	defer span.End()

	result, err := withTenantTx(repo, ctx, func(tx *sql.Tx) ([]*docevent.DocumentEvent, error) {
		table := quoteIdentifier(repo.tableName)
		query := "SELECT " + eventColumns + " FROM " + table +
			" WHERE \"status\" IN ($1, $2)"
		args := []any{docevent.StatusPending.String(), docevent.StatusSending.String()}

		from, to := window.Bounds(time.Now().UTC())

		if !from.IsZero() {
			args = append(args, from)
			query += fmt.Sprintf(" AND \"createdAt\" > $%d", len(args))
		}

		if !to.IsZero() {
			args = append(args, to)
			query += fmt.Sprintf(" AND \"createdAt\" < $%d", len(args))
		}

		args = append(args, window.PageSize)
		query += fmt.Sprintf(" ORDER BY \"createdAt\" DESC LIMIT $%d", len(args))

		return queryDocumentEvents(ctx, tx, query, args, window.PageSize)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to find stale document events", err)
		logSanitizedError(logger, ctx, "failed to find stale document events", err)

		return nil, fmt.Errorf("finding stale document events: %w", err)
	}

	return result, nil
}

// Requeue moves SENDING rows acquired more than olderThan ago back to
// PENDING. Operator-invoked recovery for workers that crashed mid-claim;
// the pipeline itself never requeues.
func (repo *Repository) Requeue(ctx context.Context, olderThan time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.requeue_document_events")
	defer span.End()

	result, err := withTenantTx(repo, ctx, func(tx *sql.Tx) (int64, error) {
		now := time.Now().UTC()
		table := quoteIdentifier(repo.tableName)
		query := "UPDATE " + table +
			" SET \"status\" = $1, \"acquiredAt\" = NULL, \"updatedAt\" = $2" +
			" WHERE \"status\" = $3 AND \"acquiredAt\" < $4"

		execResult, execErr := tx.ExecContext(ctx, query,
			docevent.StatusPending.String(),
			now,
			docevent.StatusSending.String(),
			now.Add(-olderThan),
		)
		if execErr != nil {
			return 0, fmt.Errorf("executing requeue: %w", execErr)
		}

		moved, rowsErr := execResult.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return moved, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to requeue document events", err)
		logSanitizedError(logger, ctx, "failed to requeue document events", err)

		return 0, fmt.Errorf("requeueing document events: %w", err)
	}

	if result > 0 {
		logger.Log(ctx, log.LevelInfo, "requeued stuck document events", log.Int64("count", result))
	}

	return result, nil
}

// Cleanup deletes terminal rows older than DaysToKeep in bounded
// batches, always keeping each party's VersionsToKeep most recent rows.
// Each batch runs in its own transaction to keep lock scope small; the
// loop stops once a batch deletes fewer rows than the batch size.
func (repo *Repository) Cleanup(ctx context.Context, policy docevent.CleanupPolicy) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	policy = policy.Normalize()

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.cleanup_document_events")
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -policy.DaysToKeep)

	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("cleanup interrupted: %w", err)
		}

		deleted, err := withTenantTx(repo, ctx, func(tx *sql.Tx) (int64, error) {
			return repo.deleteBatch(ctx, tx, policy, cutoff)
		})
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to delete aged document events", err)
			logSanitizedError(logger, ctx, "failed to delete aged document events", err)

			return total, fmt.Errorf("cleaning up document events: %w", err)
		}

		total += deleted

		if deleted < int64(policy.BatchSize) {
			return total, nil
		}
	}
}

func (repo *Repository) deleteBatch(ctx context.Context, tx *sql.Tx, policy docevent.CleanupPolicy, cutoff time.Time) (int64, error) {
	table := quoteIdentifier(repo.tableName)

	// version_rank numbers each party's rows newest first, so ranks
	// beyond VersionsToKeep are the deletable tail.
	query := "DELETE FROM " + table + " WHERE \"id\" IN (" +
		" SELECT \"id\" FROM (" +
		"  SELECT \"id\", \"status\", \"createdAt\"," +
		"   ROW_NUMBER() OVER (PARTITION BY \"partyId\" ORDER BY \"transactionId\" DESC) AS version_rank" +
		"  FROM " + table +
		" ) ranked" +
		" WHERE version_rank > $1 AND \"createdAt\" < $2 AND \"status\" IN ($3, $4, $5)" +
		" LIMIT $6)"

	result, err := tx.ExecContext(ctx, query,
		policy.VersionsToKeep,
		cutoff,
		docevent.StatusSent.String(),
		docevent.StatusFailed.String(),
		docevent.StatusNoMatchingSubscriptions.String(),
		policy.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("executing delete batch: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return deleted, nil
}

// ListTenants returns tenant ids discovered by the configured discoverer.
func (repo *Repository) ListTenants(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	logger, tracer, _ := partydocs.TrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_tenants")
	defer span.End()

	tenants, err := repo.tenantDiscoverer.DiscoverTenants(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list tenant schemas", err)
		logSanitizedError(logger, ctx, "failed to list tenant schemas", err)

		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}

	return tenants, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.conn != nil && repo.tenantResolver != nil && repo.tenantDiscoverer != nil
}

func (repo *Repository) tenantIDFromContext(ctx context.Context) (string, error) {
	tenantID, ok := docevent.TenantIDFromContext(ctx)
	if !ok || tenantID == "" {
		return "", docevent.ErrTenantIDRequired
	}

	return tenantID, nil
}

// withTenantTx opens a transaction on the primary, scopes it to the
// tenant schema from ctx, runs fn, and commits.
func withTenantTx[T any](repo *Repository, ctx context.Context, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	primaryDB, err := resolvePrimaryDB(ctx, repo.conn)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	tx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	tenantID, err := repo.tenantIDFromContext(txCtx)
	if err != nil {
		return zero, err
	}

	if err := repo.tenantResolver.ApplyTenant(txCtx, tx, tenantID); err != nil {
		return zero, fmt.Errorf("failed to apply tenant: %w", err)
	}

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func scanDocumentEvent(scanner interface{ Scan(dest ...any) error }) (*docevent.DocumentEvent, error) {
	var (
		event          docevent.DocumentEvent
		status         string
		triggeredBy    []byte
		deliveryStatus []byte
	)

	if err := scanner.Scan(
		&event.ID,
		&event.PartyID,
		&event.TransactionID,
		&triggeredBy,
		(*[]byte)(&event.Document),
		&status,
		&deliveryStatus,
		&event.AcquiredAt,
		&event.CompletedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning document event: %w", err)
	}

	parsed, err := docevent.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	event.Status = parsed
	event.TriggeredBy = triggeredBy

	if len(deliveryStatus) > 0 {
		if err := json.Unmarshal(deliveryStatus, &event.DeliveryStatus); err != nil {
			return nil, fmt.Errorf("decoding delivery status: %w", err)
		}
	}

	return &event, nil
}

func queryDocumentEvents(ctx context.Context, tx *sql.Tx, query string, args []any, limit int) ([]*docevent.DocumentEvent, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying document events: %w", err)
	}

	defer rows.Close()

	events := make([]*docevent.DocumentEvent, 0, limit)

	for rows.Next() {
		event, scanErr := scanDocumentEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return events, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if logger == nil || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", docevent.SanitizeErrorMessage(err.Error())))
}

func validateCreateEvent(event *docevent.DocumentEvent) error {
	if event == nil {
		return docevent.ErrEventRequired
	}

	if event.ID == uuid.Nil {
		return ErrIDRequired
	}

	if event.PartyID == uuid.Nil {
		return docevent.ErrPartyIDRequired
	}

	if len(event.Document) == 0 {
		return docevent.ErrDocumentRequired
	}

	if len(event.Document) > docevent.DefaultMaxDocumentBytes {
		return docevent.ErrDocumentTooLarge
	}

	if !json.Valid(event.Document) {
		return docevent.ErrDocumentNotJSON
	}

	return nil
}
