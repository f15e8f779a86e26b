// Package postgres manages the primary/replica connection hub used by
// every pipeline component, including schema migrations on connect.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	connStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub that owns the primary and replica database handles
// and routes reads/writes through a resolver.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int
	resolver                dbresolver.DB
	connected               bool
	mu                      sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = &log.NopLogger{}
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica handles, runs pending migrations
// against the primary, and verifies connectivity with a ping.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.resolver != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primaryDB, err := sql.Open("pgx", conn.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to open primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to open primary database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			primaryDB.Close()
		}
	}()

	applyPoolLimits(primaryDB, conn.MaxOpenConnections, conn.MaxIdleConnections)

	replicaDB, err := sql.Open("pgx", conn.ConnectionStringReplica)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to open replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to open replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			replicaDB.Close()
		}
	}()

	applyPoolLimits(replicaDB, conn.MaxOpenConnections, conn.MaxIdleConnections)

	resolver, err := newResolver(primaryDB, replicaDB)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if err := conn.migrate(ctx, primaryDB); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		conn.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.resolver = resolver
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver, connecting lazily on first use.
//
//nolint:ireturn
func (conn *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	conn.mu.RLock()

	if conn.resolver != nil {
		resolver := conn.resolver
		conn.mu.RUnlock()

		return resolver, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.resolver != nil {
		return conn.resolver, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.resolver, nil
}

// Close releases both database handles.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.resolver != nil {
		err := conn.resolver.Close()
		conn.resolver = nil
		conn.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the resolver is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
}

func (conn *Connection) migrate(ctx context.Context, primaryDB *sql.DB) error {
	if strings.TrimSpace(conn.MigrationsPath) == "" {
		conn.Logger.Log(ctx, log.LevelInfo, "no migrations path configured, skipping migrations")

		return nil
	}

	migrationsPath, err := sanitizePath(conn.MigrationsPath)
	if err != nil {
		conn.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))

		return err
	}

	if err := validateDBName(conn.PrimaryDBName); err != nil {
		conn.Logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))

		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primaryDB, &migratepg.Config{
		DatabaseName: conn.PrimaryDBName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), conn.PrimaryDBName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			conn.Logger.Log(ctx, log.LevelInfo, "no new migrations found")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			conn.Logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func newResolver(primaryDB, replicaDB *sql.DB) (resolver dbresolver.DB, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("failed to create resolver: %v", recovered)
		}
	}()

	resolver = dbresolver.New(
		dbresolver.WithPrimaryDBs(primaryDB),
		dbresolver.WithReplicaDBs(replicaDB),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if resolver == nil {
		return nil, errors.New("resolver returned nil connection")
	}

	return resolver, nil
}

func applyPoolLimits(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}
