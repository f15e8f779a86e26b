package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/bxcodec/dbresolver/v2"
)

type dbProvider interface {
	GetDB(ctx context.Context) (dbresolver.DB, error)
}

// resolvePrimaryDB extracts the primary handle from the connection hub.
// Writes must never land on a replica, so the resolver's load balancing
// is bypassed here.
func resolvePrimaryDB(ctx context.Context, conn dbProvider) (*sql.DB, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	value := reflect.ValueOf(conn)
	if value.Kind() == reflect.Pointer && value.IsNil() {
		return nil, ErrConnectionRequired
	}

	resolved, err := conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if resolved == nil {
		return nil, ErrNoPrimaryDB
	}

	primaryDBs := resolved.PrimaryDBs()
	if len(primaryDBs) == 0 || primaryDBs[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaryDBs[0], nil
}
