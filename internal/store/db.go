package store

import (
	"context"
	"database/sql"
)

// DBTX abstracts the database access layer over the statement shapes the
// stores actually issue. It is implemented by both *sql.DB and *sql.Tx,
// allowing code to work with either a connection or a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
