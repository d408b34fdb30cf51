package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ReplaceRange deletes the rows of table whose dayCol falls in [from, to] and
// bulk-loads rows in their place with COPY. Call it inside a transaction so a
// recompute is all-or-nothing.
func ReplaceRange(ctx context.Context, tx Querier, table, dayCol string, from, to any, columns []string, rows [][]any) (int64, error) {
	delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s BETWEEN $1 AND $2", sanitizeTable(table), quoteAndJoin([]string{dayCol}))
	if _, err := tx.Exec(ctx, delSQL, from, to); err != nil {
		return 0, eris.Wrapf(err, "db: replace: delete range from %s", table)
	}
	return CopyFrom(ctx, tx, table, columns, rows)
}

// CopyFrom bulk-inserts rows into a (possibly schema-qualified) table using
// the PostgreSQL COPY protocol.
func CopyFrom(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := q.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}
