package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// MergeConfig defines an insert-if-absent merge keyed by a uniqueness constraint.
type MergeConfig struct {
	Table        string   // target table (e.g., "churn.canonical_events")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	TouchCols    []string // bookkeeping columns refreshed on conflict; nil = DO NOTHING
}

// MergeResult counts what a merge changed. Rows sharing a conflict key within
// the same input count once toward Inserted or Touched.
type MergeResult struct {
	Inserted int64
	Touched  int64
}

// Merge inserts rows whose conflict key is absent and, for keys already
// present, only refreshes TouchCols. It must run inside the caller's
// transaction so the merge commits or rolls back with the rest of the batch.
//  1. Creates a temp table shaped like the target (dropped on commit)
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT DISTINCT ON (keys) ... ON CONFLICT (keys) ...
//     RETURNING (xmax = 0) to tell fresh inserts from touched rows
func Merge(ctx context.Context, tx Querier, cfg MergeConfig, rows [][]any) (MergeResult, error) {
	var res MergeResult
	if len(rows) == 0 {
		return res, nil
	}
	if len(cfg.Columns) == 0 {
		return res, eris.New("db: merge: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return res, eris.New("db: merge: no conflict keys specified")
	}

	tempTable := fmt.Sprintf("_tmp_merge_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return res, eris.Wrapf(err, "db: merge: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return res, eris.Wrapf(err, "db: merge: COPY into temp table for %s", cfg.Table)
	}

	rs, err := tx.Query(ctx, MergeSQL(cfg, tempTable))
	if err != nil {
		return res, eris.Wrapf(err, "db: merge: INSERT ON CONFLICT for %s", cfg.Table)
	}
	defer rs.Close()

	for rs.Next() {
		var inserted bool
		if err := rs.Scan(&inserted); err != nil {
			return res, eris.Wrapf(err, "db: merge: scan result for %s", cfg.Table)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Touched++
		}
	}
	if err := rs.Err(); err != nil {
		return res, eris.Wrapf(err, "db: merge: read results for %s", cfg.Table)
	}
	return res, nil
}

// MergeSQL builds the INSERT ... SELECT DISTINCT ON ... ON CONFLICT statement.
func MergeSQL(cfg MergeConfig, tempTable string) string {
	colList := quoteAndJoin(cfg.Columns)
	conflictList := quoteAndJoin(cfg.ConflictKeys)

	action := "DO NOTHING"
	if len(cfg.TouchCols) > 0 {
		setClauses := make([]string, len(cfg.TouchCols))
		for i, col := range cfg.TouchCols {
			c := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM %s ORDER BY %s ON CONFLICT (%s) %s RETURNING (xmax = 0) AS inserted",
		sanitizeTable(cfg.Table),
		colList,
		conflictList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		conflictList,
		conflictList,
		action,
	)
}

// sanitizeTable handles schema-qualified table names like "churn.feature_rows".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// identifier splits a possibly schema-qualified table name for COPY.
func identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
