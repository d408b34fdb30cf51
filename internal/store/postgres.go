package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/db"
	"github.com/sells-group/janus/internal/model"
)

const schema = "churn."

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Open(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return MigratePostgres(ctx, s.pool)
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Canonical records ---

var (
	eventColumns = []string{
		"fingerprint", "event_id", "event_ts", "event_day", "received_ts", "user_id", "device_id",
		"session_id", "event_type", "attributes", "is_late", "lateness_seconds", "batch_id",
		"ingested_at", "last_seen_at",
	}
	billingColumns = []string{
		"fingerprint", "billing_date", "user_id", "kind", "plan_id", "batch_id", "ingested_at", "last_seen_at",
	}
	quarantineColumns = []string{
		"batch_id", "record_index", "kind", "reason", "detail", "payload", "quarantined_at",
	}
	stateColumns   = []string{"day", "user_id", "is_active", "plan_id"}
	featureColumns = []string{
		"day", "user_id", "plan_id", "is_active", "events_short", "sessions_short",
		"feature_use_short", "support_tickets_long", "late_rate_short", "churn",
	}
)

// CommitEvents merges the batch into canonical_events keyed by fingerprint
// and quarantines its rejections in the same transaction.
func (s *PostgresStore) CommitEvents(ctx context.Context, batch *model.EventBatch) (model.CommitResult, error) {
	rows := make([][]any, 0, len(batch.Events))
	for i := range batch.Events {
		e := &batch.Events[i]
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		rows = append(rows, []any{
			e.Fingerprint, e.EventID, e.EventTS, e.Day().Time(), e.ReceivedTS,
			nullString(e.UserID), nullString(e.DeviceID), nullString(e.SessionID),
			e.EventType, attrs, e.IsLate, e.LatenessSeconds, e.BatchID, e.IngestedAt, batch.SeenAt,
		})
	}
	return s.commit(ctx, "events", db.MergeConfig{
		Table:        schema + TableEvents,
		Columns:      eventColumns,
		ConflictKeys: []string{"fingerprint"},
		TouchCols:    []string{"last_seen_at"},
	}, rows, batch.Rejections, batch.SeenAt)
}

// CommitBilling is CommitEvents for billing records.
func (s *PostgresStore) CommitBilling(ctx context.Context, batch *model.BillingBatch) (model.CommitResult, error) {
	rows := make([][]any, 0, len(batch.Records))
	for i := range batch.Records {
		b := &batch.Records[i]
		rows = append(rows, []any{
			b.Fingerprint, b.BillingDate.Time(), b.UserID, string(b.Kind), nullString(b.PlanID),
			b.BatchID, b.IngestedAt, batch.SeenAt,
		})
	}
	return s.commit(ctx, "billing", db.MergeConfig{
		Table:        schema + TableBilling,
		Columns:      billingColumns,
		ConflictKeys: []string{"fingerprint"},
		TouchCols:    []string{"last_seen_at"},
	}, rows, batch.Rejections, batch.SeenAt)
}

func (s *PostgresStore) commit(ctx context.Context, what string, cfg db.MergeConfig, rows [][]any, rejections []model.Rejection, seenAt time.Time) (model.CommitResult, error) {
	var res model.CommitResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, storageErr("postgres: begin "+what+" tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	merged, err := db.Merge(ctx, tx, cfg, rows)
	if err != nil {
		return res, storageErr("postgres: merge "+what, err)
	}
	res.Inserted = int(merged.Inserted)
	res.Duplicates = len(rows) - res.Inserted

	if len(rejections) > 0 {
		qrows := make([][]any, 0, len(rejections))
		for _, r := range rejections {
			qrows = append(qrows, []any{
				r.BatchID, int32(r.Index), string(r.Kind), r.Reason, nullString(r.Detail), string(r.Payload), seenAt,
			})
		}
		if _, err := db.Merge(ctx, tx, db.MergeConfig{
			Table:        schema + TableQuarantine,
			Columns:      quarantineColumns,
			ConflictKeys: []string{"batch_id", "record_index", "kind"},
		}, qrows); err != nil {
			return model.CommitResult{}, storageErr("postgres: quarantine "+what, err)
		}
	}
	res.Rejected = len(rejections)

	if err := tx.Commit(ctx); err != nil {
		return model.CommitResult{}, storageErr("postgres: commit "+what, err)
	}
	return res, nil
}

const pgEventSelect = `SELECT fingerprint, event_id, event_ts, received_ts, COALESCE(user_id, ''),
	COALESCE(device_id, ''), COALESCE(session_id, ''), event_type, attributes, is_late,
	lateness_seconds, batch_id, ingested_at, last_seen_at FROM churn.canonical_events`

// ScanEvents returns events whose event day falls in days, ordered by event time.
func (s *PostgresStore) ScanEvents(ctx context.Context, days model.DayRange) ([]model.CanonicalEvent, error) {
	rows, err := s.pool.Query(ctx,
		pgEventSelect+` WHERE event_day BETWEEN $1 AND $2 ORDER BY event_ts, fingerprint`,
		days.From.Time(), days.To.Time(),
	)
	if err != nil {
		return nil, storageErr("postgres: scan events", err)
	}
	return collectPgEvents(rows)
}

// EventsForUser returns every event of one user, ordered by event time.
func (s *PostgresStore) EventsForUser(ctx context.Context, userID string) ([]model.CanonicalEvent, error) {
	rows, err := s.pool.Query(ctx,
		pgEventSelect+` WHERE user_id = $1 ORDER BY event_ts, fingerprint`,
		userID,
	)
	if err != nil {
		return nil, storageErr("postgres: events for user "+userID, err)
	}
	return collectPgEvents(rows)
}

func collectPgEvents(rows pgx.Rows) ([]model.CanonicalEvent, error) {
	defer rows.Close()

	var out []model.CanonicalEvent
	for rows.Next() {
		var e model.CanonicalEvent
		var attrs []byte
		if err := rows.Scan(&e.Fingerprint, &e.EventID, &e.EventTS, &e.ReceivedTS, &e.UserID, &e.DeviceID,
			&e.SessionID, &e.EventType, &attrs, &e.IsLate, &e.LatenessSeconds, &e.BatchID,
			&e.IngestedAt, &e.LastSeenAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal attributes of %s", e.EventID)
			}
		}
		e.EventTS, e.ReceivedTS = e.EventTS.UTC(), e.ReceivedTS.UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: scan events iterate")
}

// ScanBilling returns billing records dated on or before through.
func (s *PostgresStore) ScanBilling(ctx context.Context, through model.Day) ([]model.CanonicalBilling, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, billing_date, user_id, kind, COALESCE(plan_id, ''), batch_id, ingested_at, last_seen_at
		 FROM churn.canonical_billing WHERE billing_date <= $1 ORDER BY user_id, billing_date, fingerprint`,
		through.Time(),
	)
	if err != nil {
		return nil, storageErr("postgres: scan billing", err)
	}
	defer rows.Close()

	var out []model.CanonicalBilling
	for rows.Next() {
		var b model.CanonicalBilling
		var date time.Time
		var kind string
		if err := rows.Scan(&b.Fingerprint, &date, &b.UserID, &kind, &b.PlanID, &b.BatchID,
			&b.IngestedAt, &b.LastSeenAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan billing row")
		}
		b.BillingDate = model.DayOf(date)
		b.Kind = model.BillingKind(kind)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: scan billing iterate")
}

// ObservedRange returns the first and last day seen across events and billing.
func (s *PostgresStore) ObservedRange(ctx context.Context) (model.DayRange, bool, error) {
	var minDay, maxDay *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MIN(d), MAX(d) FROM (
		SELECT event_day AS d FROM churn.canonical_events
		UNION ALL
		SELECT billing_date AS d FROM churn.canonical_billing
	) observed`).Scan(&minDay, &maxDay)
	if err != nil {
		return model.DayRange{}, false, storageErr("postgres: observed range", err)
	}
	if minDay == nil || maxDay == nil {
		return model.DayRange{}, false, nil
	}
	return model.DayRange{From: model.DayOf(*minDay), To: model.DayOf(*maxDay)}, true, nil
}

// ListQuarantine returns quarantined records, optionally for one batch.
func (s *PostgresStore) ListQuarantine(ctx context.Context, batchID string) ([]model.Rejection, error) {
	query := `SELECT batch_id, record_index, kind, reason, COALESCE(detail, ''), payload FROM churn.quarantine`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = $1`
		args = append(args, batchID)
	}
	query += ` ORDER BY batch_id, record_index`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("postgres: list quarantine", err)
	}
	defer rows.Close()

	var out []model.Rejection
	for rows.Next() {
		var r model.Rejection
		var kind, payload string
		var index int32
		if err := rows.Scan(&r.BatchID, &index, &kind, &r.Reason, &r.Detail, &payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quarantine row")
		}
		r.Index = int(index)
		r.Kind = model.RecordKind(kind)
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list quarantine iterate")
}

// --- Derived tables ---

// ReplaceDerived swaps both derived tables' rows in days for the recomputed
// rows in one transaction.
func (s *PostgresStore) ReplaceDerived(ctx context.Context, days model.DayRange, states []model.SubscriptionState, rows []model.FeatureRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("postgres: begin derive tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stateRows := make([][]any, 0, len(states))
	for _, st := range states {
		stateRows = append(stateRows, []any{st.Day.Time(), st.UserID, st.IsActive, nullString(st.PlanID)})
	}
	if _, err := db.ReplaceRange(ctx, tx, schema+TableState, "day", days.From.Time(), days.To.Time(), stateColumns, stateRows); err != nil {
		return storageErr("postgres: replace state", err)
	}

	featureRows := make([][]any, 0, len(rows))
	for _, r := range rows {
		featureRows = append(featureRows, []any{
			r.Day.Time(), r.UserID, nullString(r.PlanID), r.IsActive, int32(r.EventsShort), int32(r.SessionsShort),
			int32(r.FeatureUseShort), int32(r.SupportTicketsLong), r.LateRateShort, r.Churn,
		})
	}
	if _, err := db.ReplaceRange(ctx, tx, schema+TableFeatures, "day", days.From.Time(), days.To.Time(), featureColumns, featureRows); err != nil {
		return storageErr("postgres: replace feature rows", err)
	}

	return storageErr("postgres: commit derive", tx.Commit(ctx))
}

// LoadFeatureRows returns feature rows in days ordered by (day, user).
func (s *PostgresStore) LoadFeatureRows(ctx context.Context, days model.DayRange) ([]model.FeatureRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT day, user_id, COALESCE(plan_id, ''), is_active, events_short,
		sessions_short, feature_use_short, support_tickets_long, late_rate_short, churn
		FROM churn.feature_rows WHERE day BETWEEN $1 AND $2 ORDER BY day, user_id`,
		days.From.Time(), days.To.Time(),
	)
	if err != nil {
		return nil, storageErr("postgres: load feature rows", err)
	}
	defer rows.Close()

	var out []model.FeatureRow
	for rows.Next() {
		var r model.FeatureRow
		var day time.Time
		var events, sessions, features, tickets int32
		if err := rows.Scan(&day, &r.UserID, &r.PlanID, &r.IsActive, &events, &sessions,
			&features, &tickets, &r.LateRateShort, &r.Churn); err != nil {
			return nil, eris.Wrap(err, "postgres: scan feature row")
		}
		r.Day = model.DayOf(day)
		r.EventsShort, r.SessionsShort = int(events), int(sessions)
		r.FeatureUseShort, r.SupportTicketsLong = int(features), int(tickets)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load feature rows iterate")
}

// --- Run log ---

// CreateRun records the start of a pipeline run.
func (s *PostgresStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO churn.runs (id, status, started_at) VALUES ($1, $2, $3)`,
		id, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.Run{ID: id, Status: model.RunStatusRunning, StartedAt: now}, nil
}

// StartStage records the start of a stage within a run.
func (s *PostgresStore) StartStage(ctx context.Context, runID, name string) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO churn.run_stages (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, name, string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert stage for run %s", runID)
	}
	return &model.RunStage{ID: id, RunID: runID, Name: name, Status: model.StageStatusRunning, StartedAt: now}, nil
}

// CompleteStage marks a stage complete with its result counters.
func (s *PostgresStore) CompleteStage(ctx context.Context, stageID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE churn.run_stages SET status = $1, result = $2, completed_at = $3 WHERE id = $4`,
		string(model.StageStatusComplete), resultJSON, time.Now().UTC(), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "stage %s", stageID)
	}
	return nil
}

// FailStage marks a stage failed.
func (s *PostgresStore) FailStage(ctx context.Context, stageID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE churn.run_stages SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.StageStatusFailed), errMsg, time.Now().UTC(), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "stage %s", stageID)
	}
	return nil
}

// FinishRun records the terminal status and counters of a run.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, counters model.RunCounters, errMsg string) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE churn.runs SET status = $1, counters = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), countersJSON, nullString(errMsg), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// GetRun returns a run with its stages.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, counters, COALESCE(error, ''), started_at, completed_at FROM churn.runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, status, result, COALESCE(error, ''), started_at, completed_at
		 FROM churn.run_stages WHERE run_id = $1 ORDER BY started_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stages for %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var st model.RunStage
		var status string
		var result []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &status, &result, &st.Error,
			&st.StartedAt, &st.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		st.Status = model.StageStatus(status)
		if len(result) > 0 {
			if err := json.Unmarshal(result, &st.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage result")
			}
		}
		r.Stages = append(r.Stages, st)
	}
	return r, eris.Wrap(rows.Err(), "postgres: list stages iterate")
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, counters, COALESCE(error, ''), started_at, completed_at FROM churn.runs WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += " ORDER BY started_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Stats reports table counts, late events and the latest ingestion time.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Tables: make(map[string]int64, len(Tables))}
	for _, table := range Tables {
		var n int64
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+schema+table).Scan(&n); err != nil {
			return nil, storageErr("postgres: count "+table, err)
		}
		st.Tables[table] = n
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE is_late), MAX(ingested_at) FROM churn.canonical_events`,
	).Scan(&st.LateEvents, &st.LatestIngestion); err != nil {
		return nil, storageErr("postgres: event stats", err)
	}
	return st, nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var counters []byte
	if err := row.Scan(&r.ID, &status, &counters, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &r.Counters); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counters")
		}
	}
	return &r, nil
}
