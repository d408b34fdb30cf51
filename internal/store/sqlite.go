package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/janus/internal/model"
)

// tsLayout is fixed-width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serialises writers so batch transactions never interleave.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS canonical_events (
	fingerprint      TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL,
	event_ts         TEXT NOT NULL,
	event_day        TEXT NOT NULL,
	received_ts      TEXT NOT NULL,
	user_id          TEXT,
	device_id        TEXT,
	session_id       TEXT,
	event_type       TEXT NOT NULL,
	attributes       TEXT NOT NULL DEFAULT '{}',
	is_late          INTEGER NOT NULL,
	lateness_seconds INTEGER NOT NULL,
	batch_id         TEXT NOT NULL,
	ingested_at      TEXT NOT NULL,
	last_seen_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_day ON canonical_events(event_day);
CREATE INDEX IF NOT EXISTS idx_events_user ON canonical_events(user_id, event_ts);
CREATE INDEX IF NOT EXISTS idx_events_event_id ON canonical_events(event_id);

CREATE TABLE IF NOT EXISTS canonical_billing (
	fingerprint  TEXT PRIMARY KEY,
	billing_date TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	plan_id      TEXT,
	batch_id     TEXT NOT NULL,
	ingested_at  TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_billing_date ON canonical_billing(billing_date);
CREATE INDEX IF NOT EXISTS idx_billing_user ON canonical_billing(user_id, billing_date);

CREATE TABLE IF NOT EXISTS quarantine (
	batch_id       TEXT NOT NULL,
	record_index   INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	reason         TEXT NOT NULL,
	detail         TEXT,
	payload        TEXT NOT NULL,
	quarantined_at TEXT NOT NULL,
	PRIMARY KEY (batch_id, record_index, kind)
);

CREATE TABLE IF NOT EXISTS subscription_state (
	day       TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	is_active INTEGER NOT NULL,
	plan_id   TEXT,
	PRIMARY KEY (day, user_id)
);

CREATE TABLE IF NOT EXISTS feature_rows (
	day                  TEXT NOT NULL,
	user_id              TEXT NOT NULL,
	plan_id              TEXT,
	is_active            INTEGER NOT NULL,
	events_short         INTEGER NOT NULL,
	sessions_short       INTEGER NOT NULL,
	feature_use_short    INTEGER NOT NULL,
	support_tickets_long INTEGER NOT NULL,
	late_rate_short      REAL NOT NULL,
	churn                INTEGER NOT NULL,
	PRIMARY KEY (day, user_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	counters     TEXT,
	error        TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS run_stages (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	result       TEXT,
	error        TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
`

// Migrate creates all tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Canonical records ---

// CommitEvents inserts each event if its fingerprint is absent and otherwise
// only refreshes last_seen_at, quarantining rejections in the same transaction.
func (s *SQLiteStore) CommitEvents(ctx context.Context, batch *model.EventBatch) (model.CommitResult, error) {
	var res model.CommitResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, storageErr("sqlite: begin events tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insert, err := tx.PrepareContext(ctx, `INSERT INTO canonical_events (
		fingerprint, event_id, event_ts, event_day, received_ts, user_id, device_id, session_id,
		event_type, attributes, is_late, lateness_seconds, batch_id, ingested_at, last_seen_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO NOTHING`)
	if err != nil {
		return res, storageErr("sqlite: prepare event insert", err)
	}
	defer insert.Close() //nolint:errcheck

	touch, err := tx.PrepareContext(ctx, `UPDATE canonical_events SET last_seen_at = ? WHERE fingerprint = ?`)
	if err != nil {
		return res, storageErr("sqlite: prepare event touch", err)
	}
	defer touch.Close() //nolint:errcheck

	seen := formatTS(batch.SeenAt)
	for i := range batch.Events {
		e := &batch.Events[i]
		attrs, err := marshalAttributes(e.Attributes)
		if err != nil {
			return res, err
		}
		r, err := insert.ExecContext(ctx,
			e.Fingerprint, e.EventID, formatTS(e.EventTS), e.Day().String(), formatTS(e.ReceivedTS),
			nullString(e.UserID), nullString(e.DeviceID), nullString(e.SessionID),
			e.EventType, attrs, e.IsLate, e.LatenessSeconds, e.BatchID, formatTS(e.IngestedAt), seen,
		)
		if err != nil {
			return res, storageErr("sqlite: insert event "+e.EventID, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, storageErr("sqlite: rows affected", err)
		}
		if n == 1 {
			res.Inserted++
			continue
		}
		res.Duplicates++
		if _, err := touch.ExecContext(ctx, seen, e.Fingerprint); err != nil {
			return res, storageErr("sqlite: touch event "+e.EventID, err)
		}
	}

	if err := s.quarantine(ctx, tx, batch.Rejections, batch.SeenAt); err != nil {
		return res, err
	}
	res.Rejected = len(batch.Rejections)

	if err := tx.Commit(); err != nil {
		return model.CommitResult{}, storageErr("sqlite: commit events", err)
	}
	return res, nil
}

// CommitBilling is CommitEvents for billing records.
func (s *SQLiteStore) CommitBilling(ctx context.Context, batch *model.BillingBatch) (model.CommitResult, error) {
	var res model.CommitResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, storageErr("sqlite: begin billing tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insert, err := tx.PrepareContext(ctx, `INSERT INTO canonical_billing (
		fingerprint, billing_date, user_id, kind, plan_id, batch_id, ingested_at, last_seen_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO NOTHING`)
	if err != nil {
		return res, storageErr("sqlite: prepare billing insert", err)
	}
	defer insert.Close() //nolint:errcheck

	touch, err := tx.PrepareContext(ctx, `UPDATE canonical_billing SET last_seen_at = ? WHERE fingerprint = ?`)
	if err != nil {
		return res, storageErr("sqlite: prepare billing touch", err)
	}
	defer touch.Close() //nolint:errcheck

	seen := formatTS(batch.SeenAt)
	for i := range batch.Records {
		b := &batch.Records[i]
		r, err := insert.ExecContext(ctx,
			b.Fingerprint, b.BillingDate.String(), b.UserID, string(b.Kind), nullString(b.PlanID),
			b.BatchID, formatTS(b.IngestedAt), seen,
		)
		if err != nil {
			return res, storageErr("sqlite: insert billing for "+b.UserID, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, storageErr("sqlite: rows affected", err)
		}
		if n == 1 {
			res.Inserted++
			continue
		}
		res.Duplicates++
		if _, err := touch.ExecContext(ctx, seen, b.Fingerprint); err != nil {
			return res, storageErr("sqlite: touch billing for "+b.UserID, err)
		}
	}

	if err := s.quarantine(ctx, tx, batch.Rejections, batch.SeenAt); err != nil {
		return res, err
	}
	res.Rejected = len(batch.Rejections)

	if err := tx.Commit(); err != nil {
		return model.CommitResult{}, storageErr("sqlite: commit billing", err)
	}
	return res, nil
}

func (s *SQLiteStore) quarantine(ctx context.Context, tx *sql.Tx, rejections []model.Rejection, at time.Time) error {
	if len(rejections) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO quarantine (
		batch_id, record_index, kind, reason, detail, payload, quarantined_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(batch_id, record_index, kind) DO NOTHING`)
	if err != nil {
		return storageErr("sqlite: prepare quarantine insert", err)
	}
	defer stmt.Close() //nolint:errcheck

	ts := formatTS(at)
	for _, r := range rejections {
		if _, err := stmt.ExecContext(ctx,
			r.BatchID, r.Index, string(r.Kind), r.Reason, nullString(r.Detail), string(r.Payload), ts,
		); err != nil {
			return storageErr("sqlite: quarantine record", err)
		}
	}
	return nil
}

const sqliteEventColumns = `fingerprint, event_id, event_ts, received_ts, user_id, device_id, session_id,
	event_type, attributes, is_late, lateness_seconds, batch_id, ingested_at, last_seen_at`

// ScanEvents returns events whose event day falls in days, ordered by event time.
func (s *SQLiteStore) ScanEvents(ctx context.Context, days model.DayRange) ([]model.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM canonical_events
		 WHERE event_day BETWEEN ? AND ? ORDER BY event_ts, fingerprint`,
		days.From.String(), days.To.String(),
	)
	if err != nil {
		return nil, storageErr("sqlite: scan events", err)
	}
	return collectSQLiteEvents(rows)
}

// EventsForUser returns every event of one user, ordered by event time.
func (s *SQLiteStore) EventsForUser(ctx context.Context, userID string) ([]model.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM canonical_events
		 WHERE user_id = ? ORDER BY event_ts, fingerprint`,
		userID,
	)
	if err != nil {
		return nil, storageErr("sqlite: events for user "+userID, err)
	}
	return collectSQLiteEvents(rows)
}

func collectSQLiteEvents(rows *sql.Rows) ([]model.CanonicalEvent, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.CanonicalEvent
	for rows.Next() {
		var (
			e                                   model.CanonicalEvent
			eventTS, receivedTS, ingested, seen string
			userID, deviceID, sessionID         sql.NullString
			attrs                               string
		)
		if err := rows.Scan(&e.Fingerprint, &e.EventID, &eventTS, &receivedTS, &userID, &deviceID, &sessionID,
			&e.EventType, &attrs, &e.IsLate, &e.LatenessSeconds, &e.BatchID, &ingested, &seen); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		e.UserID, e.DeviceID, e.SessionID = userID.String, deviceID.String, sessionID.String

		var err error
		if e.EventTS, err = parseTS(eventTS); err != nil {
			return nil, err
		}
		if e.ReceivedTS, err = parseTS(receivedTS); err != nil {
			return nil, err
		}
		if e.IngestedAt, err = parseTS(ingested); err != nil {
			return nil, err
		}
		if e.LastSeenAt, err = parseTS(seen); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal attributes of %s", e.EventID)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: scan events iterate")
}

// ScanBilling returns billing records dated on or before through.
func (s *SQLiteStore) ScanBilling(ctx context.Context, through model.Day) ([]model.CanonicalBilling, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, billing_date, user_id, kind, plan_id, batch_id, ingested_at, last_seen_at
		 FROM canonical_billing WHERE billing_date <= ? ORDER BY user_id, billing_date, fingerprint`,
		through.String(),
	)
	if err != nil {
		return nil, storageErr("sqlite: scan billing", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CanonicalBilling
	for rows.Next() {
		var (
			b                    model.CanonicalBilling
			date, ingested, seen string
			kind                 string
			planID               sql.NullString
		)
		if err := rows.Scan(&b.Fingerprint, &date, &b.UserID, &kind, &planID, &b.BatchID, &ingested, &seen); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan billing row")
		}
		var err error
		if b.BillingDate, err = model.ParseDay(date); err != nil {
			return nil, err
		}
		if b.IngestedAt, err = parseTS(ingested); err != nil {
			return nil, err
		}
		if b.LastSeenAt, err = parseTS(seen); err != nil {
			return nil, err
		}
		b.Kind = model.BillingKind(kind)
		b.PlanID = planID.String
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: scan billing iterate")
}

// ObservedRange returns the first and last day seen across events and billing.
// ok is false when the store holds no canonical records.
func (s *SQLiteStore) ObservedRange(ctx context.Context) (model.DayRange, bool, error) {
	var minDay, maxDay sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MIN(d), MAX(d) FROM (
		SELECT event_day AS d FROM canonical_events
		UNION ALL
		SELECT billing_date AS d FROM canonical_billing
	)`).Scan(&minDay, &maxDay)
	if err != nil {
		return model.DayRange{}, false, storageErr("sqlite: observed range", err)
	}
	if !minDay.Valid || !maxDay.Valid {
		return model.DayRange{}, false, nil
	}
	from, err := model.ParseDay(minDay.String)
	if err != nil {
		return model.DayRange{}, false, err
	}
	to, err := model.ParseDay(maxDay.String)
	if err != nil {
		return model.DayRange{}, false, err
	}
	return model.DayRange{From: from, To: to}, true, nil
}

// ListQuarantine returns quarantined records, optionally for one batch.
func (s *SQLiteStore) ListQuarantine(ctx context.Context, batchID string) ([]model.Rejection, error) {
	query := `SELECT batch_id, record_index, kind, reason, detail, payload FROM quarantine`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY batch_id, record_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("sqlite: list quarantine", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Rejection
	for rows.Next() {
		var r model.Rejection
		var kind, payload string
		var detail sql.NullString
		if err := rows.Scan(&r.BatchID, &r.Index, &kind, &r.Reason, &detail, &payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quarantine row")
		}
		r.Kind = model.RecordKind(kind)
		r.Detail = detail.String
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list quarantine iterate")
}

// --- Derived tables ---

// ReplaceDerived deletes both derived tables' rows in days and inserts the
// recomputed rows in one transaction.
func (s *SQLiteStore) ReplaceDerived(ctx context.Context, days model.DayRange, states []model.SubscriptionState, rows []model.FeatureRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("sqlite: begin derive tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	from, to := days.From.String(), days.To.String()
	for _, table := range []string{TableState, TableFeatures} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE day BETWEEN ? AND ?`, from, to); err != nil {
			return storageErr("sqlite: clear "+table, err)
		}
	}

	stateStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO subscription_state (day, user_id, is_active, plan_id) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return storageErr("sqlite: prepare state insert", err)
	}
	defer stateStmt.Close() //nolint:errcheck
	for _, st := range states {
		if _, err := stateStmt.ExecContext(ctx, st.Day.String(), st.UserID, st.IsActive, nullString(st.PlanID)); err != nil {
			return storageErr("sqlite: insert state "+st.UserID+"@"+st.Day.String(), err)
		}
	}

	rowStmt, err := tx.PrepareContext(ctx, `INSERT INTO feature_rows (
		day, user_id, plan_id, is_active, events_short, sessions_short, feature_use_short,
		support_tickets_long, late_rate_short, churn
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storageErr("sqlite: prepare feature insert", err)
	}
	defer rowStmt.Close() //nolint:errcheck
	for _, r := range rows {
		if _, err := rowStmt.ExecContext(ctx,
			r.Day.String(), r.UserID, nullString(r.PlanID), r.IsActive, r.EventsShort, r.SessionsShort,
			r.FeatureUseShort, r.SupportTicketsLong, r.LateRateShort, r.Churn,
		); err != nil {
			return storageErr("sqlite: insert feature row "+r.UserID+"@"+r.Day.String(), err)
		}
	}

	return storageErr("sqlite: commit derive", tx.Commit())
}

// LoadFeatureRows returns feature rows in days ordered by (day, user).
func (s *SQLiteStore) LoadFeatureRows(ctx context.Context, days model.DayRange) ([]model.FeatureRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT day, user_id, plan_id, is_active, events_short, sessions_short,
		feature_use_short, support_tickets_long, late_rate_short, churn
		FROM feature_rows WHERE day BETWEEN ? AND ? ORDER BY day, user_id`,
		days.From.String(), days.To.String(),
	)
	if err != nil {
		return nil, storageErr("sqlite: load feature rows", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FeatureRow
	for rows.Next() {
		var r model.FeatureRow
		var day string
		var planID sql.NullString
		if err := rows.Scan(&day, &r.UserID, &planID, &r.IsActive, &r.EventsShort, &r.SessionsShort,
			&r.FeatureUseShort, &r.SupportTicketsLong, &r.LateRateShort, &r.Churn); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feature row")
		}
		d, err := model.ParseDay(day)
		if err != nil {
			return nil, err
		}
		r.Day = d
		r.PlanID = planID.String
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load feature rows iterate")
}

// --- Run log ---

// CreateRun records the start of a pipeline run.
func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		id, string(model.RunStatusRunning), formatTS(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{ID: id, Status: model.RunStatusRunning, StartedAt: now}, nil
}

// StartStage records the start of a stage within a run.
func (s *SQLiteStore) StartStage(ctx context.Context, runID, name string) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, string(model.StageStatusRunning), formatTS(now),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert stage for run %s", runID)
	}

	return &model.RunStage{ID: id, RunID: runID, Name: name, Status: model.StageStatusRunning, StartedAt: now}, nil
}

// CompleteStage marks a stage complete with its result counters.
func (s *SQLiteStore) CompleteStage(ctx context.Context, stageID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		string(model.StageStatusComplete), string(resultJSON), formatTS(time.Now()), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

// FailStage marks a stage failed.
func (s *SQLiteStore) FailStage(ctx context.Context, stageID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.StageStatusFailed), errMsg, formatTS(time.Now()), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

// FinishRun records the terminal status and counters of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, counters model.RunCounters, errMsg string) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, counters = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), string(countersJSON), nullString(errMsg), formatTS(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// GetRun returns a run with its stages.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, counters, error, started_at, completed_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, result, error, started_at, completed_at
		 FROM run_stages WHERE run_id = ? ORDER BY started_at, id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stages for %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		r.Stages = append(r.Stages, *st)
	}
	return r, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, counters, error, started_at, completed_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Stats reports table counts, late events and the latest ingestion time.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Tables: make(map[string]int64, len(Tables))}
	for _, table := range Tables {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, storageErr("sqlite: count "+table, err)
		}
		st.Tables[table] = n
	}

	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(is_late), 0), MAX(ingested_at) FROM canonical_events`,
	).Scan(&st.LateEvents, &latest); err != nil {
		return nil, storageErr("sqlite: event stats", err)
	}
	if latest.Valid {
		t, err := parseTS(latest.String)
		if err != nil {
			return nil, err
		}
		st.LatestIngestion = &t
	}
	return st, nil
}

// helpers

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse timestamp %q", s)
	}
	return t, nil
}

func marshalAttributes(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal attributes")
	}
	return string(b), nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, started string
	var counters, errMsg, completed sql.NullString

	err := row.Scan(&r.ID, &status, &counters, &errMsg, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.Status = model.RunStatus(status)
	r.Error = errMsg.String
	if r.StartedAt, err = parseTS(started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTS(completed.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	if counters.Valid {
		if err := json.Unmarshal([]byte(counters.String), &r.Counters); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal counters")
		}
	}
	return &r, nil
}

func scanStage(row scannable) (*model.RunStage, error) {
	var st model.RunStage
	var status, started string
	var result, errMsg, completed sql.NullString

	if err := row.Scan(&st.ID, &st.RunID, &st.Name, &status, &result, &errMsg, &started, &completed); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan stage")
	}

	var err error
	st.Status = model.StageStatus(status)
	st.Error = errMsg.String
	if st.StartedAt, err = parseTS(started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTS(completed.String)
		if err != nil {
			return nil, err
		}
		st.CompletedAt = &t
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &st.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stage result")
		}
	}
	return &st, nil
}
