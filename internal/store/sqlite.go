package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/revenue-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local runs
// and tests; swaps run in a single transaction like the Postgres store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps swap transactions serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	product_id  TEXT NOT NULL,
	country     TEXT NOT NULL DEFAULT '',
	event_name  TEXT NOT NULL,
	event_time  TEXT NOT NULL,
	revenue     TEXT NOT NULL DEFAULT '0',
	ingested_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_pair ON events(user_id, product_id);

CREATE TABLE IF NOT EXISTS user_product_pairs (
	user_id                   TEXT NOT NULL,
	product_id                TEXT NOT NULL,
	country                   TEXT NOT NULL DEFAULT '',
	credited_date             TEXT,
	valid_lifecycle           INTEGER,
	lifecycle_reason          TEXT,
	current_status            TEXT,
	price_bucket              TEXT,
	assignment_type           TEXT,
	inherited_from_event_type TEXT,
	current_value             TEXT,
	value_status              TEXT,
	PRIMARY KEY (user_id, product_id)
);

CREATE TABLE IF NOT EXISTS conversion_rates (
	user_id                         TEXT NOT NULL,
	product_id                      TEXT NOT NULL,
	trial_conversion_rate           TEXT NOT NULL,
	trial_converted_to_refund_rate  TEXT NOT NULL,
	initial_purchase_to_refund_rate TEXT NOT NULL,
	PRIMARY KEY (user_id, product_id)
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id           TEXT PRIMARY KEY,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	pairs        INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);
`

// Migrate creates the schema. It is safe to run repeatedly.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertEvents appends events in one transaction.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO events (user_id, product_id, country, event_name, event_time, revenue)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert event")
		}
		defer stmt.Close() //nolint:errcheck
		for _, e := range events {
			if _, err := stmt.ExecContext(ctx, eventRow(e)...); err != nil {
				return eris.Wrapf(err, "sqlite: insert event for %s", e.Key())
			}
			n++
		}
		return nil
	})
	return n, err
}

// LoadEvents scans the whole event store in (user, product, insertion) order.
func (s *SQLiteStore) LoadEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, product_id, country, event_name, event_time, revenue
		 FROM events ORDER BY user_id, product_id, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load events")
	}
	defer rows.Close() //nolint:errcheck

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var name, revenue string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProductID, &e.Country, &name, &e.RawTime, &revenue); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		e.Name = model.EventName(name)
		if e.Revenue, err = parseRevenue(revenue); err != nil {
			return nil, eris.Wrapf(err, "sqlite: revenue of event %d", e.ID)
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

// ListPairs returns every pair with its rate profile, ordered by key.
func (s *SQLiteStore) ListPairs(ctx context.Context) ([]model.Pair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.user_id, p.product_id, p.country, p.credited_date,
		        p.current_status, p.lifecycle_reason, p.valid_lifecycle,
		        p.price_bucket, p.assignment_type, p.inherited_from_event_type,
		        p.current_value, p.value_status,
		        r.trial_conversion_rate, r.trial_converted_to_refund_rate,
		        r.initial_purchase_to_refund_rate
		 FROM user_product_pairs p
		 LEFT JOIN conversion_rates r
		   ON r.user_id = p.user_id AND r.product_id = p.product_id
		 ORDER BY p.user_id, p.product_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pairs")
	}
	defer rows.Close() //nolint:errcheck

	var pairs []model.Pair
	for rows.Next() {
		var k model.PairKey
		var ps pairScan
		if err := rows.Scan(&k.UserID, &k.ProductID, &ps.country, &ps.credited,
			&ps.status, &ps.reason, &ps.valid,
			&ps.bucket, &ps.assignment, &ps.inherited,
			&ps.value, &ps.valueStatus,
			&ps.convRate, &ps.trialRefund, &ps.purchaseRefund); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pair")
		}
		p, err := ps.toPair(k)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "sqlite: iterate pairs")
}

// EnsurePairs inserts pairs not yet in the shared table.
func (s *SQLiteStore) EnsurePairs(ctx context.Context, pairs []model.NewPair) (int64, error) {
	rows := make([][]any, len(pairs))
	for i, p := range pairs {
		rows[i] = []any{p.UserID, p.ProductID, p.Country}
	}
	return s.upsert(ctx, "user_product_pairs", []string{"user_id", "product_id", "country"}, []string{}, rows)
}

// SetCreditedDates records upstream credited dates, creating pairs as needed.
func (s *SQLiteStore) SetCreditedDates(ctx context.Context, dates []model.CreditedDate) (int64, error) {
	rows := make([][]any, len(dates))
	for i, d := range dates {
		rows[i] = []any{d.UserID, d.ProductID, nullText(d.Date)}
	}
	return s.upsert(ctx, "user_product_pairs", []string{"user_id", "product_id", "credited_date"},
		[]string{"credited_date"}, rows)
}

// UpsertRates records upstream rate profiles after range-checking them.
func (s *SQLiteStore) UpsertRates(ctx context.Context, rates []model.PairRates) (int64, error) {
	cols := []string{"user_id", "product_id", "trial_conversion_rate",
		"trial_converted_to_refund_rate", "initial_purchase_to_refund_rate"}
	rows := make([][]any, len(rates))
	for i, r := range rates {
		if err := r.Validate(); err != nil {
			return 0, eris.Wrapf(err, "sqlite: rates of %s", r.PairKey)
		}
		rows[i] = rateRow(r)
	}
	return s.upsert(ctx, "conversion_rates", cols, cols[2:], rows)
}

// upsert inserts rows keyed on (user_id, product_id); an empty update list
// leaves existing rows untouched.
func (s *SQLiteStore) upsert(ctx context.Context, table string, cols, update []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	action := "DO NOTHING"
	if len(update) > 0 {
		sets := make([]string, len(update))
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (user_id, product_id) %s",
		table, strings.Join(cols, ", "), placeholders(len(cols)), action)

	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return eris.Wrapf(err, "sqlite: prepare upsert %s", table)
		}
		defer stmt.Close() //nolint:errcheck
		for _, r := range rows {
			res, err := stmt.ExecContext(ctx, r...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert %s", table)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, err
}

// SwapLifecycle registers fresh pairs and replaces the lifecycle columns of
// every pair in the same transaction.
func (s *SQLiteStore) SwapLifecycle(ctx context.Context, fresh []model.NewPair, results []model.LifecycleResult) error {
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = []any{r.UserID, r.ProductID, r.Valid, nullText(r.Reason), nullText(string(r.Status))}
	}
	return s.swap(ctx, lifecycleColumns, nil, rows, func(tx *sql.Tx) error {
		if len(fresh) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO user_product_pairs (user_id, product_id, country) VALUES (?, ?, ?)
			 ON CONFLICT (user_id, product_id) DO NOTHING`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert pair")
		}
		defer stmt.Close() //nolint:errcheck
		for _, p := range fresh {
			if _, err := stmt.ExecContext(ctx, p.UserID, p.ProductID, p.Country); err != nil {
				return eris.Wrapf(err, "sqlite: register pair %s", p.PairKey)
			}
		}
		return nil
	})
}

// SwapPrices replaces the price bucket columns of every pair.
func (s *SQLiteStore) SwapPrices(ctx context.Context, assignments []model.PriceAssignment) error {
	rows := make([][]any, len(assignments))
	for i, a := range assignments {
		rows[i] = priceRow(a)
	}
	return s.swap(ctx, priceColumns, nil, rows, nil)
}

// SwapValues replaces the value columns of every pair, leaving the shared
// current_status of skipped pairs alone.
func (s *SQLiteStore) SwapValues(ctx context.Context, results []model.ValueResult) error {
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = valueRow(r)
	}
	return s.swap(ctx, valueColumns, []string{"current_status"}, rows, nil)
}

// swap clears the owned columns of every row and writes the new set in one
// transaction. Each row is user_id, product_id, then cols. before, if set,
// runs first inside the same transaction.
func (s *SQLiteStore) swap(ctx context.Context, cols, shared []string, rows [][]any, before func(tx *sql.Tx) error) error {
	keep := make(map[string]bool, len(shared))
	for _, c := range shared {
		keep[c] = true
	}
	var clears, sets []string
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		if !keep[c] {
			clears = append(clears, c+" = NULL")
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if before != nil {
			if err := before(tx); err != nil {
				return err
			}
		}
		if len(clears) > 0 {
			if _, err := tx.ExecContext(ctx, "UPDATE user_product_pairs SET "+strings.Join(clears, ", ")); err != nil {
				return eris.Wrap(err, "sqlite: swap: clear owned columns")
			}
		}
		stmt, err := tx.PrepareContext(ctx,
			"UPDATE user_product_pairs SET "+strings.Join(sets, ", ")+" WHERE user_id = ? AND product_id = ?")
		if err != nil {
			return eris.Wrap(err, "sqlite: swap: prepare update")
		}
		defer stmt.Close() //nolint:errcheck
		for _, r := range rows {
			if len(r) != len(cols)+2 {
				return eris.Errorf("sqlite: swap: row has %d values, want %d", len(r), len(cols)+2)
			}
			args := append(append([]any{}, r[2:]...), r[0], r[1])
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return eris.Wrapf(err, "sqlite: swap: update %v/%v", r[0], r[1])
			}
		}
		return nil
	})
}

// StartRun records the beginning of a stage run and returns its ID.
func (s *SQLiteStore) StartRun(ctx context.Context, stage string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (id, stage, status, started_at) VALUES (?, ?, ?, ?)`,
		id, stage, RunRunning, formatTime(time.Now()))
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start run for %s", stage)
	}
	return id, nil
}

// CompleteRun marks a stage run as successfully completed.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, pairs int, metadata map[string]any) error {
	var meta any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run metadata")
		}
		meta = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = ?, completed_at = ?, pairs = ?, metadata = ? WHERE id = ?`,
		RunComplete, formatTime(time.Now()), pairs, meta, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// FailRun marks a stage run as failed.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		RunFailed, formatTime(time.Now()), errMsg, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// ListRuns returns the most recent stage runs first. limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	query := `SELECT id, stage, status, started_at, completed_at, pairs, error, metadata
		 FROM stage_runs ORDER BY rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		var started string
		var completed, errStr, meta *string
		if err := rows.Scan(&e.ID, &e.Stage, &e.Status, &started, &completed, &e.Pairs, &errStr, &meta); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, eris.Wrapf(err, "sqlite: started_at of run %s", e.ID)
		}
		if completed != nil {
			t, err := time.Parse(time.RFC3339Nano, *completed)
			if err != nil {
				return nil, eris.Wrapf(err, "sqlite: completed_at of run %s", e.ID)
			}
			e.CompletedAt = &t
		}
		e.Error = deref(errStr)
		if meta != nil {
			if err := json.Unmarshal([]byte(*meta), &e.Metadata); err != nil {
				return nil, eris.Wrapf(err, "sqlite: metadata of run %s", e.ID)
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var _ Store = (*SQLiteStore)(nil)
