package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-engine/internal/db"
	"github.com/sells-group/revenue-engine/internal/model"
	"github.com/sells-group/revenue-engine/internal/resilience"
)

const (
	eventsTable = "revenue.events"
	pairsTable  = "revenue.user_product_pairs"
	ratesTable  = "revenue.conversion_rates"
)

var pairKeys = []string{"user_id", "product_id"}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore, retrying while the server is unreachable.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("store.postgres", "connect")
	pool, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: create pool")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, eris.Wrap(err, "postgres: ping")
		}
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close is a no-op.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InsertEvents appends events with COPY. Revenue is stored at four decimal places.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = eventRow(e)
	}
	n, err := db.CopyFrom(ctx, s.pool, eventsTable,
		[]string{"user_id", "product_id", "country", "event_name", "event_time", "revenue"}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert events")
	}
	return n, nil
}

// LoadEvents scans the whole event store in (user, product, insertion) order.
func (s *PostgresStore) LoadEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, product_id, country, event_name, event_time, revenue::text
		 FROM revenue.events ORDER BY user_id, product_id, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var name, revenue string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProductID, &e.Country, &name, &e.RawTime, &revenue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		e.Name = model.EventName(name)
		if e.Revenue, err = parseRevenue(revenue); err != nil {
			return nil, eris.Wrapf(err, "postgres: revenue of event %d", e.ID)
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: iterate events")
}

// ListPairs returns every pair with its rate profile, ordered by key.
func (s *PostgresStore) ListPairs(ctx context.Context) ([]model.Pair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.user_id, p.product_id, p.country, p.credited_date,
		        p.current_status, p.lifecycle_reason, p.valid_lifecycle,
		        p.price_bucket::text, p.assignment_type, p.inherited_from_event_type,
		        p.current_value::text, p.value_status,
		        r.trial_conversion_rate::text, r.trial_converted_to_refund_rate::text,
		        r.initial_purchase_to_refund_rate::text
		 FROM revenue.user_product_pairs p
		 LEFT JOIN revenue.conversion_rates r
		   ON r.user_id = p.user_id AND r.product_id = p.product_id
		 ORDER BY p.user_id, p.product_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pairs")
	}
	defer rows.Close()

	var pairs []model.Pair
	for rows.Next() {
		var k model.PairKey
		var ps pairScan
		if err := rows.Scan(&k.UserID, &k.ProductID, &ps.country, &ps.credited,
			&ps.status, &ps.reason, &ps.valid,
			&ps.bucket, &ps.assignment, &ps.inherited,
			&ps.value, &ps.valueStatus,
			&ps.convRate, &ps.trialRefund, &ps.purchaseRefund); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pair")
		}
		p, err := ps.toPair(k)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, eris.Wrap(rows.Err(), "postgres: iterate pairs")
}

// EnsurePairs inserts pairs not yet in the shared table. Existing rows are untouched.
func (s *PostgresStore) EnsurePairs(ctx context.Context, pairs []model.NewPair) (int64, error) {
	rows := make([][]any, len(pairs))
	for i, p := range pairs {
		rows[i] = []any{p.UserID, p.ProductID, p.Country}
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        pairsTable,
		Columns:      []string{"user_id", "product_id", "country"},
		ConflictKeys: pairKeys,
		UpdateCols:   []string{},
	}, rows)
}

// SetCreditedDates records upstream credited dates, creating pairs as needed.
func (s *PostgresStore) SetCreditedDates(ctx context.Context, dates []model.CreditedDate) (int64, error) {
	rows := make([][]any, len(dates))
	for i, d := range dates {
		rows[i] = []any{d.UserID, d.ProductID, nullText(d.Date)}
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        pairsTable,
		Columns:      []string{"user_id", "product_id", "credited_date"},
		ConflictKeys: pairKeys,
	}, rows)
}

// UpsertRates records upstream rate profiles after range-checking them.
func (s *PostgresStore) UpsertRates(ctx context.Context, rates []model.PairRates) (int64, error) {
	rows := make([][]any, len(rates))
	for i, r := range rates {
		if err := r.Validate(); err != nil {
			return 0, eris.Wrapf(err, "postgres: rates of %s", r.PairKey)
		}
		rows[i] = rateRow(r)
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: ratesTable,
		Columns: []string{"user_id", "product_id", "trial_conversion_rate",
			"trial_converted_to_refund_rate", "initial_purchase_to_refund_rate"},
		ConflictKeys: pairKeys,
	}, rows)
}

// SwapLifecycle registers fresh pairs and replaces the lifecycle columns of
// every pair in the same transaction.
func (s *PostgresStore) SwapLifecycle(ctx context.Context, fresh []model.NewPair, results []model.LifecycleResult) error {
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = lifecycleRow(r)
	}
	_, err := db.SwapColumns(ctx, s.pool, db.SwapConfig{
		Table:        pairsTable,
		Keys:         pairKeys,
		Columns:      lifecycleColumns,
		Types:        map[string]string{"valid_lifecycle": "boolean"},
		ClearMissing: true,
		Before:       insertPairs(fresh),
	}, rows)
	return eris.Wrap(err, "postgres: swap lifecycle")
}

// insertPairs returns a swap step adding fresh pairs, or nil when there are none.
func insertPairs(fresh []model.NewPair) func(context.Context, pgx.Tx) error {
	if len(fresh) == 0 {
		return nil
	}
	users := make([]string, len(fresh))
	products := make([]string, len(fresh))
	countries := make([]string, len(fresh))
	for i, p := range fresh {
		users[i], products[i], countries[i] = p.UserID, p.ProductID, p.Country
	}
	return func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO `+pairsTable+` (user_id, product_id, country)
			 SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
			 ON CONFLICT (user_id, product_id) DO NOTHING`,
			users, products, countries)
		return eris.Wrap(err, "postgres: register new pairs")
	}
}

// SwapPrices replaces the price bucket columns of every pair.
func (s *PostgresStore) SwapPrices(ctx context.Context, assignments []model.PriceAssignment) error {
	rows := make([][]any, len(assignments))
	for i, a := range assignments {
		rows[i] = priceRow(a)
	}
	_, err := db.SwapColumns(ctx, s.pool, db.SwapConfig{
		Table:        pairsTable,
		Keys:         pairKeys,
		Columns:      priceColumns,
		Types:        map[string]string{"price_bucket": "numeric"},
		ClearMissing: true,
	}, rows)
	return eris.Wrap(err, "postgres: swap prices")
}

// SwapValues replaces the value columns of every pair. current_status is
// shared with the lifecycle stage and is left alone on skipped pairs.
func (s *PostgresStore) SwapValues(ctx context.Context, results []model.ValueResult) error {
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = valueRow(r)
	}
	_, err := db.SwapColumns(ctx, s.pool, db.SwapConfig{
		Table:        pairsTable,
		Keys:         pairKeys,
		Columns:      valueColumns,
		Types:        map[string]string{"current_value": "numeric"},
		ClearMissing: true,
		Shared:       []string{"current_status"},
	}, rows)
	return eris.Wrap(err, "postgres: swap values")
}

// StartRun records the beginning of a stage run and returns its ID.
func (s *PostgresStore) StartRun(ctx context.Context, stage string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO revenue.stage_runs (id, stage, status, started_at)
		 VALUES ($1, $2, 'running', now())`,
		id, stage,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start run for %s", stage)
	}
	return id, nil
}

// CompleteRun marks a stage run as successfully completed.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, pairs int, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		if metaJSON, err = json.Marshal(metadata); err != nil {
			return eris.Wrap(err, "postgres: marshal run metadata")
		}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE revenue.stage_runs
		 SET status = 'complete', completed_at = now(), pairs = $1, metadata = $2
		 WHERE id = $3`,
		pairs, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	return nil
}

// FailRun marks a stage run as failed.
func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE revenue.stage_runs
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	return nil
}

// ListRuns returns the most recent stage runs first. limit <= 0 returns all.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	query := `SELECT id, stage, status, started_at, completed_at, pairs, error, metadata
		 FROM revenue.stage_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Stage, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Pairs, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		e.Error = deref(errStr)
		if metaJSON != nil {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, eris.Wrapf(err, "postgres: metadata of run %s", e.ID)
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

var _ Store = (*PostgresStore)(nil)
