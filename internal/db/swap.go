package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// SwapConfig describes an owned-column replacement on a keyed table.
type SwapConfig struct {
	Table   string            // target table, e.g. "revenue.user_product_pairs"
	Keys    []string          // key columns identifying a row
	Columns []string          // owned columns being replaced
	Types   map[string]string // SQL type per owned column; missing = text
	// ClearMissing nulls the owned columns of rows absent from the new set.
	ClearMissing bool
	// Shared columns are written by more than one owner and are never cleared.
	Shared []string
	// Before runs inside the swap transaction ahead of staging, e.g. to
	// insert rows the swap is about to update.
	Before func(ctx context.Context, tx pgx.Tx) error
}

// SwapColumns replaces the owned columns of cfg.Table with rows in a single
// transaction:
//  1. Creates a text-typed temp table holding keys + owned columns
//  2. COPY rows into it
//  3. UPDATE target FROM temp, casting each owned column
//  4. Optionally clears owned columns on rows the new set does not mention
//
// Each row is keys followed by columns, all string or nil. Nothing is
// visible to readers until commit, and any failure leaves prior values intact.
func SwapColumns(ctx context.Context, pool Pool, cfg SwapConfig, rows [][]any) (int64, error) {
	if len(cfg.Keys) == 0 {
		return 0, eris.New("db: swap: no key columns specified")
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: swap: no owned columns specified")
	}
	width := len(cfg.Keys) + len(cfg.Columns)
	for i, r := range rows {
		if len(r) != width {
			return 0, eris.Errorf("db: swap: row %d has %d values, want %d", i, len(r), width)
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: swap: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if cfg.Before != nil {
		if err := cfg.Before(ctx, tx); err != nil {
			return 0, eris.Wrapf(err, "db: swap: prepare %s", cfg.Table)
		}
	}

	stage := StageTable(cfg.Table)
	all := append(append([]string{}, cfg.Keys...), cfg.Columns...)

	defs := make([]string, len(all))
	for i, c := range all {
		defs[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(), strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: swap: create stage table for %s", cfg.Table)
	}

	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, all, pgx.CopyFromRows(rows)); err != nil {
			return 0, eris.Wrapf(err, "db: swap: COPY into stage table for %s", cfg.Table)
		}
	}

	tag, err := tx.Exec(ctx, updateSQL(cfg, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: swap: UPDATE owned columns of %s", cfg.Table)
	}

	if cfg.ClearMissing && len(clearable(cfg)) > 0 {
		if _, err := tx.Exec(ctx, clearSQL(cfg, stage)); err != nil {
			return 0, eris.Wrapf(err, "db: swap: clear owned columns of %s", cfg.Table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: swap: commit tx")
	}
	return tag.RowsAffected(), nil
}

// StageTable returns the temp table name used to stage a swap into table.
func StageTable(table string) string {
	return "_stage_" + strings.ReplaceAll(table, ".", "_")
}

func updateSQL(cfg SwapConfig, stage string) string {
	sets := make([]string, len(cfg.Columns))
	for i, c := range cfg.Columns {
		col := pgx.Identifier{c}.Sanitize()
		sets[i] = fmt.Sprintf("%s = s.%s::%s", col, col, columnType(cfg, c))
	}
	return fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE %s",
		sanitizeTable(cfg.Table),
		strings.Join(sets, ", "),
		pgx.Identifier{stage}.Sanitize(),
		keyMatch(cfg.Keys),
	)
}

func clearable(cfg SwapConfig) []string {
	shared := make(map[string]bool, len(cfg.Shared))
	for _, c := range cfg.Shared {
		shared[c] = true
	}
	var out []string
	for _, c := range cfg.Columns {
		if !shared[c] {
			out = append(out, c)
		}
	}
	return out
}

func clearSQL(cfg SwapConfig, stage string) string {
	cols := clearable(cfg)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = pgx.Identifier{c}.Sanitize() + " = NULL"
	}
	return fmt.Sprintf("UPDATE %s AS t SET %s WHERE NOT EXISTS (SELECT 1 FROM %s AS s WHERE %s)",
		sanitizeTable(cfg.Table),
		strings.Join(sets, ", "),
		pgx.Identifier{stage}.Sanitize(),
		keyMatch(cfg.Keys),
	)
}

func keyMatch(keys []string) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		col := pgx.Identifier{k}.Sanitize()
		conds[i] = fmt.Sprintf("t.%s = s.%s", col, col)
	}
	return strings.Join(conds, " AND ")
}

func columnType(cfg SwapConfig, col string) string {
	if t, ok := cfg.Types[col]; ok && t != "" {
		return t
	}
	return "text"
}

// sanitizeTable handles schema-qualified table names like "revenue.events".
func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}
	}
	return pgx.Identifier{table}
}
