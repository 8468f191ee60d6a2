// Package sqlite implements the warehouse repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type; timestamps are stored as
//     RFC3339Nano TEXT for reliable round-trips and easy debugging, and
//     parsed back to time.Time on read using the entity spec's types.
//   - There is no advisory lock; a write transaction already serializes
//     writers, so AcquireBatchLock is a no-op.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"coursedw/internal/warehouse"
)

// Keep multi-row statements comfortably under SQLite's bind-variable limit.
const maxRowsPerStmt = 200

type Repo struct {
	db *sql.DB
}

func init() {
	warehouse.Register("sqlite", New)
}

func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// The batch transaction is the only writer; a second connection would
	// just hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureSchema creates all tables and the one-current-version guard index.
// Idempotent: everything is IF NOT EXISTS.
func (r *Repo) EnsureSchema(ctx context.Context, m warehouse.Model) error {
	for _, stmt := range buildSchemaSQL(m) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

func (r *Repo) Begin(ctx context.Context) (warehouse.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &repoTx{tx: tx}, nil
}

type repoTx struct {
	tx *sql.Tx
}

func (t *repoTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *repoTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// AcquireBatchLock is a no-op: SQLite's write transaction already excludes
// concurrent writers.
func (t *repoTx) AcquireBatchLock(ctx context.Context) error { return nil }

func (t *repoTx) TruncateAll(ctx context.Context, m warehouse.Model) error {
	// SQLite has no TRUNCATE; DELETE without WHERE is the idiom.
	tables := allTables(m)
	for _, table := range tables {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("sqlite: truncate %s: %w", table, err)
		}
	}
	return nil
}

func (t *repoTx) MaxBatchID(ctx context.Context, entities []warehouse.EntitySpec) (int64, error) {
	var max int64
	for _, e := range entities {
		var v sql.NullInt64
		q := fmt.Sprintf("SELECT MAX(%s) FROM %s", ident(warehouse.ColInsertID), e.Table)
		if err := t.tx.QueryRowContext(ctx, q).Scan(&v); err != nil {
			return 0, fmt.Errorf("sqlite: max batch id %s: %w", e.Table, err)
		}
		if v.Valid && v.Int64 > max {
			max = v.Int64
		}
	}
	return max, nil
}

func (t *repoTx) CurrentVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int) (map[string]warehouse.Version, error) {
	q := fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s = ? AND %s IS NULL",
		identList(e.ColumnNames()), ident(warehouse.ColStartDate),
		e.Table, ident(warehouse.ColSourceIDAudit), ident(warehouse.ColEndDate),
	)
	rows, err := t.tx.QueryContext(ctx, q, sourceAudit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: current versions %s: %w", e.Table, err)
	}
	defer rows.Close()

	out := map[string]warehouse.Version{}
	for rows.Next() {
		v, err := scanVersion(rows, e, false)
		if err != nil {
			return nil, err
		}
		v.SourceAudit = sourceAudit
		out[v.Key] = v
	}
	return out, rows.Err()
}

func (t *repoTx) AllCurrentVersions(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.Version, error) {
	q := fmt.Sprintf(
		"SELECT %s, %s, %s FROM %s WHERE %s IS NULL",
		identList(e.ColumnNames()), ident(warehouse.ColStartDate), ident(warehouse.ColSourceIDAudit),
		e.Table, ident(warehouse.ColEndDate),
	)
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: all current versions %s: %w", e.Table, err)
	}
	defer rows.Close()

	var out []warehouse.Version
	for rows.Next() {
		v, err := scanVersion(rows, e, true)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// scanVersion scans natural key, attributes, start_date and optionally the
// source tag, decoding TEXT timestamps back into time.Time per spec types.
func scanVersion(rows *sql.Rows, e warehouse.EntitySpec, withAudit bool) (warehouse.Version, error) {
	n := len(e.Attributes)
	vals := make([]any, n+1)
	scan := make([]any, 0, n+3)
	for i := range vals {
		scan = append(scan, &vals[i])
	}

	var startRaw any
	scan = append(scan, &startRaw)

	var audit sql.NullInt64
	if withAudit {
		scan = append(scan, &audit)
	}

	var v warehouse.Version
	if err := rows.Scan(scan...); err != nil {
		return v, err
	}

	v.RawKey = decodeValue(vals[0], e.NaturalKey.Type)
	v.Key = warehouse.NormalizeKey(v.RawKey)
	v.Attrs = make([]any, n)
	for i, a := range e.Attributes {
		v.Attrs[i] = decodeValue(vals[i+1], a.Type)
	}

	start, err := decodeTime(startRaw)
	if err != nil {
		return v, fmt.Errorf("sqlite: %s.start_date: %w", e.Table, err)
	}
	v.StartDate = start
	if withAudit {
		v.SourceAudit = int(audit.Int64)
	}
	return v, nil
}

func (t *repoTx) InsertVersions(ctx context.Context, e warehouse.EntitySpec, rows []warehouse.SnapshotRow, sourceAudit int, batchID int64, startDate time.Time) error {
	cols := append(e.ColumnNames(),
		warehouse.ColStartDate, warehouse.ColEndDate,
		warehouse.ColSourceIDAudit, warehouse.ColInsertID, warehouse.ColUpdateID)

	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", e.Table, identList(cols))

		args := make([]any, 0, len(part)*len(cols))
		ph := "(" + strings.TrimRight(strings.Repeat("?,", len(cols)), ",") + ")"
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ph)
			args = append(args, bindValue(r.Key))
			for _, a := range r.Attrs {
				args = append(args, bindValue(a))
			}
			args = append(args, formatTime(startDate), nil, sourceAudit, batchID, nil)
		}

		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("sqlite: insert versions %s: %w", e.Table, err)
		}
	}
	return nil
}

func (t *repoTx) CloseVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int, keys []any, batchID int64, endDate time.Time) error {
	for _, chunk := range chunks(len(keys), maxRowsPerStmt) {
		part := keys[chunk.lo:chunk.hi]

		ph := strings.TrimRight(strings.Repeat("?,", len(part)), ",")
		q := fmt.Sprintf(
			"UPDATE %s SET %s = ?, %s = ? WHERE %s IN (%s) AND %s = ? AND %s IS NULL",
			e.Table, ident(warehouse.ColEndDate), ident(warehouse.ColUpdateID),
			ident(e.NaturalKey.Name), ph, ident(warehouse.ColSourceIDAudit), ident(warehouse.ColEndDate),
		)

		args := make([]any, 0, len(part)+3)
		args = append(args, formatTime(endDate), batchID)
		for _, k := range part {
			args = append(args, bindValue(k))
		}
		args = append(args, sourceAudit)

		if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite: close versions %s: %w", e.Table, err)
		}
	}
	return nil
}

func (t *repoTx) TransactionDates(ctx context.Context, e warehouse.EntitySpec, attr string) ([]time.Time, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NULL AND %s IS NOT NULL",
		ident(attr), e.Table, ident(warehouse.ColEndDate), ident(attr),
	)
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: transaction dates %s.%s: %w", e.Table, attr, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ts, err := decodeTime(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s.%s: %w", e.Table, attr, err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// UpsertDimensionRows relies on SQLite's ON CONFLICT upsert against the
// natural-key UNIQUE constraint. The surrogate key column is never listed,
// so existing surrogates survive every rebuild.
func (t *repoTx) UpsertDimensionRows(ctx context.Context, d warehouse.DimensionSpec, rows []warehouse.DimensionRow) error {
	if len(rows) == 0 {
		return nil
	}

	cols := dimColumns(d)
	setParts := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		setParts = append(setParts, fmt.Sprintf("%s = excluded.%s", ident(c.Target), ident(c.Target)))
	}

	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.Name, identList(cols))

		ph := "(" + strings.TrimRight(strings.Repeat("?,", len(cols)), ",") + ")"
		args := make([]any, 0, len(part)*len(cols))
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ph)
			args = append(args, bindValue(r.Key))
			for _, v := range r.Values {
				args = append(args, bindValue(v))
			}
		}

		fmt.Fprintf(&b, " ON CONFLICT(%s) DO UPDATE SET %s",
			ident(d.KeyColumn), strings.Join(setParts, ", "))

		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("sqlite: upsert dimension %s: %w", d.Name, err)
		}
	}
	return nil
}

func (t *repoTx) SeedDimensionRow(ctx context.Context, d warehouse.DimensionSpec, row warehouse.SeedRow) error {
	cols := append([]string{d.SurrogateColumn}, dimColumns(d)...)
	ph := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	q := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", d.Name, identList(cols), ph)

	args := make([]any, 0, len(cols))
	args = append(args, row.Surrogate, bindValue(row.Key))
	for _, v := range row.Values {
		args = append(args, bindValue(v))
	}

	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("sqlite: seed dimension %s: %w", d.Name, err)
	}
	return nil
}

func (t *repoTx) DimensionKeys(ctx context.Context, d warehouse.DimensionSpec) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s", ident(d.KeyColumn), ident(d.SurrogateColumn), d.Name)
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: dimension keys %s: %w", d.Name, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k any
		var id sql.NullInt64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		if !id.Valid {
			return nil, fmt.Errorf("sqlite: %s.%s is NULL; surrogate key not auto-generated", d.Name, d.SurrogateColumn)
		}
		out[warehouse.NormalizeKey(k)] = id.Int64
	}
	return out, rows.Err()
}

func (t *repoTx) UpsertDateRows(ctx context.Context, d warehouse.DateSpec, rows []warehouse.DateRow) error {
	cols := []string{d.KeyColumn, d.DateColumn, "year", "quarter", "month", "day", "weekday"}

	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT OR IGNORE INTO %s (%s) VALUES ", d.Table, identList(cols))

		ph := "(" + strings.TrimRight(strings.Repeat("?,", len(cols)), ",") + ")"
		args := make([]any, 0, len(part)*len(cols))
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ph)
			args = append(args, r.Key, r.Date.Format("2006-01-02"), r.Year, r.Quarter, r.Month, r.Day, r.Weekday)
		}

		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("sqlite: upsert date rows: %w", err)
		}
	}
	return nil
}

func (t *repoTx) TruncateFact(ctx context.Context, f warehouse.FactSpec) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+f.Table); err != nil {
		return fmt.Errorf("sqlite: truncate fact %s: %w", f.Table, err)
	}
	return nil
}

func (t *repoTx) InsertFactRows(ctx context.Context, f warehouse.FactSpec, columns []string, rows [][]any) (int64, error) {
	var total int64
	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", f.Table, identList(columns))

		ph := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"
		args := make([]any, 0, len(part)*len(columns))
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ph)
			for _, v := range r {
				args = append(args, bindValue(v))
			}
		}

		res, err := t.tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: insert facts %s: %w", f.Table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
