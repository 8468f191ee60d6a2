// Package postgres implements the warehouse repository for Postgres
// using pgx. The whole batch runs inside a single pgx transaction;
// concurrent batch runs are excluded with pg_advisory_xact_lock, which
// releases automatically on commit or rollback.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursedw/internal/warehouse"
)

// Lock key for the warehouse-wide batch lock. Any stable value works as
// long as every writer uses the same one.
const batchLockKey = 7340241

// Keep multi-row statements well below Postgres's 65535 parameter limit.
const maxRowsPerStmt = 1000

type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	warehouse.Register("postgres", New)
}

func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) EnsureSchema(ctx context.Context, m warehouse.Model) error {
	for _, stmt := range buildSchemaSQL(m) {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

func (r *Repo) Begin(ctx context.Context) (warehouse.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &repoTx{tx: tx}, nil
}

type repoTx struct {
	tx pgx.Tx
}

func (t *repoTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *repoTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *repoTx) AcquireBatchLock(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", batchLockKey); err != nil {
		return fmt.Errorf("postgres: acquire batch lock: %w", err)
	}
	return nil
}

func (t *repoTx) TruncateAll(ctx context.Context, m warehouse.Model) error {
	// One statement so TRUNCATE can ignore the fact->dimension ordering.
	tables := allTables(m)
	q := "TRUNCATE TABLE " + strings.Join(tables, ", ") + " RESTART IDENTITY"
	if _, err := t.tx.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres: truncate all: %w", err)
	}
	return nil
}

func (t *repoTx) MaxBatchID(ctx context.Context, entities []warehouse.EntitySpec) (int64, error) {
	var max int64
	for _, e := range entities {
		var v *int64
		q := fmt.Sprintf("SELECT MAX(%s) FROM %s", pgIdent(warehouse.ColInsertID), e.Table)
		if err := t.tx.QueryRow(ctx, q).Scan(&v); err != nil {
			return 0, fmt.Errorf("postgres: max batch id %s: %w", e.Table, err)
		}
		if v != nil && *v > max {
			max = *v
		}
	}
	return max, nil
}

func (t *repoTx) CurrentVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int) (map[string]warehouse.Version, error) {
	q := fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s = $1 AND %s IS NULL",
		pgIdentList(e.ColumnNames()), pgIdent(warehouse.ColStartDate),
		e.Table, pgIdent(warehouse.ColSourceIDAudit), pgIdent(warehouse.ColEndDate),
	)
	rows, err := t.tx.Query(ctx, q, sourceAudit)
	if err != nil {
		return nil, fmt.Errorf("postgres: current versions %s: %w", e.Table, err)
	}
	defer rows.Close()

	out := map[string]warehouse.Version{}
	for rows.Next() {
		v, err := scanVersion(rows, e, false)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", e.Table, err)
		}
		v.SourceAudit = sourceAudit
		out[v.Key] = v
	}
	return out, rows.Err()
}

func (t *repoTx) AllCurrentVersions(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.Version, error) {
	q := fmt.Sprintf(
		"SELECT %s, %s, %s FROM %s WHERE %s IS NULL",
		pgIdentList(e.ColumnNames()), pgIdent(warehouse.ColStartDate), pgIdent(warehouse.ColSourceIDAudit),
		e.Table, pgIdent(warehouse.ColEndDate),
	)
	rows, err := t.tx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: all current versions %s: %w", e.Table, err)
	}
	defer rows.Close()

	var out []warehouse.Version
	for rows.Next() {
		v, err := scanVersion(rows, e, true)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", e.Table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// scanVersion scans one current-version row. pgx requires pointer
// destinations: values land in out and dests holds &out[i].
func scanVersion(rows pgx.Rows, e warehouse.EntitySpec, withAudit bool) (warehouse.Version, error) {
	n := len(e.Attributes)
	out := make([]any, n+1)
	dests := make([]any, 0, n+3)
	for i := range out {
		dests = append(dests, &out[i])
	}

	var start time.Time
	dests = append(dests, &start)

	var audit int
	if withAudit {
		dests = append(dests, &audit)
	}

	var v warehouse.Version
	if err := rows.Scan(dests...); err != nil {
		return v, err
	}

	v.RawKey = textToString(out[0])
	v.Key = warehouse.NormalizeKey(v.RawKey)
	v.Attrs = make([]any, n)
	for i := range e.Attributes {
		v.Attrs[i] = textToString(out[i+1])
	}
	v.StartDate = start
	v.SourceAudit = audit
	return v, nil
}

// textToString flattens []byte TEXT scans so values compare cleanly.
func textToString(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (t *repoTx) InsertVersions(ctx context.Context, e warehouse.EntitySpec, rows []warehouse.SnapshotRow, sourceAudit int, batchID int64, startDate time.Time) error {
	cols := append(e.ColumnNames(),
		warehouse.ColStartDate, warehouse.ColEndDate,
		warehouse.ColSourceIDAudit, warehouse.ColInsertID, warehouse.ColUpdateID)

	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", e.Table, pgIdentList(cols))

		args := make([]any, 0, len(part)*len(cols))
		p := 1
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			writePlaceholders(&b, &p, len(cols))
			args = append(args, r.Key)
			args = append(args, r.Attrs...)
			args = append(args, startDate, nil, sourceAudit, batchID, nil)
		}

		if _, err := t.tx.Exec(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("postgres: insert versions %s: %w", e.Table, err)
		}
	}
	return nil
}

func (t *repoTx) CloseVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int, keys []any, batchID int64, endDate time.Time) error {
	for _, chunk := range chunks(len(keys), maxRowsPerStmt) {
		part := keys[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "UPDATE %s SET %s = $1, %s = $2 WHERE %s IN (",
			e.Table, pgIdent(warehouse.ColEndDate), pgIdent(warehouse.ColUpdateID), pgIdent(e.NaturalKey.Name))

		args := make([]any, 0, len(part)+3)
		args = append(args, endDate, batchID)
		p := 3
		for i, k := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, k)
			p++
		}
		fmt.Fprintf(&b, ") AND %s = $%d AND %s IS NULL",
			pgIdent(warehouse.ColSourceIDAudit), p, pgIdent(warehouse.ColEndDate))
		args = append(args, sourceAudit)

		if _, err := t.tx.Exec(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("postgres: close versions %s: %w", e.Table, err)
		}
	}
	return nil
}

func (t *repoTx) TransactionDates(ctx context.Context, e warehouse.EntitySpec, attr string) ([]time.Time, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NULL AND %s IS NOT NULL",
		pgIdent(attr), e.Table, pgIdent(warehouse.ColEndDate), pgIdent(attr),
	)
	rows, err := t.tx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: transaction dates %s.%s: %w", e.Table, attr, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("postgres: scan %s.%s: %w", e.Table, attr, err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (t *repoTx) UpsertDimensionRows(ctx context.Context, d warehouse.DimensionSpec, rows []warehouse.DimensionRow) error {
	if len(rows) == 0 {
		return nil
	}

	cols := dimColumns(d)
	setParts := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		setParts = append(setParts, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c.Target), pgIdent(c.Target)))
	}

	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.Name, pgIdentList(cols))

		args := make([]any, 0, len(part)*len(cols))
		p := 1
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			writePlaceholders(&b, &p, len(cols))
			args = append(args, r.Key)
			args = append(args, r.Values...)
		}

		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s",
			pgIdent(d.KeyColumn), strings.Join(setParts, ", "))

		if _, err := t.tx.Exec(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("postgres: upsert dimension %s: %w", d.Name, err)
		}
	}
	return nil
}

// SeedDimensionRow writes a fixed-surrogate row. The surrogate column is
// GENERATED BY DEFAULT, so an explicit (negative) value passes straight
// through; the conflict target keeps the call idempotent.
func (t *repoTx) SeedDimensionRow(ctx context.Context, d warehouse.DimensionSpec, row warehouse.SeedRow) error {
	cols := append([]string{d.SurrogateColumn}, dimColumns(d)...)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.Name, pgIdentList(cols))
	p := 1
	writePlaceholders(&b, &p, len(cols))
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", pgIdent(d.SurrogateColumn))

	args := make([]any, 0, len(cols))
	args = append(args, row.Surrogate, row.Key)
	args = append(args, row.Values...)

	if _, err := t.tx.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("postgres: seed dimension %s: %w", d.Name, err)
	}
	return nil
}

func (t *repoTx) DimensionKeys(ctx context.Context, d warehouse.DimensionSpec) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s", pgIdent(d.KeyColumn), pgIdent(d.SurrogateColumn), d.Name)
	rows, err := t.tx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: dimension keys %s: %w", d.Name, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", d.Name, err)
		}
		out[warehouse.NormalizeKey(k)] = id
	}
	return out, rows.Err()
}

func (t *repoTx) UpsertDateRows(ctx context.Context, d warehouse.DateSpec, rows []warehouse.DateRow) error {
	cols := []string{d.KeyColumn, d.DateColumn, "year", "quarter", "month", "day", "weekday"}

	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.Table, pgIdentList(cols))

		args := make([]any, 0, len(part)*len(cols))
		p := 1
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			writePlaceholders(&b, &p, len(cols))
			args = append(args, r.Key, r.Date, r.Year, r.Quarter, r.Month, r.Day, r.Weekday)
		}

		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", pgIdent(d.DateColumn))

		if _, err := t.tx.Exec(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("postgres: upsert date rows: %w", err)
		}
	}
	return nil
}

func (t *repoTx) TruncateFact(ctx context.Context, f warehouse.FactSpec) error {
	if _, err := t.tx.Exec(ctx, "TRUNCATE TABLE "+f.Table); err != nil {
		return fmt.Errorf("postgres: truncate fact %s: %w", f.Table, err)
	}
	return nil
}

func (t *repoTx) InsertFactRows(ctx context.Context, f warehouse.FactSpec, columns []string, rows [][]any) (int64, error) {
	var total int64
	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", f.Table, pgIdentList(columns))

		args := make([]any, 0, len(part)*len(columns))
		p := 1
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			writePlaceholders(&b, &p, len(columns))
			args = append(args, r...)
		}

		cmd, err := t.tx.Exec(ctx, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("postgres: insert facts %s: %w", f.Table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// writePlaceholders emits "($p, $p+1, ...)" and advances p.
func writePlaceholders(b *strings.Builder, p *int, n int) {
	b.WriteString("(")
	for j := 0; j < n; j++ {
		if j > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "$%d", *p)
		*p++
	}
	b.WriteString(")")
}
