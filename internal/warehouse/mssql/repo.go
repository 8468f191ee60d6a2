// Package mssql implements the warehouse repository for Microsoft SQL
// Server via database/sql and the "sqlserver" driver.
//
// SQL Server has no ON CONFLICT; dimension upserts run as UPDATE followed
// by a NOT EXISTS insert, which is safe here because the batch lock
// (sp_getapplock) guarantees a single writer. Seed rows with explicit
// surrogates need SET IDENTITY_INSERT around the insert.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"coursedw/internal/warehouse"
)

// SQL Server caps a statement at 2100 parameters.
const maxRowsPerStmt = 100

type Repo struct {
	db *sql.DB
}

func init() {
	warehouse.Register("mssql", New)
}

func New(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureSchema(ctx context.Context, m warehouse.Model) error {
	for _, stmt := range buildSchemaSQL(m) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql: ensure schema: %w", err)
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

// AcquireBatchLock takes an exclusive applock scoped to the transaction;
// SQL Server releases it on commit or rollback.
func (t *repoTx) AcquireBatchLock(ctx context.Context) error {
	q := "EXEC sp_getapplock @Resource = 'warehouse_batch', @LockMode = 'Exclusive', @LockOwner = 'Transaction', @LockTimeout = 60000"
	if _, err := t.tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: acquire batch lock: %w", err)
	}
	return nil
}

func (t *repoTx) TruncateAll(ctx context.Context, m warehouse.Model) error {
	for _, table := range allTables(m) {
		// DELETE, not TRUNCATE: TRUNCATE would reseed IDENTITY columns and
		// break surrogate-key stability assumptions in incremental reruns.
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+mssqlTableIdent(table)); err != nil {
			return fmt.Errorf("mssql: truncate %s: %w", table, err)
		}
	}
	return nil
}

func (t *repoTx) MaxBatchID(ctx context.Context, entities []warehouse.EntitySpec) (int64, error) {
	var max int64
	for _, e := range entities {
		var v sql.NullInt64
		q := fmt.Sprintf("SELECT MAX(%s) FROM %s", mssqlIdent(warehouse.ColInsertID), mssqlTableIdent(e.Table))
		if err := t.tx.QueryRowContext(ctx, q).Scan(&v); err != nil {
			return 0, fmt.Errorf("mssql: max batch id %s: %w", e.Table, err)
		}
		if v.Valid && v.Int64 > max {
			max = v.Int64
		}
	}
	return max, nil
}

func (t *repoTx) CurrentVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int) (map[string]warehouse.Version, error) {
	q := fmt.Sprintf(
		"SELECT %s, %s FROM %s WHERE %s = @p1 AND %s IS NULL",
		identList(e.ColumnNames()), mssqlIdent(warehouse.ColStartDate),
		mssqlTableIdent(e.Table), mssqlIdent(warehouse.ColSourceIDAudit), mssqlIdent(warehouse.ColEndDate),
	)
	rows, err := t.tx.QueryContext(ctx, q, sourceAudit)
	if err != nil {
		return nil, fmt.Errorf("mssql: current versions %s: %w", e.Table, err)
	}
	defer rows.Close()

	out := map[string]warehouse.Version{}
	for rows.Next() {
		v, err := scanVersion(rows, e, false)
		if err != nil {
			return nil, fmt.Errorf("mssql: scan %s: %w", e.Table, err)
		}
		v.SourceAudit = sourceAudit
		out[v.Key] = v
	}
	return out, rows.Err()
}

func (t *repoTx) AllCurrentVersions(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.Version, error) {
	q := fmt.Sprintf(
		"SELECT %s, %s, %s FROM %s WHERE %s IS NULL",
		identList(e.ColumnNames()), mssqlIdent(warehouse.ColStartDate), mssqlIdent(warehouse.ColSourceIDAudit),
		mssqlTableIdent(e.Table), mssqlIdent(warehouse.ColEndDate),
	)
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: all current versions %s: %w", e.Table, err)
	}
	defer rows.Close()

	var out []warehouse.Version
	for rows.Next() {
		v, err := scanVersion(rows, e, true)
		if err != nil {
			return nil, fmt.Errorf("mssql: scan %s: %w", e.Table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(rows *sql.Rows, e warehouse.EntitySpec, withAudit bool) (warehouse.Version, error) {
	n := len(e.Attributes)
	vals := make([]any, n+1)
	dests := make([]any, 0, n+3)
	for i := range vals {
		dests = append(dests, &vals[i])
	}

	var start time.Time
	dests = append(dests, &start)

	var audit sql.NullInt64
	if withAudit {
		dests = append(dests, &audit)
	}

	var v warehouse.Version
	if err := rows.Scan(dests...); err != nil {
		return v, err
	}

	v.RawKey = textToString(vals[0])
	v.Key = warehouse.NormalizeKey(v.RawKey)
	v.Attrs = make([]any, n)
	for i := range e.Attributes {
		v.Attrs[i] = textToString(vals[i+1])
	}
	v.StartDate = start
	if withAudit {
		v.SourceAudit = int(audit.Int64)
	}
	return v, nil
}

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
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", mssqlTableIdent(e.Table), identList(cols))

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

		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("mssql: insert versions %s: %w", e.Table, err)
		}
	}
	return nil
}

func (t *repoTx) CloseVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int, keys []any, batchID int64, endDate time.Time) error {
	for _, chunk := range chunks(len(keys), maxRowsPerStmt) {
		part := keys[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "UPDATE %s SET %s = @p1, %s = @p2 WHERE %s IN (",
			mssqlTableIdent(e.Table), mssqlIdent(warehouse.ColEndDate), mssqlIdent(warehouse.ColUpdateID), mssqlIdent(e.NaturalKey.Name))

		args := make([]any, 0, len(part)+3)
		args = append(args, endDate, batchID)
		p := 3
		for i, k := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, k)
			p++
		}
		fmt.Fprintf(&b, ") AND %s = @p%d AND %s IS NULL",
			mssqlIdent(warehouse.ColSourceIDAudit), p, mssqlIdent(warehouse.ColEndDate))
		args = append(args, sourceAudit)

		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("mssql: close versions %s: %w", e.Table, err)
		}
	}
	return nil
}

func (t *repoTx) TransactionDates(ctx context.Context, e warehouse.EntitySpec, attr string) ([]time.Time, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NULL AND %s IS NOT NULL",
		mssqlIdent(attr), mssqlTableIdent(e.Table), mssqlIdent(warehouse.ColEndDate), mssqlIdent(attr),
	)
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: transaction dates %s.%s: %w", e.Table, attr, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("mssql: scan %s.%s: %w", e.Table, attr, err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// UpsertDimensionRows emulates an upsert per chunk: UPDATE existing keys,
// then INSERT the ones still missing via NOT EXISTS. Single-writer under
// the batch applock, so the two steps cannot race.
func (t *repoTx) UpsertDimensionRows(ctx context.Context, d warehouse.DimensionSpec, rows []warehouse.DimensionRow) error {
	for _, r := range rows {
		if err := t.upsertDimensionRow(ctx, d, r); err != nil {
			return err
		}
	}
	return nil
}

func (t *repoTx) upsertDimensionRow(ctx context.Context, d warehouse.DimensionSpec, r warehouse.DimensionRow) error {
	table := mssqlTableIdent(d.Name)

	if len(d.Columns) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "UPDATE %s SET ", table)
		args := make([]any, 0, len(d.Columns)+1)
		for i, c := range d.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = @p%d", mssqlIdent(c.Target), i+1)
			args = append(args, r.Values[i])
		}
		fmt.Fprintf(&b, " WHERE %s = @p%d", mssqlIdent(d.KeyColumn), len(d.Columns)+1)
		args = append(args, r.Key)

		res, err := t.tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return fmt.Errorf("mssql: update dimension %s: %w", d.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	cols := dimColumns(d)
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT ", table, identList(cols))
	args := make([]any, 0, len(cols)+1)
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	args = append(args, r.Key)
	args = append(args, r.Values...)
	fmt.Fprintf(&b, " WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = @p%d)",
		table, mssqlIdent(d.KeyColumn), len(cols)+1)
	args = append(args, r.Key)

	if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("mssql: insert dimension %s: %w", d.Name, err)
	}
	return nil
}

func (t *repoTx) SeedDimensionRow(ctx context.Context, d warehouse.DimensionSpec, row warehouse.SeedRow) error {
	table := mssqlTableIdent(d.Name)
	cols := append([]string{d.SurrogateColumn}, dimColumns(d)...)

	var b strings.Builder
	fmt.Fprintf(&b, "IF NOT EXISTS (SELECT 1 FROM %s WHERE %s = @p1) BEGIN ",
		table, mssqlIdent(d.SurrogateColumn))
	fmt.Fprintf(&b, "SET IDENTITY_INSERT %s ON; ", table)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (", table, identList(cols))
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString("); ")
	fmt.Fprintf(&b, "SET IDENTITY_INSERT %s OFF; END", table)

	args := make([]any, 0, len(cols))
	args = append(args, row.Surrogate, row.Key)
	args = append(args, row.Values...)

	if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("mssql: seed dimension %s: %w", d.Name, err)
	}
	return nil
}

func (t *repoTx) DimensionKeys(ctx context.Context, d warehouse.DimensionSpec) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s",
		mssqlIdent(d.KeyColumn), mssqlIdent(d.SurrogateColumn), mssqlTableIdent(d.Name))
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: dimension keys %s: %w", d.Name, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("mssql: scan %s: %w", d.Name, err)
		}
		out[warehouse.NormalizeKey(k)] = id
	}
	return out, rows.Err()
}

func (t *repoTx) UpsertDateRows(ctx context.Context, d warehouse.DateSpec, rows []warehouse.DateRow) error {
	cols := []string{d.KeyColumn, d.DateColumn, "year", "quarter", "month", "day", "weekday"}
	table := mssqlTableIdent(d.Table)

	for _, r := range rows {
		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT @p1, @p2, @p3, @p4, @p5, @p6, @p7 WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = @p8)",
			table, identList(cols), table, mssqlIdent(d.KeyColumn))

		args := []any{r.Key, r.Date, r.Year, r.Quarter, r.Month, r.Day, r.Weekday, r.Key}
		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("mssql: upsert date rows: %w", err)
		}
	}
	return nil
}

func (t *repoTx) TruncateFact(ctx context.Context, f warehouse.FactSpec) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+mssqlTableIdent(f.Table)); err != nil {
		return fmt.Errorf("mssql: truncate fact %s: %w", f.Table, err)
	}
	return nil
}

func (t *repoTx) InsertFactRows(ctx context.Context, f warehouse.FactSpec, columns []string, rows [][]any) (int64, error) {
	var total int64
	for _, chunk := range chunks(len(rows), maxRowsPerStmt) {
		part := rows[chunk.lo:chunk.hi]

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", mssqlTableIdent(f.Table), identList(columns))

		args := make([]any, 0, len(part)*len(columns))
		p := 1
		for i, r := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			writePlaceholders(&b, &p, len(columns))
			args = append(args, r...)
		}

		res, err := t.tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert facts %s: %w", f.Table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func writePlaceholders(b *strings.Builder, p *int, n int) {
	b.WriteString("(")
	for j := 0; j < n; j++ {
		if j > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "@p%d", *p)
		*p++
	}
	b.WriteString(")")
}
