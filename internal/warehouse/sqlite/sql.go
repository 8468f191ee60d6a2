package sqlite

import (
	"fmt"
	"strings"
	"time"

	"coursedw/internal/warehouse"
)

// buildSchemaSQL renders the DDL for every table in the model. Each SCD2
// table carries a partial unique index so at most one open version can
// exist per (natural key, source tag).
func buildSchemaSQL(m warehouse.Model) []string {
	var stmts []string

	for _, e := range m.Entities {
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", e.Table)
		fmt.Fprintf(&b, "  %s INTEGER PRIMARY KEY AUTOINCREMENT,\n", ident(e.PKColumn))
		fmt.Fprintf(&b, "  %s %s NOT NULL,\n", ident(e.NaturalKey.Name), typeSQL(e.NaturalKey.Type))
		for _, a := range e.Attributes {
			null := ""
			if !a.Nullable {
				null = " NOT NULL"
			}
			fmt.Fprintf(&b, "  %s %s%s,\n", ident(a.Name), typeSQL(a.Type), null)
		}
		fmt.Fprintf(&b, "  %s TEXT NOT NULL,\n", ident(warehouse.ColStartDate))
		fmt.Fprintf(&b, "  %s TEXT,\n", ident(warehouse.ColEndDate))
		fmt.Fprintf(&b, "  %s INTEGER NOT NULL,\n", ident(warehouse.ColSourceIDAudit))
		fmt.Fprintf(&b, "  %s INTEGER NOT NULL,\n", ident(warehouse.ColInsertID))
		fmt.Fprintf(&b, "  %s INTEGER\n)", ident(warehouse.ColUpdateID))
		stmts = append(stmts, b.String())

		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s_open_version ON %s (%s, %s) WHERE %s IS NULL",
			e.Table, e.Table, ident(e.NaturalKey.Name), ident(warehouse.ColSourceIDAudit), ident(warehouse.ColEndDate),
		))
	}

	for _, d := range m.Dimensions {
		keyType := "bigint"
		if e, ok := m.Entity(d.Entity); ok {
			keyType = e.NaturalKey.Type
		}
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Name)
		fmt.Fprintf(&b, "  %s INTEGER PRIMARY KEY AUTOINCREMENT,\n", ident(d.SurrogateColumn))
		fmt.Fprintf(&b, "  %s %s NOT NULL UNIQUE", ident(d.KeyColumn), typeSQL(keyType))
		for _, c := range d.Columns {
			fmt.Fprintf(&b, ",\n  %s %s", ident(c.Target), typeSQL(c.Type))
		}
		b.WriteString("\n)")
		stmts = append(stmts, b.String())
	}

	{
		d := m.Date
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (\n  %s INTEGER PRIMARY KEY,\n  %s TEXT NOT NULL UNIQUE,\n  year INTEGER NOT NULL,\n  quarter INTEGER NOT NULL,\n  month INTEGER NOT NULL,\n  day INTEGER NOT NULL,\n  weekday INTEGER NOT NULL\n)",
			d.Table, ident(d.KeyColumn), ident(d.DateColumn),
		))
	}

	{
		f := m.Fact
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", f.Table)
		for i, c := range f.Columns {
			if i > 0 {
				b.WriteString(",\n")
			}
			fmt.Fprintf(&b, "  %s %s", ident(c.Target), typeSQL(c.Type))
		}
		b.WriteString("\n)")
		stmts = append(stmts, b.String())
	}

	return stmts
}

func typeSQL(t string) string {
	switch t {
	case "bigint", "int", "integer":
		return "INTEGER"
	case "double", "numeric":
		return "REAL"
	case "timestamptz", "date":
		// stored as RFC3339Nano / YYYY-MM-DD text
		return "TEXT"
	default:
		return "TEXT"
	}
}

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func identList(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = ident(n)
	}
	return strings.Join(parts, ", ")
}

func allTables(m warehouse.Model) []string {
	out := []string{m.Fact.Table}
	for _, d := range m.Dimensions {
		out = append(out, d.Name)
	}
	out = append(out, m.Date.Table)
	for _, e := range m.Entities {
		out = append(out, e.Table)
	}
	return out
}

func dimColumns(d warehouse.DimensionSpec) []string {
	cols := make([]string, 0, len(d.Columns)+1)
	cols = append(cols, d.KeyColumn)
	for _, c := range d.Columns {
		cols = append(cols, c.Target)
	}
	return cols
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// bindValue maps Go values onto SQLite's storage types; times become
// RFC3339Nano text.
func bindValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return formatTime(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return formatTime(*x)
	default:
		return v
	}
}

// decodeValue reverses bindValue on read, guided by the declared column type.
func decodeValue(v any, typ string) any {
	if v == nil {
		return nil
	}
	switch typ {
	case "timestamptz", "date":
		t, err := decodeTime(v)
		if err != nil {
			return v
		}
		return t
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func decodeTime(v any) (time.Time, error) {
	var s string
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp value %T", v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

type span struct{ lo, hi int }

func chunks(n, size int) []span {
	if n == 0 {
		return nil
	}
	out := make([]span, 0, n/size+1)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		out = append(out, span{lo, hi})
	}
	return out
}
