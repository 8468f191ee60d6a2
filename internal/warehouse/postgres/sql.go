package postgres

import (
	"fmt"
	"strings"

	"coursedw/internal/warehouse"
)

// buildSchemaSQL renders all DDL statements for the model. Pure and
// deterministic so the statements can be unit tested without a database.
func buildSchemaSQL(m warehouse.Model) []string {
	var stmts []string

	for _, e := range m.Entities {
		cols := make([]string, 0, len(e.Attributes)+7)
		cols = append(cols, fmt.Sprintf("%s BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY", pgIdent(e.PKColumn)))
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", pgIdent(e.NaturalKey.Name), typeSQL(e.NaturalKey.Type)))
		for _, a := range e.Attributes {
			def := fmt.Sprintf("%s %s", pgIdent(a.Name), typeSQL(a.Type))
			if !a.Nullable {
				def += " NOT NULL"
			}
			cols = append(cols, def)
		}
		cols = append(cols,
			fmt.Sprintf("%s TIMESTAMPTZ NOT NULL", pgIdent(warehouse.ColStartDate)),
			fmt.Sprintf("%s TIMESTAMPTZ", pgIdent(warehouse.ColEndDate)),
			fmt.Sprintf("%s INT NOT NULL", pgIdent(warehouse.ColSourceIDAudit)),
			fmt.Sprintf("%s BIGINT NOT NULL", pgIdent(warehouse.ColInsertID)),
			fmt.Sprintf("%s BIGINT", pgIdent(warehouse.ColUpdateID)),
		)
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);",
			e.Table, strings.Join(cols, ", ")))

		// One open version per (natural key, source tag).
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s_open_version ON %s (%s, %s) WHERE %s IS NULL;",
			e.Table, e.Table, pgIdent(e.NaturalKey.Name), pgIdent(warehouse.ColSourceIDAudit), pgIdent(warehouse.ColEndDate),
		))
	}

	for _, d := range m.Dimensions {
		keyType := "BIGINT"
		if e, ok := m.Entity(d.Entity); ok {
			keyType = typeSQL(e.NaturalKey.Type)
		}
		cols := make([]string, 0, len(d.Columns)+2)
		cols = append(cols, fmt.Sprintf("%s BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY", pgIdent(d.SurrogateColumn)))
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL UNIQUE", pgIdent(d.KeyColumn), keyType))
		for _, c := range d.Columns {
			cols = append(cols, fmt.Sprintf("%s %s", pgIdent(c.Target), typeSQL(c.Type)))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);",
			d.Name, strings.Join(cols, ", ")))
	}

	stmts = append(stmts, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s BIGINT PRIMARY KEY, %s DATE NOT NULL UNIQUE, year INT NOT NULL, quarter INT NOT NULL, month INT NOT NULL, day INT NOT NULL, weekday INT NOT NULL);",
		m.Date.Table, pgIdent(m.Date.KeyColumn), pgIdent(m.Date.DateColumn),
	))

	factCols := make([]string, 0, len(m.Fact.Columns))
	for _, c := range m.Fact.Columns {
		factCols = append(factCols, fmt.Sprintf("%s %s", pgIdent(c.Target), typeSQL(c.Type)))
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);",
		m.Fact.Table, strings.Join(factCols, ", ")))

	return stmts
}

func typeSQL(t string) string {
	switch t {
	case "bigint":
		return "BIGINT"
	case "int", "integer":
		return "INT"
	case "double":
		return "DOUBLE PRECISION"
	case "numeric":
		return "NUMERIC"
	case "timestamptz":
		return "TIMESTAMPTZ"
	case "date":
		return "DATE"
	default:
		return "TEXT"
	}
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func pgIdentList(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = pgIdent(n)
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
