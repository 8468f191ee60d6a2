package mssql

import (
	"fmt"
	"strings"

	"coursedw/internal/warehouse"
)

// buildSchemaSQL renders guarded DDL for every table in the model. T-SQL
// has no CREATE TABLE IF NOT EXISTS, so each statement checks OBJECT_ID
// (or sys.indexes) first. Pure and deterministic so the statements can be
// unit tested without a database.
func buildSchemaSQL(m warehouse.Model) []string {
	var stmts []string

	for _, e := range m.Entities {
		cols := make([]string, 0, len(e.Attributes)+7)
		cols = append(cols, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(e.PKColumn)))
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", mssqlIdent(e.NaturalKey.Name), typeSQL(e.NaturalKey.Type)))
		for _, a := range e.Attributes {
			def := fmt.Sprintf("%s %s", mssqlIdent(a.Name), typeSQL(a.Type))
			if !a.Nullable {
				def += " NOT NULL"
			}
			cols = append(cols, def)
		}
		cols = append(cols,
			fmt.Sprintf("%s DATETIMEOFFSET NOT NULL", mssqlIdent(warehouse.ColStartDate)),
			fmt.Sprintf("%s DATETIMEOFFSET", mssqlIdent(warehouse.ColEndDate)),
			fmt.Sprintf("%s INT NOT NULL", mssqlIdent(warehouse.ColSourceIDAudit)),
			fmt.Sprintf("%s BIGINT NOT NULL", mssqlIdent(warehouse.ColInsertID)),
			fmt.Sprintf("%s BIGINT", mssqlIdent(warehouse.ColUpdateID)),
		)
		stmts = append(stmts, createTableSQL(e.Table, cols))

		// One open version per (natural key, source tag), as a filtered
		// unique index.
		stmts = append(stmts, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s_open_version') CREATE UNIQUE INDEX %s ON %s (%s, %s) WHERE %s IS NULL",
			e.Table, mssqlIdent(e.Table+"_open_version"), mssqlTableIdent(e.Table),
			mssqlIdent(e.NaturalKey.Name), mssqlIdent(warehouse.ColSourceIDAudit), mssqlIdent(warehouse.ColEndDate),
		))
	}

	for _, d := range m.Dimensions {
		keyType := "BIGINT"
		if e, ok := m.Entity(d.Entity); ok {
			keyType = typeSQL(e.NaturalKey.Type)
		}
		cols := make([]string, 0, len(d.Columns)+2)
		// IDENTITY allows explicit seed surrogates under SET IDENTITY_INSERT.
		cols = append(cols, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(d.SurrogateColumn)))
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL UNIQUE", mssqlIdent(d.KeyColumn), keyType))
		for _, c := range d.Columns {
			cols = append(cols, fmt.Sprintf("%s %s", mssqlIdent(c.Target), typeSQL(c.Type)))
		}
		stmts = append(stmts, createTableSQL(d.Name, cols))
	}

	stmts = append(stmts, createTableSQL(m.Date.Table, []string{
		fmt.Sprintf("%s BIGINT PRIMARY KEY", mssqlIdent(m.Date.KeyColumn)),
		fmt.Sprintf("%s DATE NOT NULL UNIQUE", mssqlIdent(m.Date.DateColumn)),
		"year INT NOT NULL",
		"quarter INT NOT NULL",
		"month INT NOT NULL",
		"day INT NOT NULL",
		"weekday INT NOT NULL",
	}))

	factCols := make([]string, 0, len(m.Fact.Columns))
	for _, c := range m.Fact.Columns {
		factCols = append(factCols, fmt.Sprintf("%s %s", mssqlIdent(c.Target), typeSQL(c.Type)))
	}
	stmts = append(stmts, createTableSQL(m.Fact.Table, factCols))

	return stmts
}

func createTableSQL(table string, cols []string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		"dbo."+table, mssqlTableIdent(table), strings.Join(cols, ", "))
}

// typeSQL maps portable column types onto SQL Server types. Text is
// NVARCHAR(450) so natural-key columns stay indexable (900-byte key cap).
func typeSQL(t string) string {
	switch t {
	case "bigint":
		return "BIGINT"
	case "int", "integer":
		return "INT"
	case "double":
		return "FLOAT"
	case "numeric":
		return "NUMERIC(18, 4)"
	case "timestamptz":
		return "DATETIMEOFFSET"
	case "date":
		return "DATE"
	default:
		return "NVARCHAR(450)"
	}
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func mssqlTableIdent(table string) string {
	return "[dbo]." + mssqlIdent(table)
}

func identList(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = mssqlIdent(n)
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
