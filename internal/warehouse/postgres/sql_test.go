package postgres

import (
	"strings"
	"testing"

	"coursedw/internal/warehouse"
)

func smallModel() warehouse.Model {
	return warehouse.Model{
		Entities: []warehouse.EntitySpec{
			{
				Name:       "users",
				Table:      "wh_users",
				PKColumn:   "user_sk",
				NaturalKey: warehouse.Column{Name: "user_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "email", Type: "text"},
					{Name: "signed_up_at", Type: "timestamptz", Nullable: true},
				},
			},
		},
		Dimensions: []warehouse.DimensionSpec{
			{
				Name:            "dim_user",
				Entity:          "users",
				SurrogateColumn: "user_key",
				KeyColumn:       "user_id",
				Columns: []warehouse.DimColumn{
					{Target: "email", Attr: "email", Type: "text"},
				},
			},
		},
		Fact: warehouse.FactSpec{
			Table:  "fact_sales",
			Entity: "users",
			Columns: []warehouse.FactColumn{
				{Target: "user_key", Type: "bigint"},
				{Target: "total", Type: "double"},
			},
		},
		Date: warehouse.DateSpec{Table: "dim_date", KeyColumn: "date_key", DateColumn: "date"},
	}
}

func stmtContaining(t *testing.T, stmts []string, substr string) string {
	t.Helper()
	for _, s := range stmts {
		if strings.Contains(s, substr) {
			return s
		}
	}
	t.Fatalf("no statement contains %q in:\n%s", substr, strings.Join(stmts, "\n"))
	return ""
}

func TestBuildSchemaSQL(t *testing.T) {
	t.Parallel()

	stmts := buildSchemaSQL(smallModel())

	// 1 entity table + its index, 1 dimension, the date spine and the fact.
	if len(stmts) != 5 {
		t.Fatalf("got %d statements, want 5", len(stmts))
	}

	entity := stmtContaining(t, stmts, "CREATE TABLE IF NOT EXISTS wh_users")
	for _, want := range []string{
		`"user_sk" BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY`,
		`"user_id" BIGINT NOT NULL`,
		`"email" TEXT NOT NULL`,
		`"signed_up_at" TIMESTAMPTZ`,
		`"start_date" TIMESTAMPTZ NOT NULL`,
		`"end_date" TIMESTAMPTZ`,
		`"source_id_audit" INT NOT NULL`,
		`"insert_id" BIGINT NOT NULL`,
		`"update_id" BIGINT`,
	} {
		if !strings.Contains(entity, want) {
			t.Errorf("entity DDL missing %q:\n%s", want, entity)
		}
	}

	idx := stmtContaining(t, stmts, "wh_users_open_version")
	if !strings.Contains(idx, `WHERE "end_date" IS NULL`) {
		t.Errorf("open-version index is not partial:\n%s", idx)
	}
	if !strings.Contains(idx, `("user_id", "source_id_audit")`) {
		t.Errorf("open-version index has wrong key:\n%s", idx)
	}

	dim := stmtContaining(t, stmts, "CREATE TABLE IF NOT EXISTS dim_user")
	if !strings.Contains(dim, `"user_key" BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY`) {
		t.Errorf("dimension surrogate must allow explicit seed values:\n%s", dim)
	}
	if !strings.Contains(dim, `"user_id" BIGINT NOT NULL UNIQUE`) {
		t.Errorf("dimension natural key must be unique:\n%s", dim)
	}

	date := stmtContaining(t, stmts, "CREATE TABLE IF NOT EXISTS dim_date")
	if !strings.Contains(date, `"date" DATE NOT NULL UNIQUE`) {
		t.Errorf("date spine must be unique by calendar date:\n%s", date)
	}

	fact := stmtContaining(t, stmts, "CREATE TABLE IF NOT EXISTS fact_sales")
	if !strings.Contains(fact, `"total" DOUBLE PRECISION`) {
		t.Errorf("fact DDL missing measure column:\n%s", fact)
	}
}

func TestTypeSQL(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"bigint", "BIGINT"},
		{"int", "INT"},
		{"integer", "INT"},
		{"double", "DOUBLE PRECISION"},
		{"numeric", "NUMERIC"},
		{"timestamptz", "TIMESTAMPTZ"},
		{"date", "DATE"},
		{"text", "TEXT"},
		{"anything_else", "TEXT"},
	}
	for _, tc := range tests {
		if got := typeSQL(tc.in); got != tc.want {
			t.Errorf("typeSQL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPgIdentQuoting(t *testing.T) {
	t.Parallel()

	if got := pgIdent("user_id"); got != `"user_id"` {
		t.Errorf("pgIdent = %s", got)
	}
	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("pgIdent escaping = %s", got)
	}
	if got := pgIdentList([]string{"a", "b"}); got != `"a", "b"` {
		t.Errorf("pgIdentList = %s", got)
	}
}

func TestAllTablesOrder(t *testing.T) {
	t.Parallel()

	// Fact first, then dimensions and the spine, entities last: the truncate
	// statement must never leave the star pointing at missing history.
	got := allTables(smallModel())
	want := []string{"fact_sales", "dim_user", "dim_date", "wh_users"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestWritePlaceholders(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	p := 1
	writePlaceholders(&b, &p, 3)
	b.WriteString(", ")
	writePlaceholders(&b, &p, 2)

	if got := b.String(); got != "($1, $2, $3), ($4, $5)" {
		t.Errorf("placeholders = %s", got)
	}
	if p != 6 {
		t.Errorf("counter = %d, want 6", p)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	if got := chunks(0, 100); got != nil {
		t.Errorf("chunks(0) = %v, want nil", got)
	}

	got := chunks(250, 100)
	want := []span{{0, 100}, {100, 200}, {200, 250}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
