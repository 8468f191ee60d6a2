package star

import (
	"context"
	"testing"
	"time"

	"coursedw/internal/etlerr"
	"coursedw/internal/warehouse"
	"coursedw/internal/warehouse/warehousetest"
)

// testModel is a compact model exercising every fact column shape: the
// passthrough attr, a direct dimension lookup, a bridged lookup with a
// default, the date key, and a constant measure.
func testModel() warehouse.Model {
	return warehouse.Model{
		Entities: []warehouse.EntitySpec{
			{
				Name:       "users",
				Table:      "wh_users",
				PKColumn:   "user_sk",
				NaturalKey: warehouse.Column{Name: "user_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "email", Type: "text"},
				},
			},
			{
				Name:       "traffic_sources",
				Table:      "wh_traffic_sources",
				PKColumn:   "traffic_source_sk",
				NaturalKey: warehouse.Column{Name: "source_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "name", Type: "text"},
				},
			},
			{
				Name:       "user_traffic",
				Table:      "wh_user_traffic",
				PKColumn:   "user_traffic_sk",
				NaturalKey: warehouse.Column{Name: "user_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "source_id", Type: "bigint"},
					{Name: "referred_at", Type: "timestamptz"},
				},
				DateAttrs: []string{"referred_at"},
			},
			{
				Name:       "sales",
				Table:      "wh_sales",
				PKColumn:   "sale_sk",
				NaturalKey: warehouse.Column{Name: "sale_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "user_id", Type: "bigint"},
					{Name: "sale_date", Type: "timestamptz"},
					{Name: "cost_in_rubbles", Type: "bigint"},
				},
				DateAttrs: []string{"sale_date"},
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
			{
				Name:            "dim_traffic_source",
				Entity:          "traffic_sources",
				SurrogateColumn: "traffic_source_key",
				KeyColumn:       "source_id",
				Columns: []warehouse.DimColumn{
					{Target: "name", Attr: "name", Type: "text"},
				},
				Seed: []warehouse.SeedRow{
					{Surrogate: -1, Key: int64(-1), Values: []any{"unattributed"}},
				},
			},
		},
		Fact: warehouse.FactSpec{
			Table:  "fact_sales",
			Entity: "sales",
			Columns: []warehouse.FactColumn{
				{Target: "sale_id", Type: "bigint", Attr: "sale_id"},
				{Target: "user_key", Type: "bigint", Lookup: &warehouse.FactLookup{
					Dimension: "dim_user", Attr: "user_id",
				}},
				{Target: "traffic_source_key", Type: "bigint", Lookup: &warehouse.FactLookup{
					Dimension: "dim_traffic_source",
					Bridge: &warehouse.BridgeSpec{
						Entity:     "user_traffic",
						MatchAttr:  "user_id",
						ReturnAttr: "source_id",
						OrderAttr:  "referred_at",
					},
					Default: int64Ptr(-1),
				}},
				{Target: "date_key", Type: "bigint", DateKey: "sale_date"},
				{Target: "total_in_rubbles", Type: "bigint", Attr: "cost_in_rubbles"},
				{Target: "enrollment_count", Type: "bigint", Const: int64(1)},
			},
		},
		Date: warehouse.DateSpec{
			Table:      "dim_date",
			KeyColumn:  "date_key",
			DateColumn: "date",
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func insert(t *testing.T, tx warehouse.Tx, m warehouse.Model, entity string, audit int, at time.Time, rows ...warehouse.SnapshotRow) {
	t.Helper()
	e, ok := m.Entity(entity)
	if !ok {
		t.Fatalf("unknown entity %s", entity)
	}
	if err := tx.InsertVersions(context.Background(), e, rows, audit, 1, at); err != nil {
		t.Fatalf("insert %s: %v", entity, err)
	}
}

func begin(t *testing.T, repo *warehousetest.Fake) warehouse.Tx {
	t.Helper()
	tx, err := repo.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func commit(t *testing.T, tx warehouse.Tx) {
	t.Helper()
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestRebuildDimensionsKeepsSurrogatesStable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := warehousetest.NewFake()
	m := testModel()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tx := begin(t, repo)
	insert(t, tx, m, "users", 1, day,
		warehouse.SnapshotRow{Key: int64(1), Attrs: []any{"a@example.com"}},
		warehouse.SnapshotRow{Key: int64(2), Attrs: []any{"b@example.com"}},
	)
	b := &Builder{}
	if err := b.RebuildDimensions(ctx, tx, m); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	commit(t, tx)

	sk1, ok := repo.DimensionSurrogate("dim_user", int64(1))
	if !ok {
		t.Fatal("user 1 missing from dim_user")
	}

	// Close user 1's version and open a changed one, then rebuild: the
	// surrogate must survive the attribute change.
	tx = begin(t, repo)
	e, _ := m.Entity("users")
	if err := tx.CloseVersions(ctx, e, 1, []any{int64(1)}, 2, day.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tx.InsertVersions(ctx, e, []warehouse.SnapshotRow{
		{Key: int64(1), Attrs: []any{"a@new.example.com"}},
	}, 1, 2, day.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := b.RebuildDimensions(ctx, tx, m); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	commit(t, tx)

	sk1b, ok := repo.DimensionSurrogate("dim_user", int64(1))
	if !ok {
		t.Fatal("user 1 vanished from dim_user")
	}
	if sk1b != sk1 {
		t.Fatalf("surrogate changed across rebuilds: %d -> %d", sk1, sk1b)
	}
}

func TestRebuildDimensionsSeedsFixedRows(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	m := testModel()

	tx := begin(t, repo)
	b := &Builder{}
	if err := b.RebuildDimensions(context.Background(), tx, m); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	commit(t, tx)

	sk, ok := repo.DimensionSurrogate("dim_traffic_source", int64(-1))
	if !ok {
		t.Fatal("seed row missing")
	}
	if sk != -1 {
		t.Fatalf("seed surrogate = %d, want -1", sk)
	}
}

func TestReconcileTieBreaks(t *testing.T) {
	t.Parallel()

	e := warehouse.EntitySpec{
		Name:       "users",
		NaturalKey: warehouse.Column{Name: "user_id", Type: "bigint"},
		Attributes: []warehouse.Column{{Name: "email", Type: "text"}},
	}
	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	v := func(audit int, start time.Time, email string) warehouse.Version {
		return warehouse.Version{
			Key: "1", RawKey: int64(1), Attrs: []any{email},
			SourceAudit: audit, StartDate: start,
		}
	}

	t.Run("latest_start_date_wins", func(t *testing.T) {
		t.Parallel()
		out, err := reconcile(e, []warehouse.Version{v(1, day1, "old@x"), v(2, day2, "new@x")}, false)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if len(out) != 1 || out[0].Attrs[0] != "new@x" {
			t.Fatalf("got %+v, want the fresher version", out)
		}
	})

	t.Run("tie_falls_to_lower_audit", func(t *testing.T) {
		t.Parallel()
		out, err := reconcile(e, []warehouse.Version{v(2, day1, "file@x"), v(1, day1, "crm@x")}, false)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if len(out) != 1 || out[0].SourceAudit != 1 {
			t.Fatalf("got %+v, want source 1 to win the tie", out)
		}
	})

	t.Run("strict_tie_with_different_attrs_conflicts", func(t *testing.T) {
		t.Parallel()
		_, err := reconcile(e, []warehouse.Version{v(1, day1, "crm@x"), v(2, day1, "file@x")}, true)
		if !etlerr.Is(err, etlerr.MergeConflict) {
			t.Fatalf("err = %v, want merge_conflict", err)
		}
	})

	t.Run("strict_tie_with_equal_attrs_is_fine", func(t *testing.T) {
		t.Parallel()
		out, err := reconcile(e, []warehouse.Version{v(1, day1, "same@x"), v(2, day1, "same@x")}, true)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("got %d winners, want 1", len(out))
		}
	})
}

func TestDateSpineIsContiguous(t *testing.T) {
	t.Parallel()

	rows := Spine(
		time.Date(2024, 2, 27, 15, 30, 0, 0, time.UTC), // intraday inputs truncate
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	)

	want := []int64{20240227, 20240228, 20240229, 20240301, 20240302} // leap day included
	if len(rows) != len(want) {
		t.Fatalf("got %d days, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].Key != w {
			t.Errorf("day %d key = %d, want %d", i, rows[i].Key, w)
		}
	}

	r := rows[2] // 2024-02-29
	if r.Year != 2024 || r.Quarter != 1 || r.Month != 2 || r.Day != 29 || r.Weekday != int(time.Thursday) {
		t.Errorf("leap day parts wrong: %+v", r)
	}
}

func TestRebuildFactsResolvesAllColumnShapes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := warehousetest.NewFake()
	m := testModel()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	saleDate := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	tx := begin(t, repo)
	insert(t, tx, m, "users", 1, day,
		warehouse.SnapshotRow{Key: int64(1), Attrs: []any{"a@example.com"}},
		warehouse.SnapshotRow{Key: int64(2), Attrs: []any{"b@example.com"}},
	)
	insert(t, tx, m, "traffic_sources", 1, day,
		warehouse.SnapshotRow{Key: int64(10), Attrs: []any{"search"}},
		warehouse.SnapshotRow{Key: int64(11), Attrs: []any{"social"}},
	)
	// User 1 has two attributions; the later referred_at (source 11) wins.
	// User 2 has none and must fall to the default.
	insert(t, tx, m, "user_traffic", 1, day,
		warehouse.SnapshotRow{Key: int64(1), Attrs: []any{int64(10), day}},
	)
	insert(t, tx, m, "user_traffic", 2, day,
		warehouse.SnapshotRow{Key: int64(1), Attrs: []any{int64(11), day.AddDate(0, 0, 2)}},
	)
	insert(t, tx, m, "sales", 1, day,
		warehouse.SnapshotRow{Key: int64(100), Attrs: []any{int64(1), saleDate, int64(5000)}},
		warehouse.SnapshotRow{Key: int64(101), Attrs: []any{int64(2), saleDate, int64(7000)}},
	)

	b := &Builder{}
	if err := b.RebuildDimensions(ctx, tx, m); err != nil {
		t.Fatalf("dimensions: %v", err)
	}
	n, err := b.RebuildFacts(ctx, tx, m)
	if err != nil {
		t.Fatalf("facts: %v", err)
	}
	commit(t, tx)

	if n != 2 {
		t.Fatalf("inserted %d fact rows, want 2", n)
	}

	userSK1, _ := repo.DimensionSurrogate("dim_user", int64(1))
	userSK2, _ := repo.DimensionSurrogate("dim_user", int64(2))
	socialSK, _ := repo.DimensionSurrogate("dim_traffic_source", int64(11))

	byID := map[int64][]any{}
	for _, r := range repo.FactRows() {
		byID[r[0].(int64)] = r
	}

	sale100 := byID[100]
	if sale100 == nil {
		t.Fatal("sale 100 missing from fact table")
	}
	if sale100[1] != userSK1 {
		t.Errorf("sale 100 user_key = %v, want %v", sale100[1], userSK1)
	}
	if sale100[2] != socialSK {
		t.Errorf("sale 100 traffic_source_key = %v, want %v (latest attribution)", sale100[2], socialSK)
	}
	if sale100[3] != int64(20240305) {
		t.Errorf("sale 100 date_key = %v, want 20240305", sale100[3])
	}
	if sale100[4] != int64(5000) || sale100[5] != int64(1) {
		t.Errorf("sale 100 measures wrong: %v", sale100)
	}

	sale101 := byID[101]
	if sale101 == nil {
		t.Fatal("sale 101 missing from fact table")
	}
	if sale101[1] != userSK2 {
		t.Errorf("sale 101 user_key = %v, want %v", sale101[1], userSK2)
	}
	if sale101[2] != int64(-1) {
		t.Errorf("sale 101 traffic_source_key = %v, want -1 (unattributed)", sale101[2])
	}

	// The spine must cover the whole observed range.
	keys := repo.DateKeys()
	if len(keys) == 0 || keys[0] != 20240301 || keys[len(keys)-1] != 20240305 {
		t.Errorf("date spine range wrong: %v", keys)
	}
}

func TestRebuildFactsMissingDimensionIsReferentialGap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := warehousetest.NewFake()
	m := testModel()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tx := begin(t, repo)
	// A sale for user 9 without any wh_users version: the dim_user lookup
	// cannot resolve and the batch must fail.
	insert(t, tx, m, "sales", 1, day,
		warehouse.SnapshotRow{Key: int64(100), Attrs: []any{int64(9), day, int64(5000)}},
	)

	b := &Builder{}
	if err := b.RebuildDimensions(ctx, tx, m); err != nil {
		t.Fatalf("dimensions: %v", err)
	}
	_, err := b.RebuildFacts(ctx, tx, m)
	if !etlerr.Is(err, etlerr.ReferentialGap) {
		t.Fatalf("err = %v, want referential_gap", err)
	}
}

func TestRebuildFactsEmptyWarehouse(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	m := testModel()

	tx := begin(t, repo)
	b := &Builder{}
	if err := b.RebuildDimensions(context.Background(), tx, m); err != nil {
		t.Fatalf("dimensions: %v", err)
	}
	n, err := b.RebuildFacts(context.Background(), tx, m)
	if err != nil {
		t.Fatalf("facts: %v", err)
	}
	commit(t, tx)

	if n != 0 || len(repo.FactRows()) != 0 {
		t.Fatalf("empty warehouse produced %d fact rows", n)
	}
	// The spine still exists: a single day (today) per the empty-range rule.
	if len(repo.DateKeys()) != 1 {
		t.Fatalf("got %d spine days, want 1", len(repo.DateKeys()))
	}
}
