package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"coursedw/internal/metrics"
	"coursedw/internal/scd2"
	"coursedw/internal/star"
	"coursedw/internal/warehouse"
	"coursedw/internal/warehouse/warehousetest"
)

// stubSource feeds canned snapshots, standing in for the relational and
// file feeds.
type stubSource struct {
	name     string
	audit    int
	entities []string
	rows     map[string][]warehouse.SnapshotRow
	err      error
}

func (s *stubSource) Name() string       { return s.name }
func (s *stubSource) SourceIDAudit() int { return s.audit }
func (s *stubSource) Entities() []string { return s.entities }
func (s *stubSource) Fetch(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.SnapshotRow, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rows[e.Name], nil
}

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
				Name:       "sales",
				Table:      "wh_sales",
				PKColumn:   "sale_sk",
				NaturalKey: warehouse.Column{Name: "sale_id", Type: "bigint"},
				Attributes: []warehouse.Column{
					{Name: "user_id", Type: "bigint"},
					{Name: "sale_date", Type: "timestamptz"},
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
		},
		Fact: warehouse.FactSpec{
			Table:  "fact_sales",
			Entity: "sales",
			Columns: []warehouse.FactColumn{
				{Target: "sale_id", Type: "bigint", Attr: "sale_id"},
				{Target: "user_key", Type: "bigint", Lookup: &warehouse.FactLookup{
					Dimension: "dim_user", Attr: "user_id",
				}},
				{Target: "date_key", Type: "bigint", DateKey: "sale_date"},
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

func newOrchestrator(repo *warehousetest.Fake, feeds ...*stubSource) *Orchestrator {
	o := &Orchestrator{
		Repo:  repo,
		Model: testModel(),
		Merge: &scd2.Engine{},
		Star:  &star.Builder{},
		Now: func() time.Time {
			return time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
		},
	}
	for _, f := range feeds {
		o.Sources = append(o.Sources, f)
	}
	return o
}

func crmFeed() *stubSource {
	saleDate := time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)
	return &stubSource{
		name:     "crm",
		audit:    1,
		entities: []string{"users", "sales"},
		rows: map[string][]warehouse.SnapshotRow{
			"users": {
				{Key: int64(1), Attrs: []any{"a@example.com"}},
				{Key: int64(2), Attrs: []any{"b@example.com"}},
			},
			"sales": {
				{Key: int64(100), Attrs: []any{int64(1), saleDate}},
				{Key: int64(101), Attrs: []any{int64(2), saleDate}},
			},
		},
	}
}

func TestRunFullLoad(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	o := newOrchestrator(repo, crmFeed())

	res, err := o.Run(context.Background(), 0, ModeFull)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.BatchID != 1 {
		t.Errorf("full load ran as batch %d, want 1", res.BatchID)
	}
	if res.VersionsInserted() != 4 {
		t.Errorf("inserted %d versions, want 4", res.VersionsInserted())
	}
	if res.FactRows != 2 {
		t.Errorf("fact rows = %d, want 2", res.FactRows)
	}
	if repo.CurrentVersionCount("users") != 2 || repo.CurrentVersionCount("sales") != 2 {
		t.Errorf("warehouse state wrong after commit: users=%d sales=%d",
			repo.CurrentVersionCount("users"), repo.CurrentVersionCount("sales"))
	}
}

func TestRunIncrementalOnTop(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	feed := crmFeed()
	o := newOrchestrator(repo, feed)

	if _, err := o.Run(context.Background(), 0, ModeFull); err != nil {
		t.Fatalf("full load: %v", err)
	}

	// User 1 changes email; everything else is untouched.
	feed.rows["users"] = []warehouse.SnapshotRow{
		{Key: int64(1), Attrs: []any{"a@new.example.com"}},
		{Key: int64(2), Attrs: []any{"b@example.com"}},
	}
	o.Now = func() time.Time { return time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC) }

	res, err := o.Run(context.Background(), 2, ModeIncremental)
	if err != nil {
		t.Fatalf("incremental: %v", err)
	}

	if res.VersionsInserted() != 1 || res.VersionsClosed() != 1 {
		t.Errorf("inserted=%d closed=%d, want 1/1", res.VersionsInserted(), res.VersionsClosed())
	}
	if got := len(repo.Versions("users")); got != 3 {
		t.Errorf("users history has %d versions, want 3", got)
	}
	if got := repo.CurrentVersionCount("users"); got != 2 {
		t.Errorf("users current versions = %d, want 2", got)
	}
}

func TestRunRejectsOutOfOrderBatch(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	o := newOrchestrator(repo, crmFeed())

	if _, err := o.Run(context.Background(), 5, ModeIncremental); err != nil {
		t.Fatalf("batch 5: %v", err)
	}

	_, err := o.Run(context.Background(), 3, ModeIncremental)
	if err == nil || !strings.Contains(err.Error(), "out of order") {
		t.Fatalf("err = %v, want out-of-order rejection", err)
	}

	// Replaying the same id is allowed so a rolled-back batch can be retried.
	if _, err := o.Run(context.Background(), 5, ModeIncremental); err != nil {
		t.Fatalf("replaying batch 5: %v", err)
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(warehousetest.NewFake(), crmFeed())

	if _, err := o.Run(context.Background(), 0, ModeIncremental); err == nil {
		t.Error("incremental with batch 0 should fail")
	}
	if _, err := o.Run(context.Background(), -3, ModeIncremental); err == nil {
		t.Error("incremental with negative batch should fail")
	}
	if _, err := o.Run(context.Background(), 1, Mode("replace")); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestRunFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	o := newOrchestrator(repo, crmFeed())

	if _, err := o.Run(context.Background(), 0, ModeFull); err != nil {
		t.Fatalf("full load: %v", err)
	}
	before := repo.Versions("users")

	boom := errors.New("disk full")
	repo.FailOn = map[string]error{"InsertFactRows": boom}

	_, err := o.Run(context.Background(), 2, ModeIncremental)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped injected failure", err)
	}

	// The failed batch must not have published anything.
	after := repo.Versions("users")
	if len(after) != len(before) {
		t.Errorf("history grew from %d to %d versions despite rollback", len(before), len(after))
	}
	if len(repo.FactRows()) != 2 {
		t.Errorf("fact table has %d rows, want the 2 from batch 1", len(repo.FactRows()))
	}
}

func TestRunSourceErrorAbortsBatch(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	feed := crmFeed()
	feed.err = errors.New("connection refused")
	o := newOrchestrator(repo, feed)

	_, err := o.Run(context.Background(), 0, ModeFull)
	if !errors.Is(err, feed.err) {
		t.Fatalf("err = %v, want wrapped source error", err)
	}
	if len(repo.Versions("users")) != 0 {
		t.Error("failed batch left versions behind")
	}
}

func TestRunUnknownEntityFromFeed(t *testing.T) {
	t.Parallel()

	feed := crmFeed()
	feed.entities = append(feed.entities, "ghosts")
	o := newOrchestrator(warehousetest.NewFake(), feed)

	_, err := o.Run(context.Background(), 0, ModeFull)
	if err == nil || !strings.Contains(err.Error(), "ghosts") {
		t.Fatalf("err = %v, want unknown-entity failure naming the entity", err)
	}
}

func TestRunMergesFeedsInAuditOrder(t *testing.T) {
	t.Parallel()

	repo := warehousetest.NewFake()
	fileFeed := &stubSource{
		name:     "partner_csv",
		audit:    2,
		entities: []string{"users"},
		rows: map[string][]warehouse.SnapshotRow{
			"users": {{Key: int64(3), Attrs: []any{"c@example.com"}}},
		},
	}
	// Declared out of order on purpose; the orchestrator sorts by audit tag.
	o := newOrchestrator(repo, fileFeed, crmFeed())

	res, err := o.Run(context.Background(), 0, ModeFull)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(res.Entities) == 0 || res.Entities[0].SourceAudit != 1 {
		t.Fatalf("first merged feed has audit %d, want 1", res.Entities[0].SourceAudit)
	}
	if got := repo.CurrentVersionCount("users"); got != 3 {
		t.Errorf("users current versions = %d, want 3 across both feeds", got)
	}
}

// recordingMetrics captures counter and duration emissions keyed by
// name|status.
type recordingMetrics struct {
	mu        sync.Mutex
	counters  map[string]float64
	durations map[string]int
}

func (m *recordingMetrics) IncCounter(name string, v float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]float64{}
	}
	m.counters[name+"|"+tags["status"]] += v
}

func (m *recordingMetrics) ObserveDuration(name string, d time.Duration, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.durations == nil {
		m.durations = map[string]int{}
	}
	m.durations[name+"|"+tags["status"]]++
}

func (m *recordingMetrics) Flush() error { return nil }
func (m *recordingMetrics) Close() error { return nil }

func (m *recordingMetrics) counter(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func (m *recordingMetrics) duration(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durations[key]
}

// Not parallel: swaps the process-wide metrics backend.
func TestRunEmitsMetricsOnBothOutcomes(t *testing.T) {
	rec := &recordingMetrics{}
	metrics.SetBackend(rec)
	defer metrics.SetBackend(nil)

	repo := warehousetest.NewFake()
	o := newOrchestrator(repo, crmFeed())

	if _, err := o.Run(context.Background(), 0, ModeFull); err != nil {
		t.Fatalf("full load: %v", err)
	}

	repo.FailOn = map[string]error{"Commit": errors.New("disk full")}
	if _, err := o.Run(context.Background(), 2, ModeIncremental); err == nil {
		t.Fatal("injected commit failure did not surface")
	}

	if got := rec.counter("etl_batch_runs|ok"); got != 1 {
		t.Errorf("ok runs counted %v, want 1", got)
	}
	if got := rec.counter("etl_batch_runs|failed"); got != 1 {
		t.Errorf("failed runs counted %v, want 1", got)
	}
	if got := rec.duration("etl_batch_duration|failed"); got != 1 {
		t.Errorf("failed run durations observed %d, want 1", got)
	}
}

func TestResultSummary(t *testing.T) {
	t.Parallel()

	res := Result{
		BatchID:  7,
		Mode:     ModeIncremental,
		FactRows: 42,
		Entities: []scd2.Stats{
			{Entity: "users", Inserted: 3, Closed: 1},
			{Entity: "sales", Inserted: 2},
		},
		Elapsed: 1500 * time.Millisecond,
	}

	s := res.Summary()
	for _, want := range []string{"batch 7", "incremental", "42"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
	if res.VersionsInserted() != 5 || res.VersionsClosed() != 1 {
		t.Errorf("totals inserted=%d closed=%d, want 5/1", res.VersionsInserted(), res.VersionsClosed())
	}
}
