// Package warehousetest provides an in-memory warehouse.Repository for
// engine and orchestrator tests. It implements the real transactional
// contract: a Tx works on a copy of the store and only Commit publishes it,
// so rollback tests can assert that failed batches leave no trace.
package warehousetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"coursedw/internal/warehouse"
)

// StoredVersion is one warehouse row with its audit columns, exported so
// tests can assert on history directly.
type StoredVersion struct {
	Key         string
	RawKey      any
	Attrs       []any
	SourceAudit int
	StartDate   time.Time
	EndDate     *time.Time
	InsertID    int64
	UpdateID    *int64
}

// Current reports whether the version is still open.
func (v StoredVersion) Current() bool { return v.EndDate == nil }

type dimRow struct {
	surrogate int64
	key       string
	rawKey    any
	values    []any
}

type state struct {
	versions  map[string][]StoredVersion // entity name -> rows, insert order
	dims      map[string]map[string]dimRow
	nextSurr  map[string]int64
	dates     map[int64]warehouse.DateRow
	factCols  []string
	factRows  [][]any
}

func newState() *state {
	return &state{
		versions: map[string][]StoredVersion{},
		dims:     map[string]map[string]dimRow{},
		nextSurr: map[string]int64{},
		dates:    map[int64]warehouse.DateRow{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for e, rows := range s.versions {
		cp := make([]StoredVersion, len(rows))
		copy(cp, rows)
		c.versions[e] = cp
	}
	for d, rows := range s.dims {
		m := make(map[string]dimRow, len(rows))
		for k, r := range rows {
			m[k] = r
		}
		c.dims[d] = m
	}
	for d, n := range s.nextSurr {
		c.nextSurr[d] = n
	}
	for k, r := range s.dates {
		c.dates[k] = r
	}
	c.factCols = append([]string(nil), s.factCols...)
	c.factRows = append([][]any(nil), s.factRows...)
	return c
}

// Fake is the in-memory repository.
type Fake struct {
	mu    sync.Mutex
	state *state

	// FailOn injects an error keyed by Tx method name ("InsertVersions",
	// "Commit", ...) to exercise rollback paths.
	FailOn map[string]error

	// Locked counts AcquireBatchLock calls.
	Locked int
}

func NewFake() *Fake {
	return &Fake{state: newState()}
}

func (f *Fake) Close() {}

func (f *Fake) EnsureSchema(ctx context.Context, m warehouse.Model) error { return nil }

func (f *Fake) Begin(ctx context.Context) (warehouse.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fakeTx{repo: f, state: f.state.clone()}, nil
}

func (f *Fake) fail(method string) error {
	if f.FailOn == nil {
		return nil
	}
	return f.FailOn[method]
}

// Versions returns all stored rows of one entity, in insert order.
func (f *Fake) Versions(entity string) []StoredVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StoredVersion(nil), f.state.versions[entity]...)
}

// CurrentVersionCount counts open rows of one entity across all sources.
func (f *Fake) CurrentVersionCount(entity string) int {
	n := 0
	for _, v := range f.Versions(entity) {
		if v.Current() {
			n++
		}
	}
	return n
}

// DimensionSurrogate returns the surrogate assigned to a natural key, or
// ok=false when the dimension has no such row.
func (f *Fake) DimensionSurrogate(dim string, key any) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.state.dims[dim][warehouse.NormalizeKey(key)]
	return r.surrogate, ok
}

// FactRows returns the fact table contents.
func (f *Fake) FactRows() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.state.factRows...)
}

// DateKeys returns the sorted keys of the date dimension.
func (f *Fake) DateKeys() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.state.dates))
	for k := range f.state.dates {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fakeTx struct {
	repo  *Fake
	state *state
	done  bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if err := t.repo.fail("Commit"); err != nil {
		return err
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.state = t.state
	t.done = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

func (t *fakeTx) AcquireBatchLock(ctx context.Context) error {
	if err := t.repo.fail("AcquireBatchLock"); err != nil {
		return err
	}
	t.repo.mu.Lock()
	t.repo.Locked++
	t.repo.mu.Unlock()
	return nil
}

func (t *fakeTx) TruncateAll(ctx context.Context, m warehouse.Model) error {
	if err := t.repo.fail("TruncateAll"); err != nil {
		return err
	}
	t.state = newState()
	return nil
}

func (t *fakeTx) MaxBatchID(ctx context.Context, entities []warehouse.EntitySpec) (int64, error) {
	if err := t.repo.fail("MaxBatchID"); err != nil {
		return 0, err
	}
	var max int64
	for _, e := range entities {
		for _, v := range t.state.versions[e.Name] {
			if v.InsertID > max {
				max = v.InsertID
			}
		}
	}
	return max, nil
}

func (t *fakeTx) CurrentVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int) (map[string]warehouse.Version, error) {
	if err := t.repo.fail("CurrentVersions"); err != nil {
		return nil, err
	}
	out := map[string]warehouse.Version{}
	for _, v := range t.state.versions[e.Name] {
		if !v.Current() || v.SourceAudit != sourceAudit {
			continue
		}
		out[v.Key] = toVersion(v)
	}
	return out, nil
}

func (t *fakeTx) AllCurrentVersions(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.Version, error) {
	if err := t.repo.fail("AllCurrentVersions"); err != nil {
		return nil, err
	}
	var out []warehouse.Version
	for _, v := range t.state.versions[e.Name] {
		if v.Current() {
			out = append(out, toVersion(v))
		}
	}
	return out, nil
}

func toVersion(v StoredVersion) warehouse.Version {
	return warehouse.Version{
		Key:         v.Key,
		RawKey:      v.RawKey,
		Attrs:       append([]any(nil), v.Attrs...),
		SourceAudit: v.SourceAudit,
		StartDate:   v.StartDate,
	}
}

func (t *fakeTx) InsertVersions(ctx context.Context, e warehouse.EntitySpec, rows []warehouse.SnapshotRow, sourceAudit int, batchID int64, startDate time.Time) error {
	if err := t.repo.fail("InsertVersions"); err != nil {
		return err
	}
	for _, r := range rows {
		nk := warehouse.NormalizeKey(r.Key)
		for _, v := range t.state.versions[e.Name] {
			if v.Current() && v.Key == nk && v.SourceAudit == sourceAudit {
				return fmt.Errorf("warehousetest: %s: second open version for key=%s source=%d", e.Name, nk, sourceAudit)
			}
		}
		t.state.versions[e.Name] = append(t.state.versions[e.Name], StoredVersion{
			Key:         nk,
			RawKey:      r.Key,
			Attrs:       append([]any(nil), r.Attrs...),
			SourceAudit: sourceAudit,
			StartDate:   startDate,
			InsertID:    batchID,
		})
	}
	return nil
}

func (t *fakeTx) CloseVersions(ctx context.Context, e warehouse.EntitySpec, sourceAudit int, keys []any, batchID int64, endDate time.Time) error {
	if err := t.repo.fail("CloseVersions"); err != nil {
		return err
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[warehouse.NormalizeKey(k)] = struct{}{}
	}
	rows := t.state.versions[e.Name]
	for i := range rows {
		if !rows[i].Current() || rows[i].SourceAudit != sourceAudit {
			continue
		}
		if _, ok := want[rows[i].Key]; !ok {
			continue
		}
		end := endDate
		id := batchID
		rows[i].EndDate = &end
		rows[i].UpdateID = &id
	}
	return nil
}

func (t *fakeTx) TransactionDates(ctx context.Context, e warehouse.EntitySpec, attr string) ([]time.Time, error) {
	if err := t.repo.fail("TransactionDates"); err != nil {
		return nil, err
	}
	idx := e.AttrIndex(attr)
	if idx < 0 {
		return nil, fmt.Errorf("warehousetest: %s has no attribute %q", e.Name, attr)
	}
	var out []time.Time
	for _, v := range t.state.versions[e.Name] {
		if !v.Current() {
			continue
		}
		if ts, ok := v.Attrs[idx].(time.Time); ok {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (t *fakeTx) UpsertDimensionRows(ctx context.Context, d warehouse.DimensionSpec, rows []warehouse.DimensionRow) error {
	if err := t.repo.fail("UpsertDimensionRows"); err != nil {
		return err
	}
	dim := t.state.dims[d.Name]
	if dim == nil {
		dim = map[string]dimRow{}
		t.state.dims[d.Name] = dim
	}
	for _, r := range rows {
		nk := warehouse.NormalizeKey(r.Key)
		if cur, ok := dim[nk]; ok {
			cur.values = append([]any(nil), r.Values...)
			dim[nk] = cur
			continue
		}
		t.state.nextSurr[d.Name]++
		dim[nk] = dimRow{
			surrogate: t.state.nextSurr[d.Name],
			key:       nk,
			rawKey:    r.Key,
			values:    append([]any(nil), r.Values...),
		}
	}
	return nil
}

func (t *fakeTx) SeedDimensionRow(ctx context.Context, d warehouse.DimensionSpec, row warehouse.SeedRow) error {
	if err := t.repo.fail("SeedDimensionRow"); err != nil {
		return err
	}
	dim := t.state.dims[d.Name]
	if dim == nil {
		dim = map[string]dimRow{}
		t.state.dims[d.Name] = dim
	}
	nk := warehouse.NormalizeKey(row.Key)
	if _, ok := dim[nk]; ok {
		return nil
	}
	dim[nk] = dimRow{
		surrogate: row.Surrogate,
		key:       nk,
		rawKey:    row.Key,
		values:    append([]any(nil), row.Values...),
	}
	return nil
}

func (t *fakeTx) DimensionKeys(ctx context.Context, d warehouse.DimensionSpec) (map[string]int64, error) {
	if err := t.repo.fail("DimensionKeys"); err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for k, r := range t.state.dims[d.Name] {
		out[k] = r.surrogate
	}
	return out, nil
}

func (t *fakeTx) UpsertDateRows(ctx context.Context, d warehouse.DateSpec, rows []warehouse.DateRow) error {
	if err := t.repo.fail("UpsertDateRows"); err != nil {
		return err
	}
	for _, r := range rows {
		if _, ok := t.state.dates[r.Key]; !ok {
			t.state.dates[r.Key] = r
		}
	}
	return nil
}

func (t *fakeTx) TruncateFact(ctx context.Context, f warehouse.FactSpec) error {
	if err := t.repo.fail("TruncateFact"); err != nil {
		return err
	}
	t.state.factRows = nil
	return nil
}

func (t *fakeTx) InsertFactRows(ctx context.Context, f warehouse.FactSpec, columns []string, rows [][]any) (int64, error) {
	if err := t.repo.fail("InsertFactRows"); err != nil {
		return 0, err
	}
	t.state.factCols = append([]string(nil), columns...)
	for _, r := range rows {
		if len(r) != len(columns) {
			return 0, fmt.Errorf("warehousetest: fact row has %d values, want %d", len(r), len(columns))
		}
		t.state.factRows = append(t.state.factRows, append([]any(nil), r...))
	}
	return int64(len(rows)), nil
}

var (
	_ warehouse.Repository = (*Fake)(nil)
	_ warehouse.Tx         = (*fakeTx)(nil)
)
