// The model types live here so the merge/star packages and the storage
// backends can all import them without circular deps.
package warehouse

import "time"

// Model is the complete logical layout of one warehouse: the SCD2-historized
// entity tables plus the star schema derived from them.
type Model struct {
	Entities   []EntitySpec    `json:"entities"`
	Dimensions []DimensionSpec `json:"dimensions"`
	Fact       FactSpec        `json:"fact"`
	Date       DateSpec        `json:"date"`
}

// Entity returns the entity spec with the given logical name.
func (m Model) Entity(name string) (EntitySpec, bool) {
	for _, e := range m.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return EntitySpec{}, false
}

// Dimension returns the dimension spec with the given table name.
func (m Model) Dimension(name string) (DimensionSpec, bool) {
	for _, d := range m.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return DimensionSpec{}, false
}

// EntitySpec describes one historized warehouse table.
//
// Every entity table carries the same audit columns in addition to the
// natural key and tracked attributes:
//
//	start_date  TIMESTAMPTZ NOT NULL   -- version opened
//	end_date    TIMESTAMPTZ            -- NULL marks the current version
//	source_id_audit INT NOT NULL       -- which feed produced the version
//	insert_id   BIGINT NOT NULL        -- batch that created the version
//	update_id   BIGINT                 -- batch that closed it, NULL while current
//
// Backends append these exactly once; they are not listed in Attributes.
type EntitySpec struct {
	Name       string   `json:"name"`  // logical name, e.g. "users"
	Table      string   `json:"table"` // destination table, e.g. "wh_users"
	PKColumn   string   `json:"pk_column"`
	NaturalKey Column   `json:"natural_key"`
	Attributes []Column `json:"attributes"`

	// DateAttrs lists attributes whose values feed the date-spine range scan.
	DateAttrs []string `json:"date_attrs,omitempty"`

	// OnMissing controls what happens to a current version whose natural key
	// is absent from a new snapshot: "keep" (default) leaves it open,
	// "close" closes it under the batch's update_id.
	OnMissing string `json:"on_missing,omitempty"`
}

// AttrIndex returns the position of a tracked attribute, or -1.
func (e EntitySpec) AttrIndex(name string) int {
	for i, a := range e.Attributes {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// ColumnNames returns natural key plus attribute column names, in write order.
func (e EntitySpec) ColumnNames() []string {
	out := make([]string, 0, len(e.Attributes)+1)
	out = append(out, e.NaturalKey.Name)
	for _, a := range e.Attributes {
		out = append(out, a.Name)
	}
	return out
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // portable type, translated per backend
	Nullable bool   `json:"nullable,omitempty"`
}

// DimensionSpec projects the current versions of one entity into a
// star-schema dimension table. Dimension rows always reflect "current truth":
// they are upserted by natural key, never historized, and the DB-assigned
// surrogate key is stable across rebuilds.
type DimensionSpec struct {
	Name            string      `json:"name"`   // e.g. "dim_user"
	Entity          string      `json:"entity"` // source entity name
	SurrogateColumn string      `json:"surrogate_column"`
	KeyColumn       string      `json:"key_column"` // natural key column in the dim table
	Columns         []DimColumn `json:"columns"`

	// Seed rows exist independently of any source entity (e.g. the
	// "unattributed" traffic source under surrogate -1). They are written
	// with an explicit surrogate key and never touched by the upsert path.
	Seed []SeedRow `json:"seed,omitempty"`
}

// DimColumn maps one source attribute onto one dimension column.
type DimColumn struct {
	Target string `json:"target"`
	Attr   string `json:"attr"`
	Type   string `json:"type"`
}

type SeedRow struct {
	Surrogate int64 `json:"surrogate"`
	Key       any   `json:"key"`
	Values    []any `json:"values"` // aligned with DimensionSpec.Columns
}

// FactSpec describes the fully rebuildable fact table. The fact has no
// identity of its own: every run truncates and repopulates it from the
// current versions of the transactional entity.
type FactSpec struct {
	Table   string       `json:"table"`
	Entity  string       `json:"entity"` // transactional entity, e.g. "sales"
	Columns []FactColumn `json:"columns"`
}

// TargetColumns returns the destination column list in insert order.
func (f FactSpec) TargetColumns() []string {
	out := make([]string, 0, len(f.Columns))
	for _, c := range f.Columns {
		out = append(out, c.Target)
	}
	return out
}

// FactColumn produces one fact column from a transactional row. Exactly one
// of Attr, Const, Lookup, or DateKey is set.
type FactColumn struct {
	Target string `json:"target"`
	Type   string `json:"type"`

	// Attr copies a source attribute through (measures, passthrough ids).
	Attr string `json:"attr,omitempty"`

	// Const emits a constant (e.g. enrollment_count = 1).
	Const any `json:"const,omitempty"`

	// Lookup resolves a natural key to a dimension surrogate key.
	Lookup *FactLookup `json:"lookup,omitempty"`

	// DateKey derives a YYYYMMDD date dimension key from a date attribute.
	DateKey string `json:"date_key,omitempty"`
}

// FactLookup resolves a dimension surrogate key, either directly from an
// attribute of the transactional row or indirectly through a bridge entity.
type FactLookup struct {
	Dimension string      `json:"dimension"`
	Attr      string      `json:"attr,omitempty"`
	Bridge    *BridgeSpec `json:"bridge,omitempty"`

	// Default, when set, is used instead of failing when a bridge lookup
	// has no row for the match key. Direct lookups never default: a missing
	// key there is a referential gap.
	Default *int64 `json:"default,omitempty"`
}

// BridgeSpec routes a lookup through the current versions of another entity.
// For each match key the current row with the greatest OrderAttr wins, which
// is how a sale is attributed to the user's most recent traffic source.
type BridgeSpec struct {
	Entity     string `json:"entity"`
	MatchAttr  string `json:"match_attr"`  // attribute matched against the fact row
	ReturnAttr string `json:"return_attr"` // attribute fed into the dimension lookup
	OrderAttr  string `json:"order_attr"`  // latest value wins
}

// DateSpec describes the date dimension. The table is regenerated as a
// contiguous daily calendar covering the observed transactional range and
// upserted idempotently by calendar date.
type DateSpec struct {
	Table     string `json:"table"`
	KeyColumn string `json:"key_column"`  // YYYYMMDD integer
	DateColumn string `json:"date_column"`
}

// DateRow is one calendar day of the date dimension.
type DateRow struct {
	Key     int64
	Date    time.Time
	Year    int
	Quarter int
	Month   int
	Day     int
	Weekday int
}

// Audit column names shared by all entity tables.
const (
	ColStartDate     = "start_date"
	ColEndDate       = "end_date"
	ColSourceIDAudit = "source_id_audit"
	ColInsertID      = "insert_id"
	ColUpdateID      = "update_id"
)
